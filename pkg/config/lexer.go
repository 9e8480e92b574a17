// Package config implements the gateway's hierarchical configuration
// language: a brace-delimited, semicolon-terminated format in the style of
// Junos, and the typed Config compiled from it.
package config

import (
	"fmt"
	"strings"
)

// TokenType represents the type of a lexer token.
type TokenType int

const (
	TokenLBrace     TokenType = iota // {
	TokenRBrace                      // }
	TokenSemicolon                   // ;
	TokenIdentifier                  // unquoted word
	TokenString                      // "quoted string"
	TokenEOF
	TokenError
)

var tokenNames = map[TokenType]string{
	TokenLBrace:     "'{'",
	TokenRBrace:     "'}'",
	TokenSemicolon:  "';'",
	TokenIdentifier: "identifier",
	TokenString:     "string",
	TokenEOF:        "EOF",
	TokenError:      "error",
}

func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return "unknown"
}

// Token is a single lexer token.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	if t.Type == TokenIdentifier || t.Type == TokenString {
		return fmt.Sprintf("%s(%q)", t.Type, t.Value)
	}
	return t.Type.String()
}

// Lexer tokenizes configuration text.
type Lexer struct {
	input  string
	pos    int
	line   int
	column int
}

// NewLexer creates a new Lexer for the given input string.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input, line: 1, column: 1}
}

// Next returns the next token, advancing the position.
func (l *Lexer) Next() Token {
	l.skipSpace()
	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Line: l.line, Column: l.column}
	}

	line, col := l.line, l.column
	ch := l.input[l.pos]
	switch {
	case ch == '{' || ch == '}' || ch == ';':
		l.advance()
		typ := map[byte]TokenType{'{': TokenLBrace, '}': TokenRBrace, ';': TokenSemicolon}[ch]
		return Token{Type: typ, Value: string(ch), Line: line, Column: col}
	case ch == '[' || ch == ']':
		// [ a b c ] lists are flattened into plain words.
		l.advance()
		return l.Next()
	case ch == '"':
		return l.readString(line, col)
	case isIdentChar(ch):
		start := l.pos
		for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
			l.advance()
		}
		return Token{Type: TokenIdentifier, Value: l.input[start:l.pos], Line: line, Column: col}
	}
	l.advance()
	return Token{Type: TokenError, Value: fmt.Sprintf("unexpected character %q", ch), Line: line, Column: col}
}

// Peek returns the next token without advancing.
func (l *Lexer) Peek() Token {
	saved := *l
	tok := l.Next()
	*l = saved
	return tok
}

func (l *Lexer) advance() {
	if l.pos >= len(l.input) {
		return
	}
	if l.input[l.pos] == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.pos++
}

func (l *Lexer) skipLine() {
	for l.pos < len(l.input) && l.input[l.pos] != '\n' {
		l.advance()
	}
}

// skipSpace skips whitespace and #, // and /* */ comments.
func (l *Lexer) skipSpace() {
	for l.pos < len(l.input) {
		rest := l.input[l.pos:]
		switch {
		case rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '\r':
			l.advance()
		case rest[0] == '#' || strings.HasPrefix(rest, "//"):
			l.skipLine()
		case strings.HasPrefix(rest, "/*"):
			end := strings.Index(rest[2:], "*/")
			n := len(rest)
			if end >= 0 {
				n = end + 4
			}
			for i := 0; i < n; i++ {
				l.advance()
			}
		default:
			return
		}
	}
}

func (l *Lexer) readString(line, col int) Token {
	l.advance() // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		l.advance()
		switch ch {
		case '"':
			return Token{Type: TokenString, Value: b.String(), Line: line, Column: col}
		case '\\':
			if l.pos < len(l.input) {
				b.WriteByte(l.input[l.pos])
				l.advance()
			}
		default:
			b.WriteByte(ch)
		}
	}
	return Token{Type: TokenError, Value: "unterminated string", Line: line, Column: col}
}

// isIdentChar reports whether ch may appear in an unquoted word. Words
// cover addresses (10.0.0.1, 10.0.0.0/24), MACs (02:00:00:00:00:01),
// interface names (eth0.100) and host:port pairs.
func isIdentChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '_' || ch == '.' ||
		ch == '/' || ch == ':' || ch == '*' || ch == '+'
}
