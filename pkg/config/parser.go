package config

import (
	"errors"
	"fmt"
)

const maxNestingDepth = 32

// ParseError is a syntax error at a position in the input.
type ParseError struct {
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Msg)
}

// Parser builds a ConfigTree from configuration text.
type Parser struct {
	lex  *Lexer
	errs []error
}

// NewParser creates a Parser for input.
func NewParser(input string) *Parser {
	return &Parser{lex: NewLexer(input)}
}

// Parse parses the whole input. Parsing continues after an error so that
// every syntax error is reported; the tree is only usable when no errors
// are returned.
func (p *Parser) Parse() (*ConfigTree, []error) {
	tree := &ConfigTree{Children: p.parseBlock(0)}
	return tree, p.errs
}

func (p *Parser) errorf(tok Token, format string, args ...any) {
	p.errs = append(p.errs, &ParseError{Line: tok.Line, Column: tok.Column, Msg: fmt.Sprintf(format, args...)})
}

// parseBlock reads statements until the closing brace of the current block
// (depth > 0) or EOF (depth 0).
func (p *Parser) parseBlock(depth int) []*Node {
	var nodes []*Node
	for {
		tok := p.lex.Next()
		switch tok.Type {
		case TokenEOF:
			if depth > 0 {
				p.errorf(tok, "unexpected EOF, missing '}'")
			}
			return nodes
		case TokenRBrace:
			if depth == 0 {
				p.errorf(tok, "unexpected '}'")
				continue
			}
			return nodes
		case TokenSemicolon:
			continue
		case TokenIdentifier, TokenString:
			if n := p.parseStatement(tok, depth); n != nil {
				nodes = append(nodes, n)
			}
		case TokenError:
			p.errorf(tok, "%s", tok.Value)
		default:
			p.errorf(tok, "unexpected %s", tok.Type)
		}
	}
}

// parseStatement reads the keys of a statement starting with first, then
// either its terminating ';' or its block.
func (p *Parser) parseStatement(first Token, depth int) *Node {
	n := &Node{Keys: []string{first.Value}, Line: first.Line, Column: first.Column}
	for {
		tok := p.lex.Peek()
		switch tok.Type {
		case TokenIdentifier, TokenString:
			p.lex.Next()
			n.Keys = append(n.Keys, tok.Value)
		case TokenSemicolon:
			p.lex.Next()
			n.IsLeaf = true
			return n
		case TokenLBrace:
			p.lex.Next()
			if depth+1 > maxNestingDepth {
				p.errorf(tok, "nesting deeper than %d levels", maxNestingDepth)
				return nil
			}
			n.Children = p.parseBlock(depth + 1)
			if n.Children == nil {
				n.Children = []*Node{}
			}
			return n
		case TokenError:
			p.lex.Next()
			p.errorf(tok, "%s", tok.Value)
			return nil
		default:
			// '}' or EOF: leave it for the enclosing block.
			p.errorf(tok, "missing ';' after %q", n.KeyPath())
			return nil
		}
	}
}

// Parse parses and compiles configuration text.
func Parse(input string) (*Config, error) {
	tree, errs := NewParser(input).Parse()
	if len(errs) > 0 {
		return nil, fmt.Errorf("parse: %w", errors.Join(errs...))
	}
	return CompileConfig(tree)
}

// ParseCommand splits a one-line "set ..." or "delete ..." command into
// its path, with quoting handled as in configuration files. The verb must
// match.
func ParseCommand(verb, input string) ([]string, error) {
	lex := NewLexer(input)
	var words []string
	for {
		tok := lex.Next()
		switch tok.Type {
		case TokenEOF:
			if len(words) == 0 || words[0] != verb {
				return nil, fmt.Errorf("expected %q command", verb)
			}
			if len(words) == 1 {
				return nil, fmt.Errorf("%s: missing path", verb)
			}
			return words[1:], nil
		case TokenIdentifier, TokenString:
			words = append(words, tok.Value)
		case TokenError:
			return nil, fmt.Errorf("column %d: %s", tok.Column, tok.Value)
		default:
			return nil, fmt.Errorf("column %d: unexpected %s", tok.Column, tok.Type)
		}
	}
}
