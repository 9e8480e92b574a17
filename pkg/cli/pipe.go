package cli

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// pipeFilters lists the output filters accepted after "|".
var pipeFilters = map[string]string{
	"count":   "Count occurrences",
	"display": "Show additional kinds of information",
	"except":  "Show only text that does not match a pattern",
	"find":    "Search for first occurrence of pattern",
	"grep":    "Show only text that matches a pattern",
	"last":    "Display end of output only",
	"match":   "Show only text that matches a pattern",
	"no-more": "Don't paginate output",
}

// splitPipes separates "cmd | f1 | f2" into the command and its filters.
func splitPipes(line string) (string, []string) {
	parts := strings.Split(line, "|")
	cmd := strings.TrimSpace(parts[0])
	var pipes []string
	for _, p := range parts[1:] {
		pipes = append(pipes, strings.TrimSpace(p))
	}
	return cmd, pipes
}

// displayPipes folds the "display set" and "compare" pipes into the show
// commands that implement them.
func displayPipes(cmd string, pipes []string, configMode bool) (string, []string) {
	var rest []string
	for _, p := range pipes {
		switch {
		case p == "display set" && strings.HasPrefix(cmd, "show"):
			cmd += " set"
		case p == "compare" && configMode && cmd == "show":
			cmd = "compare"
		default:
			rest = append(rest, p)
		}
	}
	return cmd, rest
}

type filter struct {
	kind    string
	pattern *regexp.Regexp
	n       int
}

type filterChain []filter

func parseFilters(pipes []string) (filterChain, error) {
	var chain filterChain
	for _, p := range pipes {
		name, arg, _ := strings.Cut(p, " ")
		arg = strings.Trim(strings.TrimSpace(arg), `"`)
		if _, ok := pipeFilters[name]; !ok {
			return nil, fmt.Errorf("unknown pipe filter %q", name)
		}
		f := filter{kind: name}
		switch name {
		case "match", "grep", "except", "find":
			if arg == "" {
				return nil, fmt.Errorf("%s: missing pattern", name)
			}
			re, err := regexp.Compile(arg)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			f.pattern = re
		case "last":
			f.n = 10
			if arg != "" {
				n, err := strconv.Atoi(arg)
				if err != nil || n <= 0 {
					return nil, fmt.Errorf("last: invalid count %q", arg)
				}
				f.n = n
			}
		case "display":
			return nil, fmt.Errorf("display %s: not supported here", arg)
		case "no-more":
			continue
		}
		chain = append(chain, f)
	}
	return chain, nil
}

// lineOnly reports whether every filter works on single lines, as needed
// for streamed output.
func (fc filterChain) lineOnly() bool {
	for _, f := range fc {
		switch f.kind {
		case "match", "grep", "except":
		default:
			return false
		}
	}
	return true
}

// keep reports whether a single line passes the line filters.
func (fc filterChain) keep(line string) bool {
	for _, f := range fc {
		switch f.kind {
		case "match", "grep":
			if !f.pattern.MatchString(line) {
				return false
			}
		case "except":
			if f.pattern.MatchString(line) {
				return false
			}
		}
	}
	return true
}

func (fc filterChain) apply(out string) string {
	if len(fc) == 0 || out == "" {
		return out
	}
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	for _, f := range fc {
		switch f.kind {
		case "match", "grep", "except":
			kept := lines[:0:0]
			for _, l := range lines {
				if (filterChain{f}).keep(l) {
					kept = append(kept, l)
				}
			}
			lines = kept
		case "find":
			for i, l := range lines {
				if f.pattern.MatchString(l) {
					lines = lines[i:]
					break
				}
				if i == len(lines)-1 {
					lines = nil
				}
			}
		case "last":
			if len(lines) > f.n {
				lines = lines[len(lines)-f.n:]
			}
		case "count":
			lines = []string{fmt.Sprintf("Count: %d lines", len(lines))}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
