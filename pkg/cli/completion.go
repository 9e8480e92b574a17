package cli

import (
	"sort"
	"strings"

	"github.com/mptm-gw/mptm/pkg/cmdtree"
	"github.com/mptm-gw/mptm/pkg/config"
)

// completer adapts the command trees to readline tab completion.
type completer struct {
	cli *CLI
}

// Do returns the suffixes completing the word under the cursor.
func (cp *completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	words, partial := splitPartial(text)
	var out [][]rune
	for _, c := range cp.cli.candidates(words, partial) {
		out = append(out, []rune(c.Name[len(partial):]+" "))
	}
	return out, len([]rune(partial))
}

// Complete returns the sorted names completing text.
func (c *CLI) Complete(text string) []string {
	words, partial := splitPartial(text)
	var names []string
	for _, cand := range c.candidates(words, partial) {
		names = append(names, cand.Name)
	}
	sort.Strings(names)
	return names
}

func splitPartial(text string) ([]string, string) {
	if i := strings.LastIndex(text, "|"); i >= 0 {
		return []string{"|"}, strings.TrimLeft(text[i+1:], " ")
	}
	words := strings.Fields(text)
	if len(words) == 0 || strings.HasSuffix(text, " ") {
		return words, ""
	}
	return words[:len(words)-1], words[len(words)-1]
}

// candidates lists what may follow words, starting with partial.
func (c *CLI) candidates(words []string, partial string) []cmdtree.Candidate {
	if len(words) == 1 && words[0] == "|" {
		var out []cmdtree.Candidate
		for name, desc := range pipeFilters {
			if strings.HasPrefix(name, partial) {
				out = append(out, cmdtree.Candidate{Name: name, Desc: desc})
			}
		}
		return out
	}
	if !c.configMode {
		return cmdtree.CompleteFromTreeWithDesc(cmdtree.OperationalTree, words, partial, c.cfg)
	}
	if len(words) > 0 {
		switch words[0] {
		case "run":
			return cmdtree.CompleteFromTreeWithDesc(cmdtree.OperationalTree, words[1:], partial, c.cfg)
		case "set", "delete":
			var out []cmdtree.Candidate
			names := config.CompleteSetPath(words[1:], c.valueProvider)
			for _, name := range cmdtree.FilterPrefix(names, partial) {
				out = append(out, cmdtree.Candidate{Name: name})
			}
			return out
		}
	}
	return cmdtree.CompleteFromTreeWithDesc(cmdtree.ConfigTopLevel, words, partial, c.cfg)
}

// valueProvider offers names from the active configuration.
func (c *CLI) valueProvider(hint config.ValueHint) []string {
	if c.cfg == nil {
		return nil
	}
	var out []string
	switch hint {
	case config.ValueHintInterfaceName:
		for name := range c.cfg.Interfaces {
			out = append(out, name)
		}
	case config.ValueHintFlow:
		seen := make(map[string]bool)
		for _, f := range c.cfg.Tunnels {
			if !seen[f.Source] {
				seen[f.Source] = true
				out = append(out, f.Source)
			}
		}
	}
	sort.Strings(out)
	return out
}
