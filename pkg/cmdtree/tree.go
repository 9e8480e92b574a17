// Package cmdtree defines the command trees of the mptm shell. Tab
// completion, ? help and command lookup all walk these trees.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/mptm-gw/mptm/pkg/config"
)

// Node defines a completion tree node with description, children, and optional dynamic values.
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(cfg *config.Config) []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

func flowSources(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, f := range cfg.Tunnels {
		if !seen[f.Source] {
			seen[f.Source] = true
			out = append(out, f.Source)
		}
	}
	return out
}

func redirectDestinations(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	out := make([]string, 0, len(cfg.Redirect.Destinations))
	for dst := range cfg.Redirect.Destinations {
		out = append(out, dst)
	}
	return out
}

func groupIndexes(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	out := make([]string, 0, len(cfg.Redirect.Groups))
	for g := range cfg.Redirect.Groups {
		out = append(out, strconv.FormatUint(uint64(g), 10))
	}
	return out
}

func traceFilters() map[string]*Node {
	return map[string]*Node{
		"program": {Desc: "Only events of one program", Children: map[string]*Node{
			"push":     {Desc: "Tunnel push program"},
			"pop":      {Desc: "GENEVE pop program"},
			"redirect": {Desc: "Interface redirect program"},
		}},
		"type":    {Desc: "Only events of one type"},
		"address": {Desc: "Only events with this source or destination"},
		"limit":   {Desc: "Maximum number of events"},
	}
}

func entryTables() map[string]*Node {
	return map[string]*Node{
		"tunnel":   {Desc: "Tunnel policy, keyed by source and destination", DynamicFn: flowSources},
		"redirect": {Desc: "Destination to interface group", DynamicFn: redirectDestinations},
		"group":    {Desc: "Interface group to egress ifindex", DynamicFn: groupIndexes},
		"iface":    {Desc: "Ingress ifindex to egress ifindex"},
	}
}

// OperationalTree defines tab completion for operational mode.
var OperationalTree = map[string]*Node{
	"configure": {Desc: "Enter configuration mode"},
	"show": {Desc: "Show information", Children: map[string]*Node{
		"status":     {Desc: "Daemon and dataplane status"},
		"tunnels":    {Desc: "Tunnel table"},
		"redirects":  {Desc: "Redirect, group and interface redirect tables"},
		"statistics": {Desc: "Per-action counters and table occupancy"},
		"trace":      {Desc: "Recent packet-path events", Children: traceFilters()},
		"configuration": {Desc: "Active configuration", Children: map[string]*Node{
			"set": {Desc: "Display as set commands"},
		}},
		"history": {Desc: "Commit history"},
	}},
	"monitor": {Desc: "Follow live events", Children: map[string]*Node{
		"trace": {Desc: "Follow packet-path events", Children: traceFilters()},
	}},
	"entry": {Desc: "Operate on a single table entry", Children: map[string]*Node{
		"add":    {Desc: "Add or replace an entry", Children: entryTables()},
		"delete": {Desc: "Delete an entry", Children: entryTables()},
		"get":    {Desc: "Look up an entry", Children: entryTables()},
	}},
	"help": {Desc: "Show help"},
	"quit": {Desc: "Exit CLI"},
	"exit": {Desc: "Exit CLI"},
}

// ConfigTopLevel defines tab completion for config mode top-level commands.
var ConfigTopLevel = map[string]*Node{
	"set":    {Desc: "Set a configuration value"},
	"delete": {Desc: "Delete a configuration element"},
	"show": {Desc: "Show candidate configuration", Children: map[string]*Node{
		"set": {Desc: "Display as set commands"},
	}},
	"compare": {Desc: "Compare candidate with active configuration"},
	"commit": {Desc: "Commit configuration", Children: map[string]*Node{
		"check":   {Desc: "Validate without applying"},
		"comment": {Desc: "Add comment to commit"},
	}},
	"rollback": {Desc: "Revert to previous configuration"},
	"run":      {Desc: "Run operational command"},
	"exit":     {Desc: "Exit configuration mode"},
	"quit":     {Desc: "Exit configuration mode"},
}

// --- Helper functions ---

// HelpCandidates returns Candidates from a tree's children for help display.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// walk follows words down tree. A word matching no child is taken as a
// dynamic value of the node above it; afterValue reports whether the last
// word was one.
func walk(tree map[string]*Node, words []string) (children map[string]*Node, node *Node, afterValue, ok bool) {
	children = tree
	for _, w := range words {
		afterValue = false
		child, found := children[w]
		if !found {
			if node != nil && node.DynamicFn != nil {
				afterValue = true
				continue
			}
			return nil, nil, false, false
		}
		node = child
		children = child.Children
	}
	return children, node, afterValue, true
}

// CompleteFromTreeWithDesc walks the tree returning name+description pairs.
func CompleteFromTreeWithDesc(tree map[string]*Node, words []string, partial string, cfg *config.Config) []Candidate {
	children, node, afterValue, ok := walk(tree, words)
	if !ok {
		return nil
	}
	var candidates []Candidate
	for name, n := range children {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: n.Desc})
		}
	}
	if !afterValue && node != nil && node.DynamicFn != nil && cfg != nil {
		for _, name := range node.DynamicFn(cfg) {
			if strings.HasPrefix(name, partial) {
				candidates = append(candidates, Candidate{Name: name, Desc: "(configured)"})
			}
		}
	}
	return candidates
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// PrintTreeHelp writes the children of the node at path, under header.
func PrintTreeHelp(w io.Writer, header string, tree map[string]*Node, path ...string) {
	fmt.Fprintln(w, header)
	current := tree
	for _, p := range path {
		node, ok := current[p]
		if !ok {
			return
		}
		if node.Children == nil {
			return
		}
		current = node.Children
	}
	WriteHelp(w, HelpCandidates(current))
}

// FilterPrefix returns only items that start with the given prefix.
func FilterPrefix(items []string, prefix string) []string {
	if prefix == "" {
		return items
	}
	var result []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	return result
}
