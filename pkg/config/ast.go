package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Node is a statement in the configuration tree: either a leaf terminated
// by ';' or a block whose children are enclosed in braces.
type Node struct {
	// Keys are the words of the statement, e.g.
	//   "flow 10.0.0.1 10.0.0.2" -> ["flow", "10.0.0.1", "10.0.0.2"]
	//   "vni 100"                -> ["vni", "100"]
	Keys     []string
	Children []*Node
	IsLeaf   bool

	Line   int
	Column int
}

// Name returns the first key of the node.
func (n *Node) Name() string {
	if len(n.Keys) == 0 {
		return ""
	}
	return n.Keys[0]
}

// Arg returns the i-th key after the name, or "".
func (n *Node) Arg(i int) string {
	if i+1 < len(n.Keys) {
		return n.Keys[i+1]
	}
	return ""
}

// KeyPath returns the full key path as a single string.
func (n *Node) KeyPath() string {
	return strings.Join(n.Keys, " ")
}

// FindChild returns the first child whose first key matches name.
func (n *Node) FindChild(name string) *Node {
	return findNode(n.Children, name)
}

// FindChildren returns all children whose first key matches name.
func (n *Node) FindChildren(name string) []*Node {
	var result []*Node
	for _, child := range n.Children {
		if child.Name() == name {
			result = append(result, child)
		}
	}
	return result
}

func findNode(nodes []*Node, name string) *Node {
	for _, n := range nodes {
		if n.Name() == name {
			return n
		}
	}
	return nil
}

// ConfigTree is the root of a parsed configuration.
type ConfigTree struct {
	Children []*Node
}

// FindChild returns the first top-level child matching name.
func (t *ConfigTree) FindChild(name string) *Node {
	return findNode(t.Children, name)
}

// Clone creates a deep copy of the config tree.
func (t *ConfigTree) Clone() *ConfigTree {
	if t == nil {
		return nil
	}
	return &ConfigTree{Children: cloneNodes(t.Children)}
}

func cloneNodes(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	result := make([]*Node, len(nodes))
	for i, n := range nodes {
		result[i] = &Node{
			Keys:     slices.Clone(n.Keys),
			Children: cloneNodes(n.Children),
			IsLeaf:   n.IsLeaf,
			Line:     n.Line,
			Column:   n.Column,
		}
	}
	return result
}

// ValueHint identifies what kind of dynamic value is expected at a schema
// position.
type ValueHint int

const (
	ValueHintNone          ValueHint = iota
	ValueHintInterfaceName           // interfaces <name>
	ValueHintFlow                    // flow <src> <dst>
)

// ValueProvider returns possible values for a given hint.
type ValueProvider func(hint ValueHint) []string

// schemaNode defines a container keyword in the hierarchy. It tells
// SetPath how to group flat path tokens into the tree.
type schemaNode struct {
	args      int                    // extra tokens consumed as part of this node's key
	children  map[string]*schemaNode // known container children
	wildcard  *schemaNode            // matches any keyword not in children
	valueHint ValueHint
}

// setSchema lists the containers. Keywords not present at a level become
// leaves holding all remaining tokens.
var setSchema = &schemaNode{children: map[string]*schemaNode{
	"system":     {},
	"interfaces": {wildcard: &schemaNode{valueHint: ValueHintInterfaceName}},
	"tunnels": {children: map[string]*schemaNode{
		"flow": {args: 2, valueHint: ValueHintFlow},
	}},
	"redirect": {},
	"api":      {},
}}

// leafIdentity gives, per leaf keyword, how many leading keys identify the
// leaf. Setting a leaf replaces the one with the same identity instead of
// adding a sibling. Keywords not listed may repeat.
var leafIdentity = map[string]int{
	"dataplane-type": 1, "pin-path": 1, "object": 1, "headroom": 1,
	"group-sync-interval": 1, "program": 1, "type": 1, "vni": 1,
	"vlan-id": 1, "source-port": 1, "source-ip": 1, "destination-ip": 1,
	"source-mac": 1, "destination-mac": 1, "inner-destination-mac": 1,
	"redirect-interface": 1, "http": 1, "grpc": 1,
	"destination": 2, "group": 2, "ingress": 2, "syslog": 2,
}

func lookupSchema(schema *schemaNode, keyword string) *schemaNode {
	if schema == nil {
		return nil
	}
	if s, ok := schema.children[keyword]; ok {
		return s
	}
	return schema.wildcard
}

// SetPath inserts a leaf at the given path, creating intermediate blocks
// as needed.
func (t *ConfigTree) SetPath(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty path")
	}

	current := &t.Children
	schema := setSchema
	for i := 0; i < len(path); {
		child := lookupSchema(schema, path[i])
		n := 1
		if child != nil {
			n += child.args
		}
		if child == nil || i+n >= len(path) {
			setLeaf(current, path[i:])
			return nil
		}

		keys := path[i : i+n]
		i += n
		var next *Node
		for _, node := range *current {
			if !node.IsLeaf && slices.Equal(node.Keys, keys) {
				next = node
				break
			}
		}
		if next == nil {
			next = &Node{Keys: slices.Clone(keys)}
			*current = append(*current, next)
		}
		current = &next.Children
		schema = child
	}
	return nil
}

func setLeaf(nodes *[]*Node, keys []string) {
	for i, n := range *nodes {
		if !n.IsLeaf {
			continue
		}
		if slices.Equal(n.Keys, keys) {
			return
		}
		if w := leafIdentity[keys[0]]; w > 0 && len(n.Keys) >= w && len(keys) >= w &&
			slices.Equal(n.Keys[:w], keys[:w]) {
			(*nodes)[i] = &Node{Keys: slices.Clone(keys), IsLeaf: true}
			return
		}
	}
	*nodes = append(*nodes, &Node{Keys: slices.Clone(keys), IsLeaf: true})
}

// DeletePath removes the node at path. A path naming a block removes the
// whole block; a leaf path matches by prefix, so "vni" removes "vni 100".
func (t *ConfigTree) DeletePath(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty path")
	}

	current := &t.Children
	schema := setSchema
	for i := 0; i < len(path); {
		child := lookupSchema(schema, path[i])
		n := 1
		if child != nil {
			n += child.args
		}
		if child == nil || i+n > len(path) {
			return removeMatchingNode(current, path[i:])
		}
		keys := path[i : i+n]
		i += n
		if i == len(path) {
			return removeMatchingNode(current, keys)
		}

		var next *Node
		for _, node := range *current {
			if !node.IsLeaf && slices.Equal(node.Keys, keys) {
				next = node
				break
			}
		}
		if next == nil {
			return fmt.Errorf("path not found: %q does not exist", strings.Join(keys, " "))
		}
		current = &next.Children
		schema = child
	}
	return nil
}

func removeMatchingNode(nodes *[]*Node, target []string) error {
	for i, n := range *nodes {
		if len(target) <= len(n.Keys) && slices.Equal(n.Keys[:len(target)], target) {
			*nodes = slices.Delete(*nodes, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("path not found: no node matching %q", strings.Join(target, " "))
}

// CompleteSetPath returns the container keywords valid after tokens. At a
// position expecting a name it asks provider, when given.
func CompleteSetPath(tokens []string, provider ValueProvider) []string {
	schema := setSchema
	for i := 0; i < len(tokens); {
		if schema == nil || (schema.children == nil && schema.wildcard == nil) {
			return nil
		}
		child := lookupSchema(schema, tokens[i])
		if child == nil {
			return nil
		}
		if child == schema.wildcard {
			// The wildcard keyword is itself the dynamic name.
			i++
		} else {
			i += 1 + child.args
		}
		if i > len(tokens) {
			if provider != nil && child.valueHint != ValueHintNone {
				return provider(child.valueHint)
			}
			return nil
		}
		schema = child
	}

	if schema == nil {
		return nil
	}
	if len(schema.children) == 0 && schema.wildcard != nil && provider != nil {
		return provider(schema.wildcard.valueHint)
	}
	completions := make([]string, 0, len(schema.children))
	for name := range schema.children {
		completions = append(completions, name)
	}
	sort.Strings(completions)
	return completions
}

// Format renders the tree as hierarchical configuration text.
func (t *ConfigTree) Format() string {
	var b strings.Builder
	formatNodes(&b, t.Children, 0)
	return b.String()
}

func formatNodes(b *strings.Builder, nodes []*Node, indent int) {
	prefix := strings.Repeat("    ", indent)
	for _, n := range nodes {
		if n.IsLeaf {
			fmt.Fprintf(b, "%s%s;\n", prefix, n.KeyPath())
			continue
		}
		fmt.Fprintf(b, "%s%s {\n", prefix, n.KeyPath())
		formatNodes(b, n.Children, indent+1)
		fmt.Fprintf(b, "%s}\n", prefix)
	}
}

// FormatSet renders the tree as flat "set" commands.
func (t *ConfigTree) FormatSet() string {
	var b strings.Builder
	formatSetNodes(&b, t.Children, nil)
	return b.String()
}

func formatSetNodes(b *strings.Builder, nodes []*Node, prefix []string) {
	for _, n := range nodes {
		path := append(slices.Clone(prefix), n.Keys...)
		if n.IsLeaf {
			fmt.Fprintf(b, "set %s\n", strings.Join(path, " "))
		} else {
			formatSetNodes(b, n.Children, path)
		}
	}
}
