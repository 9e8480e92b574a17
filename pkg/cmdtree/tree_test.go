package cmdtree

import (
	"bytes"
	"sort"
	"strings"
	"testing"

	"github.com/mptm-gw/mptm/pkg/config"
)

func names(cands []Candidate) string {
	var out []string
	for _, c := range cands {
		out = append(out, c.Name)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func TestCompleteFromTreeWithDesc(t *testing.T) {
	cfg := &config.Config{
		Tunnels: []*config.TunnelFlow{{Source: "10.0.0.1", Destination: "10.0.0.2"}, {Source: "10.0.0.1", Destination: "10.0.0.3"}},
		Redirect: config.RedirectConfig{
			Destinations: map[string]uint32{"10.0.0.2": 1},
			Groups:       map[uint32]string{1: "eth1", 2: "eth2"},
		},
	}
	tests := []struct {
		words   []string
		partial string
		want    string
	}{
		{nil, "e", "entry,exit"},
		{[]string{"entry"}, "", "add,delete,get"},
		{[]string{"entry", "add"}, "", "group,iface,redirect,tunnel"},
		{[]string{"entry", "get", "tunnel"}, "", "10.0.0.1"},
		{[]string{"entry", "get", "group"}, "", "1,2"},
		{[]string{"entry", "get", "redirect"}, "10.", "10.0.0.2"},
		{[]string{"entry", "get", "redirect", "10.0.0.2"}, "", ""},
		{[]string{"monitor", "trace"}, "", "address,limit,program,type"},
		{[]string{"frob"}, "", ""},
	}
	for _, tt := range tests {
		got := names(CompleteFromTreeWithDesc(OperationalTree, tt.words, tt.partial, cfg))
		if got != tt.want {
			t.Errorf("complete %v %q = %q, want %q", tt.words, tt.partial, got, tt.want)
		}
	}
	if got := names(CompleteFromTreeWithDesc(OperationalTree, []string{"entry", "get", "tunnel"}, "", nil)); got != "" {
		t.Errorf("dynamic values without a configuration = %q", got)
	}
}

func TestWriteHelp(t *testing.T) {
	var buf bytes.Buffer
	PrintTreeHelp(&buf, "Commit options:", ConfigTopLevel, "commit")
	want := "Commit options:\nPossible completions:\n" +
		"  check                Validate without applying\n" +
		"  comment              Add comment to commit\n"
	if buf.String() != want {
		t.Errorf("help = %q, want %q", buf.String(), want)
	}
}

func TestFilterPrefix(t *testing.T) {
	items := []string{"tunnels", "trace", "status"}
	if got := FilterPrefix(items, ""); len(got) != 3 {
		t.Errorf("empty prefix = %v", got)
	}
	if got := FilterPrefix(items, "t"); strings.Join(got, ",") != "tunnels,trace" {
		t.Errorf("prefix t = %v", got)
	}
}
