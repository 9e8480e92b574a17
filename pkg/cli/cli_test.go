package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mptm-gw/mptm/pkg/api"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/grpcapi"
	"github.com/mptm-gw/mptm/pkg/logging"
)

// fakeController records requests and serves canned data.
type fakeController struct {
	configMode bool
	dirty      bool
	active     string
	ops        []grpcapi.ConfigRequest
	entries    []dataplane.EntryRequest
	events     []logging.EventRecord
}

func (f *fakeController) Status(context.Context) (*api.StatusResponse, error) {
	return &api.StatusResponse{Uptime: "1m0s", DataplaneLoaded: true, TunnelCount: 2}, nil
}

func (f *fakeController) Entry(_ context.Context, req dataplane.EntryRequest) (any, error) {
	f.entries = append(f.entries, req)
	if req.Action == dataplane.MapDelete {
		return nil, nil
	}
	if req.Table == dataplane.TableTunnel {
		return &dataplane.TunnelEntry{Source: req.Flow.Source, Destination: req.Flow.Destination, Type: "vlan", VLANID: req.Flow.VLANID}, nil
	}
	return &dataplane.RedirectEntry{Destination: req.Destination, Group: req.Group}, nil
}

func (f *fakeController) Tunnels(context.Context) ([]dataplane.TunnelEntry, error) {
	return []dataplane.TunnelEntry{
		{Source: "10.0.0.1", Destination: "10.0.0.2", Type: "geneve", VNI: 100, SourceIP: "192.168.1.1", DestinationIP: "192.168.1.2", Redirect: true},
		{Source: "10.0.1.1", Destination: "10.0.1.2", Type: "vlan", VLANID: 10},
	}, nil
}

func (f *fakeController) Redirects(context.Context) (*dataplane.RedirectView, error) {
	return &dataplane.RedirectView{
		Destinations: []dataplane.RedirectEntry{{Destination: "10.0.0.2", Group: 1}},
		Groups:       []dataplane.GroupEntry{{Group: 1, Ifindex: 3, Interface: "eth1"}},
	}, nil
}

func (f *fakeController) Statistics(context.Context) (*api.StatisticsResponse, error) {
	return &api.StatisticsResponse{
		Actions: []api.ActionStat{{Action: "XDP_PASS", Packets: 5, Bytes: 500}},
		Tables:  []dataplane.TableStats{{Name: "tunnel_info_map", Entries: 2, MaxEntries: 1024}},
	}, nil
}

func (f *fakeController) Trace(_ context.Context, req grpcapi.TraceRequest) ([]logging.EventRecord, error) {
	var out []logging.EventRecord
	for _, ev := range f.events {
		if req.Program == "" || ev.Program == req.Program {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeController) StreamTrace(_ context.Context, _ grpcapi.TraceRequest, fn func(logging.EventRecord) error) error {
	for _, ev := range f.events {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeController) Configure(_ context.Context, req grpcapi.ConfigRequest) (*grpcapi.ConfigResult, error) {
	f.ops = append(f.ops, req)
	res := &grpcapi.ConfigResult{}
	switch req.Op {
	case grpcapi.OpEnter:
		if f.configMode {
			return nil, errors.New("already in configuration mode")
		}
		f.configMode = true
	case grpcapi.OpExit:
		f.configMode, f.dirty = false, false
	case grpcapi.OpSet, grpcapi.OpDelete:
		f.dirty = true
	case grpcapi.OpCommit:
		f.dirty = false
		res.Warnings = []string{"interface eth9 not found"}
	case grpcapi.OpShow:
		res.Output = f.active
	case grpcapi.OpHistory:
		res.History = []api.HistoryInfo{{Index: 1, Timestamp: "2026-01-01T00:00:00Z", Comment: "first"}}
	}
	res.ConfigMode = f.configMode
	res.Dirty = f.dirty
	return res, nil
}

func newTestCLI(t *testing.T) (*CLI, *fakeController, *bytes.Buffer) {
	t.Helper()
	fc := &fakeController{active: "interfaces {\n    eth0 {\n        program push;\n    }\n}\n" +
		"tunnels {\n    flow 10.0.1.1 10.0.1.2 {\n        type vlan;\n        vlan-id 10;\n    }\n}\n"}
	var out bytes.Buffer
	c := New(fc, &out)
	c.Sync(context.Background())
	return c, fc, &out
}

func run(t *testing.T, c *CLI, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	if err := c.Execute(context.Background(), line); err != nil {
		t.Fatalf("%q: %v", line, err)
	}
	return out.String()
}

func TestShowCommands(t *testing.T) {
	c, _, out := newTestCLI(t)

	tests := []struct {
		line string
		want []string
	}{
		{"show status", []string{"Uptime:             1m0s", "Dataplane:          loaded", "Tunnel entries:     2"}},
		{"show tunnels", []string{"10.0.0.1", "geneve", "192.168.1.2", "group", "10.0.1.2"}},
		{"show redirects", []string{"10.0.0.2        -> group 1", "eth1 (3)", "Interface redirects:\n  none"}},
		{"show statistics", []string{"XDP_PASS", "500", "tunnel_info_map"}},
		{"show configuration", []string{"program push;"}},
		{"show history", []string{"first"}},
	}
	for _, tt := range tests {
		got := run(t, c, out, tt.line)
		for _, w := range tt.want {
			if !strings.Contains(got, w) {
				t.Errorf("%q output missing %q:\n%s", tt.line, w, got)
			}
		}
	}
}

func TestShowTrace(t *testing.T) {
	c, fc, out := newTestCLI(t)
	if got := run(t, c, out, "show trace"); !strings.Contains(got, "No trace events") {
		t.Errorf("empty trace = %q", got)
	}
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fc.events = []logging.EventRecord{
		{Time: at.Add(time.Second), Program: "pop", Type: "policy_violation", Action: "XDP_DROP", SrcAddr: "192.168.1.1", DstAddr: "192.168.1.2"},
		{Time: at, Program: "push", Type: "tunnel_miss", Action: "XDP_PASS", SrcAddr: "10.9.9.9", DstAddr: "10.0.0.2"},
	}
	got := run(t, c, out, "show trace")
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "tunnel_miss") || !strings.Contains(lines[1], "192.168.1.1 -> 192.168.1.2") {
		t.Errorf("trace not printed oldest first:\n%s", got)
	}
	if got := run(t, c, out, "show trace program pop"); strings.Contains(got, "tunnel_miss") {
		t.Errorf("program filter ignored:\n%s", got)
	}
	if err := c.Execute(context.Background(), "show trace limit x"); err == nil {
		t.Error("invalid limit accepted")
	}
}

func TestEntryCommands(t *testing.T) {
	c, fc, out := newTestCLI(t)

	got := run(t, c, out, "entry add tunnel 10.0.0.1 10.0.0.2 type vlan vlan-id 10 debug")
	if !strings.Contains(got, "Flow 10.0.0.1 -> 10.0.0.2") || !strings.Contains(got, "VLAN ID:                10") {
		t.Errorf("add output:\n%s", got)
	}
	req := fc.entries[0]
	if req.Action != dataplane.MapAdd || req.Table != dataplane.TableTunnel || req.Flow.VLANID != 10 || !req.Flow.Debug {
		t.Errorf("add request = %+v flow %+v", req, req.Flow)
	}

	if got := run(t, c, out, "entry delete redirect 10.0.0.2"); got != "entry deleted\n" {
		t.Errorf("delete output = %q", got)
	}
	if req := fc.entries[1]; req.Action != dataplane.MapDelete || req.Destination != "10.0.0.2" {
		t.Errorf("delete request = %+v", req)
	}

	got = run(t, c, out, "entry add redirect 10.0.0.2 group 4")
	if !strings.Contains(got, "Destination 10.0.0.2 -> group 4") {
		t.Errorf("redirect add output = %q", got)
	}
	if err := c.Execute(context.Background(), "entry frob tunnel 1.1.1.1 2.2.2.2"); err == nil {
		t.Error("unknown entry action accepted")
	}
}

func TestParseEntry(t *testing.T) {
	tests := []struct {
		name    string
		action  dataplane.MapAction
		args    string
		wantErr bool
		check   func(dataplane.EntryRequest) bool
	}{
		{"geneve add", dataplane.MapAdd,
			"tunnel 10.0.0.1 10.0.0.2 type geneve vni 100 source-port 51234 source-ip 1.1.1.1 destination-ip 2.2.2.2 " +
				"source-mac 02:00:00:00:00:01 destination-mac 02:00:00:00:00:02 redirect-interface eth1 redirect", false,
			func(r dataplane.EntryRequest) bool {
				f := r.Flow
				return f.Type == "geneve" && f.VNI == 100 && f.SourcePort == 51234 && f.RedirectInterface == "eth1" && f.Redirect
			}},
		{"tunnel get", dataplane.MapGet, "tunnels 10.0.0.1 10.0.0.2", false,
			func(r dataplane.EntryRequest) bool {
				return r.Table == dataplane.TableTunnel && r.Flow.Destination == "10.0.0.2"
			}},
		{"group add", dataplane.MapAdd, "group 2 ifindex 7", false,
			func(r dataplane.EntryRequest) bool { return r.Group == 2 && r.Ifindex == 7 }},
		{"iface add", dataplane.MapAdd, "iface 5 egress 3", false,
			func(r dataplane.EntryRequest) bool {
				return r.Table == dataplane.TableIface && r.Ingress == 5 && r.Ifindex == 3
			}},
		{"iface delete", dataplane.MapDelete, "interface 5", false,
			func(r dataplane.EntryRequest) bool { return r.Ingress == 5 }},
		{"missing table", dataplane.MapAdd, "", true, nil},
		{"unknown table", dataplane.MapAdd, "frob 1", true, nil},
		{"tunnel missing dst", dataplane.MapAdd, "tunnel 10.0.0.1", true, nil},
		{"tunnel get with options", dataplane.MapGet, "tunnel 10.0.0.1 10.0.0.2 vni 3", true, nil},
		{"unknown option", dataplane.MapAdd, "tunnel 10.0.0.1 10.0.0.2 color red", true, nil},
		{"option missing value", dataplane.MapAdd, "tunnel 10.0.0.1 10.0.0.2 vni", true, nil},
		{"vlan-id overflow", dataplane.MapAdd, "tunnel 10.0.0.1 10.0.0.2 vlan-id 70000", true, nil},
		{"redirect add missing group", dataplane.MapAdd, "redirect 10.0.0.2", true, nil},
		{"group bad index", dataplane.MapGet, "group x", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseEntry(tt.action, strings.Fields(tt.args))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseEntry(%q) succeeded: %+v", tt.args, req)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEntry(%q): %v", tt.args, err)
			}
			if req.Action != tt.action || !tt.check(req) {
				t.Errorf("ParseEntry(%q) = %+v", tt.args, req)
			}
		})
	}
}

func TestConfigMode(t *testing.T) {
	c, fc, out := newTestCLI(t)

	if got := run(t, c, out, "configure"); got != "Entering configuration mode\n" || !c.ConfigMode() {
		t.Fatalf("configure = %q, mode %v", got, c.ConfigMode())
	}
	run(t, c, out, "set tunnels flow 10.0.0.1 10.0.0.2 type vlan")
	got := run(t, c, out, `commit comment "add vlan flow"`)
	if !strings.Contains(got, "warning: interface eth9 not found") || !strings.Contains(got, "commit complete") {
		t.Errorf("commit output:\n%s", got)
	}
	run(t, c, out, "commit check")
	run(t, c, out, "rollback 1")
	run(t, c, out, "show | display set")
	run(t, c, out, "show | compare")

	var ops []string
	for _, op := range fc.ops {
		switch op.Op {
		case grpcapi.OpStatus, grpcapi.OpShow:
			continue
		}
		ops = append(ops, op.Op)
	}
	want := "enter,set,commit,commit-check,rollback,show-set,compare"
	if strings.Join(ops, ",") != want {
		t.Errorf("ops = %v, want %s", ops, want)
	}
	for _, op := range fc.ops {
		switch op.Op {
		case grpcapi.OpSet:
			if op.Input != "tunnels flow 10.0.0.1 10.0.0.2 type vlan" {
				t.Errorf("set input = %q", op.Input)
			}
		case grpcapi.OpCommit:
			if op.Comment != "add vlan flow" {
				t.Errorf("commit comment = %q", op.Comment)
			}
		case grpcapi.OpRollback:
			if op.N != 1 {
				t.Errorf("rollback n = %d", op.N)
			}
		case grpcapi.OpShowSet:
			if !op.Candidate {
				t.Error("config-mode show read the active configuration")
			}
		}
	}

	if got := run(t, c, out, "run show status"); !strings.Contains(got, "Uptime") {
		t.Errorf("run show status = %q", got)
	}
	run(t, c, out, "delete tunnels")
	got = run(t, c, out, "exit")
	if !strings.Contains(got, "uncommitted changes") || c.ConfigMode() {
		t.Errorf("exit = %q, mode %v", got, c.ConfigMode())
	}
	if err := c.Execute(context.Background(), "exit"); err != errExit {
		t.Errorf("operational exit = %v, want errExit", err)
	}
}

func TestSyncJoinsConfigMode(t *testing.T) {
	fc := &fakeController{configMode: true}
	c := New(fc, &bytes.Buffer{})
	c.Sync(context.Background())
	if !c.ConfigMode() {
		t.Error("shell did not pick up configuration mode")
	}
}

func TestPipes(t *testing.T) {
	c, _, out := newTestCLI(t)

	got := run(t, c, out, "show tunnels | match vlan")
	if strings.Contains(got, "geneve") || !strings.Contains(got, "10.0.1.1") {
		t.Errorf("match:\n%s", got)
	}
	got = run(t, c, out, "show tunnels | except Source | count")
	if got != "Count: 2 lines\n" {
		t.Errorf("except | count = %q", got)
	}
	got = run(t, c, out, "show tunnels | last 1")
	if !strings.HasPrefix(got, "10.0.1.1") {
		t.Errorf("last 1 = %q", got)
	}
	got = run(t, c, out, "show status | find Tunnel")
	if !strings.HasPrefix(got, "Tunnel entries") {
		t.Errorf("find = %q", got)
	}
	if err := c.Execute(context.Background(), "show status | frob"); err == nil {
		t.Error("unknown filter accepted")
	}
	if err := c.Execute(context.Background(), "show status | match ("); err == nil {
		t.Error("invalid pattern accepted")
	}
}

func TestMonitorTrace(t *testing.T) {
	c, fc, out := newTestCLI(t)
	fc.events = []logging.EventRecord{
		{Program: "push", Type: "tunnel_miss", Action: "XDP_PASS"},
		{Program: "pop", Type: "policy_miss", Action: "XDP_PASS"},
	}
	got := run(t, c, out, "monitor trace | match push")
	if !strings.Contains(got, "tunnel_miss") || strings.Contains(got, "policy_miss") {
		t.Errorf("monitor output:\n%s", got)
	}
	if err := c.Execute(context.Background(), "monitor trace | count"); err == nil {
		t.Error("count accepted on a stream")
	}
}

func TestCompletion(t *testing.T) {
	c, _, out := newTestCLI(t)

	tests := []struct {
		text string
		want string
	}{
		{"sh", "show"},
		{"show t", "trace,tunnels"},
		{"show trace program ", "pop,push,redirect"},
		{"entry get tunnel ", "10.0.1.1"},
		{"entry get tunnel 10.0.1.1 ", ""},
		{"show tunnels | c", "count"},
	}
	for _, tt := range tests {
		if got := strings.Join(c.Complete(tt.text), ","); got != tt.want {
			t.Errorf("Complete(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}

	run(t, c, out, "configure")
	configTests := []struct {
		text string
		want string
	}{
		{"com", "commit,compare"},
		{"set tun", "tunnels"},
		{"set interfaces ", "eth0"},
		{"set tunnels flow ", "10.0.1.1"},
		{"run show st", "statistics,status"},
	}
	for _, tt := range configTests {
		if got := strings.Join(c.Complete(tt.text), ","); got != tt.want {
			t.Errorf("config Complete(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}

	cp := &completer{cli: c}
	suffixes, n := cp.Do([]rune("rollb"), 5)
	if n != 5 || len(suffixes) != 1 || string(suffixes[0]) != "ack " {
		t.Errorf("Do = %q, %d", suffixes, n)
	}
}

func TestHelp(t *testing.T) {
	c, _, out := newTestCLI(t)
	got := run(t, c, out, "show ?")
	if !strings.Contains(got, "Possible completions:") || !strings.Contains(got, "Per-action counters") {
		t.Errorf("help:\n%s", got)
	}
	if got := run(t, c, out, "frob ?"); got != "No completions\n" {
		t.Errorf("help for unknown = %q", got)
	}
	if got := run(t, c, out, "help"); !strings.Contains(got, "configure") {
		t.Errorf("help command:\n%s", got)
	}
}
