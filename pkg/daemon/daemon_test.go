package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/groupsync"
)

// memDP is a dataplane over in-memory tables.
type memDP struct {
	tables   *dataplane.Tables
	attached map[int]dataplane.ProgramKind
	loaded   bool
	closed   bool
}

func newMemDP() *memDP {
	return &memDP{tables: dataplane.NewMemTables(), attached: make(map[int]dataplane.ProgramKind)}
}

func (d *memDP) Load() error               { d.loaded = true; return nil }
func (d *memDP) IsLoaded() bool            { return d.loaded }
func (d *memDP) Close() error              { d.closed = true; return nil }
func (d *memDP) Teardown() error           { return nil }
func (d *memDP) Tables() *dataplane.Tables { return d.tables }

func (d *memDP) AttachXDP(ifindex int, kind dataplane.ProgramKind) error {
	d.attached[ifindex] = kind
	return nil
}

func (d *memDP) DetachXDP(ifindex int) error {
	delete(d.attached, ifindex)
	return nil
}

func (d *memDP) Attachments() map[int]dataplane.ProgramKind {
	out := make(map[int]dataplane.ProgramKind, len(d.attached))
	for k, v := range d.attached {
		out[k] = v
	}
	return out
}

func (d *memDP) ReadActionStats() ([dataplane.NumActions]dataplane.ActionCounter, error) {
	return [dataplane.NumActions]dataplane.ActionCounter{}, nil
}

var testIfaces = map[string]int{"eth0": 2, "eth1": 3, "eth2": 4}

func testResolver(name string) (int, error) {
	if idx, ok := testIfaces[name]; ok {
		return idx, nil
	}
	return 0, fmt.Errorf("no such interface %s", name)
}

const testConfig = `
system { dataplane-type userspace; }
interfaces { eth0 { program push; } eth2 { program redirect; } }
tunnels {
    flow 10.0.1.1 10.0.1.2 { type vlan; vlan-id 10; }
    flow 10.0.2.1 10.0.2.2 { type vlan; vlan-id 20; redirect; }
}
redirect {
    destination 10.0.2.2 group 1;
    group 1 interface eth1;
    ingress eth2 egress eth0;
}
`

func newTestDaemon(t *testing.T, text string) (*Daemon, *memDP, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mptm.conf")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	dp := newMemDP()
	var gotType string
	d := New(Options{
		ConfigFile: path,
		Resolve:    testResolver,
		NewDataPlane: func(dpType string, _ dataplane.Options) (dataplane.DataPlane, error) {
			gotType = dpType
			return dp, nil
		},
	})
	cfg, err := d.store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := d.openDataplane(cfg); err != nil {
		t.Fatalf("openDataplane: %v", err)
	}
	if gotType != dataplane.TypeUserspace {
		t.Errorf("dataplane type = %q, want userspace", gotType)
	}
	return d, dp, path
}

func TestApplyConfig(t *testing.T) {
	d, dp, _ := newTestDaemon(t, testConfig)
	if err := d.applyConfig(d.store.ActiveConfig()); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}

	if n, _ := dp.tables.TunnelInfo.Len(); n != 2 {
		t.Errorf("tunnel entries = %d, want 2", n)
	}
	if idx, ok := dp.tables.RedirectGroup.Lookup(1); !ok || idx != 3 {
		t.Errorf("group 1 = %d, %v; want 3", idx, ok)
	}
	if out, ok := dp.tables.IfaceRedirect.Lookup(4); !ok || out != 2 {
		t.Errorf("iface redirect eth2 = %d, %v; want 2", out, ok)
	}
	if k, ok := dp.attached[2]; !ok || k != dataplane.ProgramPush {
		t.Errorf("eth0 attachment = %v, %v; want push", k, ok)
	}
	if k, ok := dp.attached[4]; !ok || k != dataplane.ProgramRedirect {
		t.Errorf("eth2 attachment = %v, %v; want redirect", k, ok)
	}
}

func TestReload(t *testing.T) {
	d, dp, path := newTestDaemon(t, testConfig)
	if err := d.applyConfig(d.store.ActiveConfig()); err != nil {
		t.Fatal(err)
	}

	next := `interfaces { eth0 { program push; } }
tunnels { flow 10.0.1.1 10.0.1.2 { type vlan; vlan-id 11; } }`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}
	d.Reload()
	if n, _ := dp.tables.TunnelInfo.Len(); n != 1 {
		t.Errorf("tunnel entries after reload = %d, want 1", n)
	}
	if n, _ := dp.tables.RedirectGroup.Len(); n != 0 {
		t.Errorf("stale group entries = %d", n)
	}
	if _, ok := dp.attached[4]; ok {
		t.Error("redirect program still attached after reload")
	}

	if err := os.WriteFile(path, []byte("tunnels { flow 1.1.1.1 { type bogus; } }"), 0o644); err != nil {
		t.Fatal(err)
	}
	d.Reload()
	if n, _ := dp.tables.TunnelInfo.Len(); n != 1 {
		t.Errorf("invalid reload changed the tables: %d entries", n)
	}
}

func TestReloadChangesSyncInterval(t *testing.T) {
	d, dp, path := newTestDaemon(t, testConfig)
	d.syncer = groupsync.New(dp, d.store.ActiveConfig, testResolver, 0)

	next := strings.Replace(testConfig, "dataplane-type userspace;",
		"dataplane-type userspace; group-sync-interval 5s;", 1)
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}
	d.Reload()
	if got := d.syncer.Interval(); got != 5*time.Second {
		t.Errorf("sync interval after reload = %v, want 5s", got)
	}
}

func TestRunConfigOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mptm.conf")
	d := New(Options{
		ConfigFile:  path,
		NoDataplane: true,
		APIAddr:     "127.0.0.1:0",
		GRPCAddr:    "127.0.0.1:0",
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunClosesDataplane(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mptm.conf")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	dp := newMemDP()
	d := New(Options{
		ConfigFile: path,
		Resolve:    testResolver,
		APIAddr:    "127.0.0.1:0",
		GRPCAddr:   "127.0.0.1:0",
		NewDataPlane: func(string, dataplane.Options) (dataplane.DataPlane, error) {
			return dp, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !dp.closed {
		t.Error("dataplane not closed on shutdown")
	}
	if n, _ := dp.tables.TunnelInfo.Len(); n != 2 {
		t.Error("startup configuration not applied")
	}
}

func TestRunListenError(t *testing.T) {
	d := New(Options{
		ConfigFile:  filepath.Join(t.TempDir(), "mptm.conf"),
		NoDataplane: true,
		APIAddr:     "256.0.0.1:http",
		GRPCAddr:    "127.0.0.1:0",
	})
	err := d.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded with an unusable listen address")
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want the listen failure", err)
	}
}

func TestDataplaneLoadFailure(t *testing.T) {
	d := New(Options{
		ConfigFile: filepath.Join(t.TempDir(), "mptm.conf"),
		NewDataPlane: func(string, dataplane.Options) (dataplane.DataPlane, error) {
			return nil, errors.New("no bpffs")
		},
	})
	cfg, _ := d.store.Load()
	if err := d.openDataplane(cfg); err == nil {
		t.Fatal("openDataplane succeeded")
	}
	if d.dp != nil {
		t.Error("failed backend kept")
	}
	if err := d.applyConfig(cfg); err != nil {
		t.Errorf("applyConfig without dataplane: %v", err)
	}
}
