package configstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mptm-gw/mptm/pkg/config"
)

// newTestStore creates a Store backed by a temp file.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "mptm.conf"))
}

func TestEnterExitConfigure(t *testing.T) {
	s := newTestStore(t)
	if s.InConfigMode() {
		t.Error("in config mode initially")
	}
	if err := s.EnterConfigure(); err != nil {
		t.Fatalf("EnterConfigure: %v", err)
	}
	if err := s.EnterConfigure(); err == nil {
		t.Error("expected error on double EnterConfigure")
	}
	s.ExitConfigure()
	if s.InConfigMode() {
		t.Error("still in config mode after exit")
	}
	if err := s.SetFromInput("interfaces eth0 program push"); !errors.Is(err, ErrNotConfiguring) {
		t.Errorf("Set outside config mode: err = %v", err)
	}
}

func TestSetAndCommit(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnterConfigure(); err != nil {
		t.Fatal(err)
	}
	for _, cmd := range []string{
		"interfaces eth0 program push",
		"tunnels flow 10.0.1.1 10.0.1.2 type vlan",
		"tunnels flow 10.0.1.1 10.0.1.2 vlan-id 10",
		"redirect group 1 interface eth1",
	} {
		if err := s.SetFromInput(cmd); err != nil {
			t.Fatalf("SetFromInput(%q): %v", cmd, err)
		}
	}
	if !s.IsDirty() {
		t.Error("not dirty after set")
	}

	cfg, err := s.CommitCheck()
	if err != nil {
		t.Fatalf("CommitCheck: %v", err)
	}
	if len(cfg.Tunnels) != 1 || cfg.Tunnels[0].VLANID != 10 {
		t.Errorf("tunnels = %+v", cfg.Tunnels)
	}
	if s.ActiveConfig() == nil || len(s.ActiveConfig().Tunnels) != 0 {
		t.Error("CommitCheck changed the active configuration")
	}

	cfg, err = s.Commit("first")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if cfg.Interfaces["eth0"].Program != "push" {
		t.Errorf("eth0 program = %q", cfg.Interfaces["eth0"].Program)
	}
	if s.IsDirty() {
		t.Error("dirty after commit")
	}
	if got := s.History(); len(got) != 1 || got[0].Comment != "first" {
		t.Errorf("history = %+v", got)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("config not saved: %v", err)
	}
	if !strings.Contains(string(data), "vlan-id 10;") {
		t.Errorf("saved config:\n%s", data)
	}
}

func TestCommitRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	s.EnterConfigure()
	if err := s.SetFromInput("tunnels flow 10.0.0.1 10.0.0.2 vlan-id 5000"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(""); err == nil {
		t.Fatal("commit of invalid vlan-id succeeded")
	}
	if s.ShowActive() != "" {
		t.Errorf("active changed:\n%s", s.ShowActive())
	}
}

func TestLoadAndReload(t *testing.T) {
	s := newTestStore(t)
	if cfg, err := s.Load(); err != nil || len(cfg.Tunnels) != 0 {
		t.Fatalf("Load missing file = %v, %v", cfg, err)
	}

	text := "tunnels { flow 10.0.0.1 10.0.0.2 { type geneve; vni 7; source-ip 1.1.1.1; destination-ip 2.2.2.2; " +
		"source-mac 02:00:00:00:00:01; destination-mac 02:00:00:00:00:02; } }\n"
	if err := os.WriteFile(s.Path(), []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Tunnels) != 1 || cfg.Tunnels[0].VNI != 7 {
		t.Errorf("tunnels = %+v", cfg.Tunnels)
	}

	if err := os.WriteFile(s.Path(), []byte("tunnels { flow 1.1.1.1 { type bogus; } }"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err == nil {
		t.Error("Load of invalid file succeeded")
	}
	if got := s.ActiveConfig(); len(got.Tunnels) != 1 {
		t.Error("failed Load replaced the active configuration")
	}
}

func TestRollback(t *testing.T) {
	s := newTestStore(t)
	s.EnterConfigure()

	s.SetFromInput("interfaces eth0 program push")
	if _, err := s.Commit(""); err != nil {
		t.Fatal(err)
	}
	s.SetFromInput("interfaces eth0 program pop")
	if _, err := s.Commit(""); err != nil {
		t.Fatal(err)
	}

	if err := s.Rollback(1); err != nil {
		t.Fatalf("Rollback(1): %v", err)
	}
	if !strings.Contains(s.ShowCandidate(), "program push;") {
		t.Errorf("candidate after rollback 1:\n%s", s.ShowCandidate())
	}
	if err := s.Rollback(2); err != nil {
		t.Fatalf("Rollback(2): %v", err)
	}
	if s.ShowCandidate() != "" {
		t.Errorf("rollback 2 should be empty, got:\n%s", s.ShowCandidate())
	}
	if err := s.Rollback(3); err == nil {
		t.Error("Rollback beyond history succeeded")
	}
	if err := s.Rollback(0); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.ShowCandidate(), "program pop;") || s.IsDirty() {
		t.Errorf("rollback 0 did not restore active:\n%s", s.ShowCandidate())
	}
}

func TestShowCompare(t *testing.T) {
	s := newTestStore(t)
	s.EnterConfigure()
	s.SetFromInput("interfaces eth0 program push")
	s.Commit("")

	if got := s.ShowCompare(); got != "[no changes]\n" {
		t.Errorf("compare = %q", got)
	}
	s.SetFromInput("interfaces eth0 program pop")
	want := "- set interfaces eth0 program push\n+ set interfaces eth0 program pop\n"
	if got := s.ShowCompare(); got != want {
		t.Errorf("compare = %q, want %q", got, want)
	}
	if err := s.DeleteFromInput("interfaces eth0"); err != nil {
		t.Fatal(err)
	}
	if got := s.ShowCandidateSet(); got != "" {
		t.Errorf("candidate after delete = %q", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(2)
	for _, c := range []string{"a", "b", "c"} {
		h.Retire(&config.ConfigTree{}, nil, time.Now(), c)
	}
	if h.Len() != 2 {
		t.Fatalf("Len = %d, want 2", h.Len())
	}
	if r, _ := h.Back(1); r.Comment != "c" || r.Commit != 3 {
		t.Errorf("Back(1) = %q commit %d, want c commit 3", r.Comment, r.Commit)
	}
	if r, _ := h.Back(2); r.Comment != "b" || r.Commit != 2 {
		t.Errorf("Back(2) = %q commit %d, want b commit 2", r.Comment, r.Commit)
	}
	if _, err := h.Back(3); err == nil {
		t.Error("Back(3) returned an evicted revision")
	}
	if _, err := h.Back(0); err == nil {
		t.Error("Back(0) should be rejected")
	}
	var got []string
	for _, r := range h.Revisions() {
		got = append(got, r.Comment)
	}
	if strings.Join(got, ",") != "c,b" {
		t.Errorf("Revisions = %v, want [c b]", got)
	}
}

func TestHistoryRecordsFootprint(t *testing.T) {
	s := New("")
	if err := s.EnterConfigure(); err != nil {
		t.Fatal(err)
	}
	for _, cmd := range []string{
		"tunnels flow 10.0.1.1 10.0.1.2 type vlan",
		"tunnels flow 10.0.1.1 10.0.1.2 vlan-id 10",
	} {
		if err := s.SetFromInput(cmd); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}
	if _, err := s.Commit("one tunnel"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteFromInput("tunnels"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit("no tunnels"); err != nil {
		t.Fatal(err)
	}

	hist := s.History()
	if len(hist) != 2 {
		t.Fatalf("history = %d revisions, want 2", len(hist))
	}
	if hist[0].Commit != 2 || hist[0].Comment != "no tunnels" || hist[0].Tunnels != 1 {
		t.Errorf("latest revision = %+v, want commit 2 retiring one tunnel", hist[0])
	}
	if hist[1].Commit != 1 || hist[1].Tunnels != 0 {
		t.Errorf("first revision = %+v, want commit 1 retiring the empty config", hist[1])
	}

	if err := s.Rollback(1); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.ShowCandidateSet(), "vlan-id 10") {
		t.Errorf("rollback 1 candidate = %q", s.ShowCandidateSet())
	}
}
