package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mptm-gw/mptm/pkg/config"
	"github.com/mptm-gw/mptm/pkg/configstore"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/logging"
)

// memDP is a loaded dataplane over in-memory tables.
type memDP struct {
	tables   *dataplane.Tables
	attached map[int]dataplane.ProgramKind
	stats    [dataplane.NumActions]dataplane.ActionCounter
	loaded   bool
}

func newMemDP() *memDP {
	return &memDP{
		tables:   dataplane.NewMemTables(),
		attached: map[int]dataplane.ProgramKind{},
		loaded:   true,
	}
}

func (d *memDP) Load() error     { d.loaded = true; return nil }
func (d *memDP) IsLoaded() bool  { return d.loaded }
func (d *memDP) Close() error    { return nil }
func (d *memDP) Teardown() error { return nil }
func (d *memDP) Tables() *dataplane.Tables {
	if !d.loaded {
		return nil
	}
	return d.tables
}
func (d *memDP) AttachXDP(ifindex int, kind dataplane.ProgramKind) error {
	d.attached[ifindex] = kind
	return nil
}
func (d *memDP) DetachXDP(ifindex int) error {
	delete(d.attached, ifindex)
	return nil
}
func (d *memDP) Attachments() map[int]dataplane.ProgramKind { return d.attached }
func (d *memDP) ReadActionStats() ([dataplane.NumActions]dataplane.ActionCounter, error) {
	return d.stats, nil
}

func testResolver(name string) (int, error) {
	switch name {
	case "eth0":
		return 2, nil
	case "eth1":
		return 3, nil
	}
	return 0, fmt.Errorf("link %s not found", name)
}

func newTestStore(t *testing.T) *configstore.Store {
	t.Helper()
	return configstore.New(filepath.Join(t.TempDir(), "mptm.conf"))
}

type testServer struct {
	srv     *Server
	dp      *memDP
	events  *logging.EventBuffer
	store   *configstore.Store
	applied []*config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		dp:     newMemDP(),
		events: logging.NewEventBuffer(16),
		store:  newTestStore(t),
	}
	ts.srv = NewServer(Config{
		Store:    ts.store,
		DP:       ts.dp,
		EventBuf: ts.events,
		Resolve:  testResolver,
		ApplyFn: func(cfg *config.Config) error {
			ts.applied = append(ts.applied, cfg)
			return nil
		},
	})
	return ts
}

// do issues a request and decodes the envelope, with Data left raw.
func (ts *testServer) do(t *testing.T, method, path string, body any) (int, bool, json.RawMessage, string) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if w.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return w.Code, env.Success, env.Data, env.Error
}

func TestHealthAndStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.dp.attached[2] = dataplane.ProgramPush
	ts.events.Add(logging.EventRecord{Type: logging.EventTunnelMiss})

	if code, ok, _, _ := ts.do(t, "GET", "/health", nil); code != 200 || !ok {
		t.Errorf("health = %d, %v", code, ok)
	}
	code, _, data, _ := ts.do(t, "GET", "/api/v1/status", nil)
	if code != 200 {
		t.Fatalf("status code = %d", code)
	}
	var st StatusResponse
	json.Unmarshal(data, &st)
	if !st.DataplaneLoaded || !st.ConfigLoaded || st.AttachedCount != 1 || st.EventsTotal != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestEntryLifecycle(t *testing.T) {
	ts := newTestServer(t)

	add := dataplane.EntryRequest{
		Table:  "tunnel",
		Action: dataplane.MapAdd,
		Flow: &config.TunnelFlow{
			Source: "10.1.0.1", Destination: "10.1.0.2", Type: "vlan", VLANID: 10,
			RedirectInterface: "eth1",
		},
	}
	code, ok, data, msg := ts.do(t, "POST", "/api/v1/entries", add)
	if code != 200 || !ok {
		t.Fatalf("add = %d %s", code, msg)
	}
	var e dataplane.TunnelEntry
	json.Unmarshal(data, &e)
	if e.Type != "VLAN" || e.VLANID != 10 || e.RedirectIfindex != 3 {
		t.Errorf("added = %+v", e)
	}

	for _, req := range []dataplane.EntryRequest{
		{Table: "redirect", Action: dataplane.MapAdd, Destination: "10.1.0.2", Group: 1},
		{Table: "group", Action: dataplane.MapAdd, Group: 1, Ifindex: 3},
		{Table: "iface", Action: dataplane.MapAdd, Ingress: 2, Ifindex: 3},
	} {
		if code, _, _, msg := ts.do(t, "POST", "/api/v1/entries", req); code != 200 {
			t.Fatalf("add %s = %d %s", req.Table, code, msg)
		}
	}

	code, _, data, _ = ts.do(t, "GET", "/api/v1/tunnels", nil)
	var tunnels []dataplane.TunnelEntry
	json.Unmarshal(data, &tunnels)
	if code != 200 || len(tunnels) != 1 || tunnels[0].Destination != "10.1.0.2" {
		t.Errorf("tunnels = %d %+v", code, tunnels)
	}

	code, _, data, _ = ts.do(t, "GET", "/api/v1/redirects", nil)
	var view dataplane.RedirectView
	json.Unmarshal(data, &view)
	if code != 200 || len(view.Destinations) != 1 || len(view.Groups) != 1 || len(view.Interfaces) != 1 {
		t.Errorf("redirects = %d %+v", code, view)
	}

	del := dataplane.EntryRequest{Table: "tunnel", Action: dataplane.MapDelete, Flow: &config.TunnelFlow{Source: "10.1.0.1", Destination: "10.1.0.2"}}
	if code, _, _, msg := ts.do(t, "POST", "/api/v1/entries", del); code != 200 {
		t.Fatalf("delete = %d %s", code, msg)
	}
	get := del
	get.Action = dataplane.MapGet
	if code, _, _, _ := ts.do(t, "POST", "/api/v1/entries", get); code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", code)
	}
}

func TestEntryErrors(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad action", map[string]any{"table": "group", "action": "replace"}, http.StatusBadRequest},
		{"bad table", dataplane.EntryRequest{Table: "routes", Action: dataplane.MapAdd}, http.StatusBadRequest},
		{"unknown field", map[string]any{"table": "group", "action": "add", "bogus": 1}, http.StatusBadRequest},
		{"missing key", dataplane.EntryRequest{Table: "group", Action: dataplane.MapGet, Group: 9}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, ok, _, _ := ts.do(t, "POST", "/api/v1/entries", tt.body); code != tt.want || ok {
				t.Errorf("status = %d (success %v), want %d", code, ok, tt.want)
			}
		})
	}

	for i := uint32(1); i <= dataplane.MaxIfaceRedirects; i++ {
		ts.dp.tables.IfaceRedirect.Update(i, 1, 0)
	}
	full := dataplane.EntryRequest{Table: "iface", Action: dataplane.MapAdd, Ingress: 999, Ifindex: 1}
	if code, _, _, _ := ts.do(t, "POST", "/api/v1/entries", full); code != http.StatusInsufficientStorage {
		t.Errorf("full table = %d, want 507", code)
	}

	ts.dp.loaded = false
	if code, _, _, _ := ts.do(t, "GET", "/api/v1/tunnels", nil); code != http.StatusServiceUnavailable {
		t.Errorf("tunnels unloaded = %d, want 503", code)
	}
}

func TestStatisticsHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.dp.stats[dataplane.ActionTx] = dataplane.ActionCounter{Packets: 5, Bytes: 640}

	code, _, data, _ := ts.do(t, "GET", "/api/v1/statistics", nil)
	if code != 200 {
		t.Fatalf("code = %d", code)
	}
	var st StatisticsResponse
	json.Unmarshal(data, &st)
	if len(st.Actions) != dataplane.NumActions || len(st.Tables) != 4 {
		t.Fatalf("statistics = %+v", st)
	}
	tx := st.Actions[dataplane.ActionTx]
	if tx.Action != "XDP_TX" || tx.Packets != 5 || tx.Bytes != 640 {
		t.Errorf("tx = %+v", tx)
	}
}

func TestInterfacesHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.dp.attached[9] = dataplane.ProgramPop
	ts.dp.attached[4] = dataplane.ProgramRedirect

	_, _, data, _ := ts.do(t, "GET", "/api/v1/interfaces", nil)
	var att []AttachmentInfo
	json.Unmarshal(data, &att)
	if len(att) != 2 || att[0].Ifindex != 4 || att[0].Program != "redirect" || att[1].Section != "mptm_xdp_tunnel_pop" {
		t.Errorf("attachments = %+v", att)
	}
}

func TestTraceHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.events.Add(logging.EventRecord{Program: "push", Type: logging.EventTunnelMiss, SrcAddr: "10.0.0.1"})
	ts.events.Add(logging.EventRecord{Program: "pop", Type: logging.EventPolicyViolated, SrcAddr: "10.0.0.2"})
	ts.events.Add(logging.EventRecord{Program: "push", Type: logging.EventRedirectMiss, SrcAddr: "10.0.0.1"})

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{logging.EventRedirectMiss, logging.EventPolicyViolated, logging.EventTunnelMiss}},
		{"?limit=1", []string{logging.EventRedirectMiss}},
		{"?program=pop", []string{logging.EventPolicyViolated}},
		{"?addr=10.0.0.1", []string{logging.EventRedirectMiss, logging.EventTunnelMiss}},
		{"?type=miss&program=push", []string{logging.EventRedirectMiss, logging.EventTunnelMiss}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			code, _, data, _ := ts.do(t, "GET", "/api/v1/trace"+tt.query, nil)
			if code != 200 {
				t.Fatalf("code = %d", code)
			}
			var recs []logging.EventRecord
			json.Unmarshal(data, &recs)
			var got []string
			for _, r := range recs {
				got = append(got, r.Type)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if code, _, _, _ := ts.do(t, "GET", "/api/v1/trace?limit=x", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
}

func TestConfigWorkflow(t *testing.T) {
	ts := newTestServer(t)

	if code, _, _, _ := ts.do(t, "POST", "/api/v1/config/set", ConfigSetRequest{Input: "interfaces eth0 program push"}); code != http.StatusConflict {
		t.Errorf("set outside config mode = %d, want 409", code)
	}
	if code, _, _, _ := ts.do(t, "POST", "/api/v1/config/enter", nil); code != 200 {
		t.Fatalf("enter = %d", code)
	}
	for _, in := range []string{
		"interfaces eth0 program push",
		"tunnels flow 10.0.1.1 10.0.1.2 type vlan",
		"tunnels flow 10.0.1.1 10.0.1.2 vlan-id 10",
	} {
		if code, _, _, msg := ts.do(t, "POST", "/api/v1/config/set", ConfigSetRequest{Input: in}); code != 200 {
			t.Fatalf("set %q = %d %s", in, code, msg)
		}
	}

	_, _, data, _ := ts.do(t, "GET", "/api/v1/config/compare", nil)
	var cmp TextResponse
	json.Unmarshal(data, &cmp)
	if !strings.Contains(cmp.Output, "+ set tunnels flow 10.0.1.1 10.0.1.2 vlan-id 10") {
		t.Errorf("compare = %q", cmp.Output)
	}

	if code, _, _, msg := ts.do(t, "POST", "/api/v1/config/commit", ConfigCommitRequest{Comment: "vlan"}); code != 200 {
		t.Fatalf("commit = %d %s", code, msg)
	}
	if len(ts.applied) != 1 || len(ts.applied[0].Tunnels) != 1 {
		t.Fatalf("applied = %+v", ts.applied)
	}

	_, _, data, _ = ts.do(t, "GET", "/api/v1/config/show?format=set", nil)
	var show TextResponse
	json.Unmarshal(data, &show)
	if !strings.Contains(show.Output, "set interfaces eth0 program push") {
		t.Errorf("show = %q", show.Output)
	}
	if code, _, _, _ := ts.do(t, "GET", "/api/v1/config/show?format=yaml", nil); code != http.StatusBadRequest {
		t.Errorf("yaml format = %d, want 400", code)
	}

	_, _, data, _ = ts.do(t, "GET", "/api/v1/config/history", nil)
	var hist []HistoryInfo
	json.Unmarshal(data, &hist)
	if len(hist) != 1 || hist[0].Comment != "vlan" || hist[0].Commit != 1 {
		t.Errorf("history = %+v", hist)
	}

	ts.do(t, "POST", "/api/v1/config/set", ConfigSetRequest{Input: "tunnels flow 10.0.1.1 10.0.1.2 vlan-id 9999"})
	if code, _, _, _ := ts.do(t, "POST", "/api/v1/config/commit-check", nil); code != http.StatusBadRequest {
		t.Errorf("commit-check of invalid candidate = %d, want 400", code)
	}
	if code, _, _, _ := ts.do(t, "POST", "/api/v1/config/rollback", ConfigRollbackRequest{N: 0}); code != 200 {
		t.Errorf("rollback = %d", code)
	}
	if code, _, _, _ := ts.do(t, "POST", "/api/v1/config/commit-check", nil); code != 200 {
		t.Errorf("commit-check after rollback = %d", code)
	}
	ts.do(t, "POST", "/api/v1/config/exit", nil)
	if ts.store.InConfigMode() {
		t.Error("still in config mode after exit")
	}
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.dp.stats[dataplane.ActionTx] = dataplane.ActionCounter{Packets: 5, Bytes: 640}
	ts.dp.attached[2] = dataplane.ProgramPush
	ts.dp.tables.RedirectGroup.Update(1, 3, 0)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	body := w.Body.String()

	for _, want := range []string{
		`mptm_actions_packets_total{action="XDP_TX"} 5`,
		`mptm_actions_bytes_total{action="XDP_TX"} 640`,
		`mptm_table_entries{table="mptm_tunnel_redirect_if_devmap"} 1`,
		`mptm_table_max_entries{table="mptm_redirect_map"} 30`,
		`mptm_attached_programs{program="push"} 1`,
		`mptm_attached_programs{program="pop"} 0`,
		`mptm_dataplane_loaded 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	ts.dp.loaded = false
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "mptm_dataplane_loaded 0") ||
		strings.Contains(w.Body.String(), "mptm_actions_packets_total") {
		t.Errorf("unloaded metrics:\n%s", w.Body.String())
	}
}
