package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/mptm-gw/mptm/pkg/configstore"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/logging"
)

const (
	defaultTraceLimit = 50
	maxBodyBytes      = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// readJSON decodes a bounded request body into v. An empty body leaves v
// untouched.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// tables returns the loaded policy tables or writes a 503.
func (s *Server) tables(w http.ResponseWriter) *dataplane.Tables {
	if s.dp == nil || !s.dp.IsLoaded() {
		writeError(w, http.StatusServiceUnavailable, "dataplane not loaded")
		return nil
	}
	t := s.dp.Tables()
	if t == nil {
		writeError(w, http.StatusServiceUnavailable, "dataplane not loaded")
	}
	return t
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime:          time.Since(s.startTime).Truncate(time.Second).String(),
		DataplaneLoaded: s.dp != nil && s.dp.IsLoaded(),
	}
	if s.store != nil {
		if cfg := s.store.ActiveConfig(); cfg != nil {
			resp.ConfigLoaded = true
			resp.TunnelCount = len(cfg.Tunnels)
		}
	}
	if s.dp != nil {
		resp.AttachedCount = len(s.dp.Attachments())
	}
	if s.eventBuf != nil {
		resp.EventsTotal = s.eventBuf.Total()
	}
	writeOK(w, resp)
}

func (s *Server) statisticsHandler(w http.ResponseWriter, _ *http.Request) {
	t := s.tables(w)
	if t == nil {
		return
	}
	counters, err := s.dp.ReadActionStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := StatisticsResponse{
		Actions: ActionStats(counters),
		Tables:  t.Stats(),
	}
	writeOK(w, resp)
}

// ActionStats renders per-action counters in action code order.
func ActionStats(counters [dataplane.NumActions]dataplane.ActionCounter) []ActionStat {
	out := make([]ActionStat, 0, dataplane.NumActions)
	for i, c := range counters {
		out = append(out, ActionStat{
			Action:  dataplane.Action(i).String(),
			Packets: c.Packets,
			Bytes:   c.Bytes,
		})
	}
	return out
}

func (s *Server) interfacesHandler(w http.ResponseWriter, _ *http.Request) {
	if s.dp == nil {
		writeOK(w, []AttachmentInfo{})
		return
	}
	att := s.dp.Attachments()
	out := make([]AttachmentInfo, 0, len(att))
	for idx, kind := range att {
		out = append(out, AttachmentInfo{
			Ifindex:   idx,
			Interface: dataplane.IfaceName(uint32(idx)),
			Program:   kind.Name(),
			Section:   kind.String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ifindex < out[j].Ifindex })
	writeOK(w, out)
}

func (s *Server) tunnelsHandler(w http.ResponseWriter, _ *http.Request) {
	t := s.tables(w)
	if t == nil {
		return
	}
	entries, err := dataplane.ListTunnels(t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []dataplane.TunnelEntry{}
	}
	writeOK(w, entries)
}

func (s *Server) redirectsHandler(w http.ResponseWriter, _ *http.Request) {
	t := s.tables(w)
	if t == nil {
		return
	}
	view, err := dataplane.ListRedirects(t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, view)
}

// traceHandler returns recent packet-path events, newest first.
// Supports ?program=, ?type=, ?addr= and ?limit=.
func (s *Server) traceHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	q := r.URL.Query()
	limit := defaultTraceLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events := s.eventBuf.Latest(limit, eventFilter(r))
	if events == nil {
		events = []logging.EventRecord{}
	}
	writeOK(w, events)
}

func eventFilter(r *http.Request) logging.EventFilter {
	q := r.URL.Query()
	return logging.EventFilter{
		Program: q.Get("program"),
		Type:    q.Get("type"),
		Addr:    q.Get("addr"),
	}
}

// entryHandler adds, deletes or reads one table entry.
func (s *Server) entryHandler(w http.ResponseWriter, r *http.Request) {
	var req dataplane.EntryRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t := s.tables(w)
	if t == nil {
		return
	}
	entry, err := dataplane.ApplyEntry(t, req, s.resolve)
	if err != nil {
		writeError(w, entryErrorStatus(err), err.Error())
		return
	}
	if entry == nil {
		writeOK(w, map[string]string{"status": "deleted"})
		return
	}
	writeOK(w, entry)
}

func entryErrorStatus(err error) int {
	switch {
	case errors.Is(err, dataplane.ErrKeyNotExist):
		return http.StatusNotFound
	case errors.Is(err, dataplane.ErrTableFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, dataplane.ErrKeyExist):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func (s *Server) configEnterHandler(w http.ResponseWriter, _ *http.Request) {
	if err := s.store.EnterConfigure(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) configExitHandler(w http.ResponseWriter, _ *http.Request) {
	s.store.ExitConfigure()
	writeOK(w, nil)
}

func (s *Server) configStatusHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]bool{
		"config_mode": s.store.InConfigMode(),
		"dirty":       s.store.IsDirty(),
	})
}

func (s *Server) configSetHandler(w http.ResponseWriter, r *http.Request) {
	var req ConfigSetRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.store.SetFromInput(req.Input); err != nil {
		writeError(w, configErrorStatus(err), err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) configDeleteHandler(w http.ResponseWriter, r *http.Request) {
	var req ConfigSetRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.store.DeleteFromInput(req.Input); err != nil {
		writeError(w, configErrorStatus(err), err.Error())
		return
	}
	writeOK(w, nil)
}

func configErrorStatus(err error) int {
	if errors.Is(err, configstore.ErrNotConfiguring) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func (s *Server) configCommitCheckHandler(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.store.CommitCheck()
	if err != nil {
		writeError(w, configErrorStatus(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"warnings": cfg.Warnings})
}

func (s *Server) configCommitHandler(w http.ResponseWriter, r *http.Request) {
	var req ConfigCommitRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg, err := s.store.Commit(req.Comment)
	if err != nil {
		writeError(w, configErrorStatus(err), err.Error())
		return
	}
	if s.applyFn != nil {
		if err := s.applyFn(cfg); err != nil {
			writeError(w, http.StatusInternalServerError, "committed, apply failed: "+err.Error())
			return
		}
	}
	writeOK(w, map[string]any{"warnings": cfg.Warnings})
}

func (s *Server) configRollbackHandler(w http.ResponseWriter, r *http.Request) {
	var req ConfigRollbackRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.store.Rollback(req.N); err != nil {
		writeError(w, configErrorStatus(err), err.Error())
		return
	}
	writeOK(w, nil)
}

// configShowHandler renders the active configuration, or the candidate
// with ?target=candidate. ?format= selects text (default), set or json.
func (s *Server) configShowHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	candidate := q.Get("target") == "candidate"
	var out string
	switch q.Get("format") {
	case "", "text":
		if candidate {
			out = s.store.ShowCandidate()
		} else {
			out = s.store.ShowActive()
		}
	case "set":
		if candidate {
			out = s.store.ShowCandidateSet()
		} else {
			out = s.store.ShowActiveSet()
		}
	case "json":
		if candidate {
			writeError(w, http.StatusBadRequest, "json is only available for the active configuration")
			return
		}
		data, err := s.store.ExportJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = string(data)
	default:
		writeError(w, http.StatusBadRequest, "unsupported format "+strconv.Quote(q.Get("format")))
		return
	}
	writeOK(w, TextResponse{Output: out})
}

func (s *Server) configCompareHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.store.InConfigMode() {
		writeError(w, http.StatusConflict, configstore.ErrNotConfiguring.Error())
		return
	}
	writeOK(w, TextResponse{Output: s.store.ShowCompare()})
}

func (s *Server) configHistoryHandler(w http.ResponseWriter, _ *http.Request) {
	entries := s.store.History()
	out := make([]HistoryInfo, len(entries))
	for i, e := range entries {
		out[i] = HistoryInfo{
			Index:     i + 1,
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Comment:   e.Comment,
			Commit:    e.Commit,
			Tunnels:   e.Tunnels,
			Redirects: e.Redirects,
			Groups:    e.Groups,
		}
	}
	writeOK(w, out)
}
