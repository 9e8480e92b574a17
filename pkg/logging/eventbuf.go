// Package logging holds the packet event ring buffer, syslog forwarding
// and slog setup of the gateway daemon.
package logging

import (
	"strings"
	"sync"
	"time"
)

// Event types recorded by the packet programs.
const (
	EventParseError     = "PARSE_ERROR"
	EventTunnelMiss     = "TUNNEL_MISS"
	EventRedirectMiss   = "REDIRECT_MISS"
	EventGroupMiss      = "GROUP_MISS"
	EventUnsupported    = "UNSUPPORTED_TUNNEL"
	EventPolicyViolated = "POLICY_VIOLATION"
	EventResizeFailed   = "RESIZE_FAILED"
)

// EventRecord is one packet-path event: a miss, a violation or a
// structural failure, with the action it resolved to.
type EventRecord struct {
	Time    time.Time `json:"time"`
	Program string    `json:"program"` // "push", "pop", "redirect"
	Type    string    `json:"type"`
	SrcAddr string    `json:"src,omitempty"`
	DstAddr string    `json:"dst,omitempty"`
	Ifindex int       `json:"ifindex,omitempty"`
	Action  string    `json:"action"`
	Detail  string    `json:"detail,omitempty"`
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int
	total uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. The channel is not closed.
func (s *Subscription) Close() {
	s.eb.subMu.Lock()
	delete(s.eb.subs, s)
	s.eb.subMu.Unlock()
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event, overwriting the oldest if full. Subscribers that
// are not keeping up miss the event.
func (eb *EventBuffer) Add(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.total++
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default:
		}
	}
	eb.subMu.RUnlock()
}

// Total returns the number of events ever added.
func (eb *EventBuffer) Total() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.total
}

// Subscribe returns a Subscription that receives new events.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{C: make(chan EventRecord, bufSize), eb: eb}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

// EventFilter selects events. Empty fields match everything.
type EventFilter struct {
	Program string
	Type    string // case-insensitive substring
	Addr    string // matches SrcAddr or DstAddr exactly
}

// Match reports whether rec passes the filter.
func (f EventFilter) Match(rec *EventRecord) bool {
	if f.Program != "" && !strings.EqualFold(f.Program, rec.Program) {
		return false
	}
	if f.Type != "" && !strings.Contains(strings.ToLower(rec.Type), strings.ToLower(f.Type)) {
		return false
	}
	if f.Addr != "" && rec.SrcAddr != f.Addr && rec.DstAddr != f.Addr {
		return false
	}
	return true
}

// Latest returns up to n events matching f, newest first.
func (eb *EventBuffer) Latest(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.Match(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}
