package configstore

import (
	"fmt"
	"time"

	"github.com/mptm-gw/mptm/pkg/config"
)

// Revision is a configuration that was active until a commit replaced it.
type Revision struct {
	// Commit numbers the commit that retired this revision, counting from
	// 1 for the daemon's lifetime. Numbers survive eviction.
	Commit    uint64
	Config    *config.ConfigTree
	Timestamp time.Time
	Comment   string
	// Footprint of the revision on the dataplane tables.
	Tunnels   int
	Redirects int
	Groups    int
}

// History is a fixed ring of retired revisions.
type History struct {
	ring  []Revision
	next  int // slot the next revision is written to
	count int
	seq   uint64
}

// NewHistory returns a History holding at most size revisions.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{ring: make([]Revision, size)}
}

// Retire records tree, compiled as cfg, as replaced at time at. The
// oldest revision is overwritten when the ring is full. It returns the
// commit number assigned.
func (h *History) Retire(tree *config.ConfigTree, cfg *config.Config, at time.Time, comment string) uint64 {
	h.seq++
	rev := Revision{Commit: h.seq, Config: tree, Timestamp: at, Comment: comment}
	if cfg != nil {
		rev.Tunnels = len(cfg.Tunnels)
		rev.Redirects = len(cfg.Redirect.Destinations) + len(cfg.Redirect.Ingress)
		rev.Groups = len(cfg.Redirect.Groups)
	}
	h.ring[h.next] = rev
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
	return h.seq
}

// Back returns the revision n commits ago, 1 being the configuration the
// latest commit replaced.
func (h *History) Back(n int) (Revision, error) {
	if n < 1 || n > h.count {
		return Revision{}, fmt.Errorf("rollback %d: no such configuration (have %d)", n, h.count)
	}
	return h.ring[h.slot(n)], nil
}

func (h *History) slot(n int) int {
	return (h.next - n + len(h.ring)) % len(h.ring)
}

// Len returns the number of revisions held.
func (h *History) Len() int { return h.count }

// Revisions returns the held revisions, most recent first.
func (h *History) Revisions() []Revision {
	out := make([]Revision, h.count)
	for i := range out {
		out[i] = h.ring[h.slot(i+1)]
	}
	return out
}
