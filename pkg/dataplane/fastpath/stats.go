package fastpath

import (
	"sync/atomic"

	"github.com/mptm-gw/mptm/pkg/dataplane"
)

// Stats counts packets and bytes per action code. It is safe for
// concurrent use by every program invocation.
type Stats struct {
	counters [dataplane.NumActions]struct {
		packets atomic.Uint64
		bytes   atomic.Uint64
	}
}

// Record counts one packet of n bytes against action and returns the
// action. Out-of-range actions are recorded and returned as ABORTED.
func (s *Stats) Record(action dataplane.Action, n int) dataplane.Action {
	if int(action) >= dataplane.NumActions {
		action = dataplane.ActionAborted
	}
	c := &s.counters[action]
	c.packets.Add(1)
	c.bytes.Add(uint64(n))
	return action
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() [dataplane.NumActions]dataplane.ActionCounter {
	var out [dataplane.NumActions]dataplane.ActionCounter
	for i := range s.counters {
		out[i] = dataplane.ActionCounter{
			Packets: s.counters[i].packets.Load(),
			Bytes:   s.counters[i].bytes.Load(),
		}
	}
	return out
}

// Reset zeroes all counters.
func (s *Stats) Reset() {
	for i := range s.counters {
		s.counters[i].packets.Store(0)
		s.counters[i].bytes.Store(0)
	}
}
