// Package groupsync keeps the interface group table in step with the
// interfaces present on the host. Group members are configured by name;
// when an interface is recreated its ifindex changes and the group entry
// must follow.
package groupsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/vishvananda/netlink"

	"github.com/mptm-gw/mptm/pkg/config"
	"github.com/mptm-gw/mptm/pkg/dataplane"
)

// LinkSubscriber delivers link change notifications until done is closed.
type LinkSubscriber func(ch chan<- netlink.LinkUpdate, done <-chan struct{}) error

// Syncer re-resolves redirect group members and interface redirects
// periodically and on link changes.
type Syncer struct {
	dp        dataplane.DataPlane
	cfg       func() *config.Config
	resolve   dataplane.IfaceResolver
	subscribe LinkSubscriber

	mu       sync.Mutex
	interval time.Duration
	reset    chan struct{}
	// ingress holds the ifindex each configured ingress interface was
	// last seen at, so its entry can be found once the name is gone.
	ingress map[string]uint32
}

// New creates a Syncer. cfg returns the active configuration; a nil
// resolver uses netlink.
func New(dp dataplane.DataPlane, cfg func() *config.Config, resolve dataplane.IfaceResolver, interval time.Duration) *Syncer {
	if resolve == nil {
		resolve = dataplane.NetlinkResolver
	}
	return &Syncer{
		dp:        dp,
		cfg:       cfg,
		resolve:   resolve,
		subscribe: func(ch chan<- netlink.LinkUpdate, done <-chan struct{}) error { return netlink.LinkSubscribe(ch, done) },
		interval:  interval,
		reset:     make(chan struct{}, 1),
		ingress:   make(map[string]uint32),
	}
}

// Interval returns the periodic resync interval. Zero disables it.
func (s *Syncer) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval changes the periodic resync interval of a running Syncer.
func (s *Syncer) SetInterval(d time.Duration) {
	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	s.mu.Unlock()
	if !changed {
		return
	}
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Run syncs until ctx is cancelled, once at start, on every link change
// and on every tick of the interval.
func (s *Syncer) Run(ctx context.Context) {
	updates := make(chan netlink.LinkUpdate, 16)
	done := make(chan struct{})
	defer close(done)
	if err := s.subscribe(updates, done); err != nil {
		slog.Warn("link notifications unavailable", "err", err)
		updates = nil
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	arm := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d := s.Interval(); d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	arm()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()
	slog.Info("group sync started", "interval", s.Interval(), "link_events", updates != nil)
	s.Sync()

	for {
		select {
		case <-ctx.Done():
			slog.Info("group sync stopped")
			return
		case <-s.reset:
			arm()
			slog.Info("group sync interval changed", "interval", s.Interval())
		case <-tick:
			s.Sync()
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			slog.Debug("link change", "interface", u.Attrs().Name, "index", u.Attrs().Index)
			s.Sync()
		}
	}
}

// Sync rewrites group and interface redirect entries whose interfaces
// moved to a new ifindex and removes entries whose interfaces are gone.
// It returns the number of entries changed.
func (s *Syncer) Sync() (updated, removed int) {
	tables := s.dp.Tables()
	cfg := s.cfg()
	if tables == nil || cfg == nil {
		return 0, 0
	}

	for g, name := range cfg.Redirect.Groups {
		cur, present := tables.RedirectGroup.Lookup(g)
		idx, err := s.resolve(name)
		if err != nil {
			if present {
				if err := tables.RedirectGroup.Delete(g); err != nil {
					slog.Warn("group sync delete failed", "group", g, "err", err)
					continue
				}
				slog.Info("group member gone", "group", g, "interface", name)
				removed++
			}
			continue
		}
		if present && cur == uint32(idx) {
			continue
		}
		if err := tables.RedirectGroup.Update(g, uint32(idx), ebpf.UpdateAny); err != nil {
			slog.Warn("group sync update failed", "group", g, "interface", name, "err", err)
			continue
		}
		slog.Info("group member updated", "group", g, "interface", name, "ifindex", idx)
		updated++
	}

	up, rm := s.syncIngress(tables, cfg.Redirect.Ingress)
	return updated + up, removed + rm
}

func (s *Syncer) syncIngress(tables *dataplane.Tables, ingress map[string]string) (updated, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range s.ingress {
		if _, ok := ingress[name]; !ok {
			delete(s.ingress, name)
		}
	}

	for in, out := range ingress {
		prev, known := s.ingress[in]
		inIdx, err := s.resolve(in)
		if err != nil {
			if known {
				if dropIfaceRedirect(tables, prev) {
					slog.Info("interface redirect ingress gone", "ingress", in, "ifindex", prev)
					removed++
				}
				delete(s.ingress, in)
			}
			continue
		}
		key := uint32(inIdx)
		if known && prev != key && dropIfaceRedirect(tables, prev) {
			slog.Info("interface redirect ingress moved", "ingress", in, "from", prev, "to", key)
		}
		s.ingress[in] = key

		outIdx, err := s.resolve(out)
		if err != nil {
			if dropIfaceRedirect(tables, key) {
				slog.Info("interface redirect egress gone", "ingress", in, "egress", out)
				removed++
			}
			continue
		}
		if cur, ok := tables.IfaceRedirect.Lookup(key); ok && cur == uint32(outIdx) {
			continue
		}
		if err := tables.IfaceRedirect.Update(key, uint32(outIdx), ebpf.UpdateAny); err != nil {
			slog.Warn("interface redirect sync failed", "ingress", in, "err", err)
			continue
		}
		updated++
	}
	return updated, removed
}

// dropIfaceRedirect deletes the interface redirect entry of ifindex and
// reports whether one was removed.
func dropIfaceRedirect(tables *dataplane.Tables, ifindex uint32) bool {
	if _, ok := tables.IfaceRedirect.Lookup(ifindex); !ok {
		return false
	}
	if err := tables.IfaceRedirect.Delete(ifindex); err != nil {
		slog.Warn("interface redirect delete failed", "ifindex", ifindex, "err", err)
		return false
	}
	return true
}
