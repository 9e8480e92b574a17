// Package fastpath runs the tunnel push, tunnel pop and interface redirect
// programs over a packet.Buffer. Each program is a function from a packet
// context to an action; failures never escape a packet and resolve to
// PASS (miss or malformed input), DROP (policy violation or structural
// error) or ABORTED (redirect to a missing interface group member).
package fastpath

import (
	"context"
	"log/slog"

	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/logging"
	"github.com/mptm-gw/mptm/pkg/packet"
)

// Context is the state of one program invocation.
type Context struct {
	Buf            *packet.Buffer
	IngressIfindex int
	// RedirectIfindex is the egress interface chosen when the program
	// returns ActionRedirect.
	RedirectIfindex int
}

// Engine runs the programs against a set of policy tables.
type Engine struct {
	tables *dataplane.Tables
	stats  *Stats
	log    *slog.Logger
	events *logging.EventBuffer
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Stats  *Stats
	Logger *slog.Logger
	Events *logging.EventBuffer
}

// New returns an Engine reading the given tables.
func New(tables *dataplane.Tables, opts Options) *Engine {
	e := &Engine{tables: tables, stats: opts.Stats, log: opts.Logger, events: opts.Events}
	if e.stats == nil {
		e.stats = &Stats{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Stats returns the engine's action counters.
func (e *Engine) Stats() *Stats { return e.stats }

// DeriveKey builds the flow key from an IPv4 header, in the order the
// addresses appear on the wire.
func DeriveKey(ip packet.IPv4) dataplane.TunnelKey {
	return dataplane.TunnelKey{SrcAddr: ip.Src(), DstAddr: ip.Dst()}
}

// ResolveTunnel returns the tunnel policy of key. A miss is reported as
// false and is not an error.
func (e *Engine) ResolveTunnel(key dataplane.TunnelKey) (dataplane.TunnelInfo, bool) {
	return e.tables.TunnelInfo.Lookup(key)
}

// ResolveRedirect maps a destination address to an egress interface
// through the redirect and interface group tables. It returns
// ActionRedirect with the interface on success, ActionPass when the
// destination has no redirect entry, and ActionAborted when the group has
// no member interface. The two lookups are not atomic with respect to each
// other.
func (e *Engine) ResolveRedirect(dst [4]byte) (int, dataplane.Action) {
	group, ok := e.tables.Redirect.Lookup(dataplane.RedirectKey{DstAddr: dst})
	if !ok {
		return 0, dataplane.ActionPass
	}
	ifindex, ok := e.tables.RedirectGroup.Lookup(group)
	if !ok || ifindex == 0 {
		return 0, dataplane.ActionAborted
	}
	return int(ifindex), dataplane.ActionRedirect
}

// redirect applies the redirect step of a tunnel program: a direct
// interface from the policy record wins over the group indirection.
func (e *Engine) redirect(ctx *Context, prog dataplane.ProgramKind, key dataplane.TunnelKey, info dataplane.TunnelInfo, dst [4]byte) dataplane.Action {
	if info.RedirectIf != 0 {
		ctx.RedirectIfindex = int(info.RedirectIf)
		return dataplane.ActionRedirect
	}
	ifindex, action := e.ResolveRedirect(dst)
	switch action {
	case dataplane.ActionRedirect:
		ctx.RedirectIfindex = ifindex
	case dataplane.ActionPass:
		if e.debugEnabled() {
			e.log.Debug("redirect entry missing", "program", prog.Name(), "dst", addr(dst))
		}
		if e.events != nil {
			e.event(prog, logging.EventRedirectMiss, key, ctx.IngressIfindex, action, "dst "+dataplane.FormatIPv4(dst))
		}
	default:
		if e.debugEnabled() {
			e.log.Debug("redirect group has no interface", "program", prog.Name(), "dst", addr(dst))
		}
		if e.events != nil {
			e.event(prog, logging.EventGroupMiss, key, ctx.IngressIfindex, action, "dst "+dataplane.FormatIPv4(dst))
		}
	}
	return action
}

// debugEnabled reports whether per-packet debug records would be kept.
// Miss paths see ordinary non-matching traffic and check it before
// building any attributes.
func (e *Engine) debugEnabled() bool {
	return e.log.Enabled(context.Background(), slog.LevelDebug)
}

// addr formats an IPv4 address only when a handler resolves it.
type addr [4]byte

func (a addr) LogValue() slog.Value { return slog.StringValue(dataplane.FormatIPv4(a)) }

func (e *Engine) event(prog dataplane.ProgramKind, typ string, key dataplane.TunnelKey, ifindex int, action dataplane.Action, detail string) {
	if e.events == nil {
		return
	}
	rec := logging.EventRecord{
		Program: prog.Name(),
		Type:    typ,
		Ifindex: ifindex,
		Action:  action.String(),
		Detail:  detail,
	}
	if key != (dataplane.TunnelKey{}) {
		rec.SrcAddr = dataplane.FormatIPv4(key.SrcAddr)
		rec.DstAddr = dataplane.FormatIPv4(key.DstAddr)
	}
	e.events.Add(rec)
}
