package fastpath

import (
	"errors"
	"strconv"

	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/logging"
	"github.com/mptm-gw/mptm/pkg/packet"
	"github.com/mptm-gw/mptm/pkg/tunnel"
)

// Run dispatches ctx to the program of the given kind.
func (e *Engine) Run(kind dataplane.ProgramKind, ctx *Context) dataplane.Action {
	switch kind {
	case dataplane.ProgramPush:
		return e.Push(ctx)
	case dataplane.ProgramPop:
		return e.Pop(ctx)
	case dataplane.ProgramRedirect:
		return e.IfaceRedirect(ctx)
	}
	return e.stats.Record(dataplane.ActionAborted, ctx.Buf.Len())
}

// Push encapsulates a packet according to the tunnel policy of its flow
// and optionally redirects it. Without a redirect the encapsulated packet
// is transmitted back out of the ingress interface.
func (e *Engine) Push(ctx *Context) dataplane.Action {
	return e.stats.Record(e.push(ctx), ctx.Buf.Len())
}

func (e *Engine) push(ctx *Context) dataplane.Action {
	const prog = dataplane.ProgramPush
	hdr, err := packet.Parse(ctx.Buf.Bytes(), false)
	if err != nil {
		if e.debugEnabled() {
			e.log.Debug("header parse failed", "program", prog.Name(), "err", err)
		}
		if e.events != nil {
			e.event(prog, logging.EventParseError, dataplane.TunnelKey{}, ctx.IngressIfindex, dataplane.ActionPass, err.Error())
		}
		return dataplane.ActionPass
	}
	key := DeriveKey(hdr.IP)
	info, ok := e.ResolveTunnel(key)
	if !ok {
		if e.debugEnabled() {
			e.log.Debug("tunnel entry missing", "program", prog.Name(), "src", addr(key.SrcAddr), "dst", addr(key.DstAddr))
		}
		e.event(prog, logging.EventTunnelMiss, key, ctx.IngressIfindex, dataplane.ActionPass, "")
		return dataplane.ActionPass
	}

	switch info.TunnelType {
	case dataplane.TunnelVLAN:
		err = tunnel.PushVLAN(ctx.Buf, info.VLANID)
	case dataplane.TunnelGeneve:
		err = tunnel.PushGeneve(ctx.Buf, geneveParams(info))
	default:
		if e.debugEnabled() {
			e.log.Debug("no encapsulation for tunnel type", "program", prog.Name(), "type", info.TunnelType)
		}
		e.event(prog, logging.EventUnsupported, key, ctx.IngressIfindex, dataplane.ActionPass, info.TunnelType.String())
		return dataplane.ActionPass
	}
	if err != nil {
		e.log.Error("encapsulation failed", "program", prog.Name(), "type", info.TunnelType, "err", err)
		e.event(prog, logging.EventResizeFailed, key, ctx.IngressIfindex, dataplane.ActionDrop, err.Error())
		return dataplane.ActionDrop
	}

	if info.Redirect == 0 {
		return dataplane.ActionTx
	}
	return e.redirect(ctx, prog, key, info, key.DstAddr)
}

// Pop decapsulates a GENEVE packet, validates that its outer flow is
// configured as a GENEVE tunnel and redirects the inner frame. The
// redirect table is keyed by the outer destination, the local tunnel
// endpoint the frame arrived on. Non-GENEVE traffic passes untouched.
func (e *Engine) Pop(ctx *Context) dataplane.Action {
	return e.stats.Record(e.pop(ctx), ctx.Buf.Len())
}

func (e *Engine) pop(ctx *Context) dataplane.Action {
	const prog = dataplane.ProgramPop
	outer, err := packet.Parse(ctx.Buf.Bytes(), true)
	if err != nil {
		if e.debugEnabled() {
			e.log.Debug("header parse failed", "program", prog.Name(), "err", err)
		}
		if e.events != nil {
			e.event(prog, logging.EventParseError, dataplane.TunnelKey{}, ctx.IngressIfindex, dataplane.ActionPass, err.Error())
		}
		return dataplane.ActionPass
	}
	if outer.UDP == nil || outer.UDP.DstPort() != packet.GenevePort {
		return dataplane.ActionPass
	}

	// Captured before the envelope is removed; outer views die with it.
	key := DeriveKey(outer.IP)

	if _, err := tunnel.PopGeneve(ctx.Buf, outer); err != nil {
		if errors.Is(err, tunnel.ErrResize) || errors.Is(err, packet.ErrTruncated) {
			e.log.Error("decapsulation failed", "program", prog.Name(), "err", err)
			e.event(prog, logging.EventResizeFailed, key, ctx.IngressIfindex, dataplane.ActionDrop, err.Error())
			return dataplane.ActionDrop
		}
		if e.debugEnabled() {
			e.log.Debug("not a tunnelled frame", "program", prog.Name(), "err", err)
		}
		if e.events != nil {
			e.event(prog, logging.EventParseError, key, ctx.IngressIfindex, dataplane.ActionPass, err.Error())
		}
		return dataplane.ActionPass
	}

	if _, err := packet.Parse(ctx.Buf.Bytes(), false); err != nil {
		if e.debugEnabled() {
			e.log.Debug("inner header parse failed", "program", prog.Name(), "err", err)
		}
		if e.events != nil {
			e.event(prog, logging.EventParseError, key, ctx.IngressIfindex, dataplane.ActionPass, "inner: "+err.Error())
		}
		return dataplane.ActionPass
	}

	info, ok := e.ResolveTunnel(key)
	if !ok {
		if e.debugEnabled() {
			e.log.Debug("tunnel entry missing", "program", prog.Name(), "src", addr(key.SrcAddr), "dst", addr(key.DstAddr))
		}
		e.event(prog, logging.EventTunnelMiss, key, ctx.IngressIfindex, dataplane.ActionPass, "")
		return dataplane.ActionPass
	}
	if info.TunnelType != dataplane.TunnelGeneve {
		e.log.Warn("tunnelled packet does not match policy", "program", prog.Name(),
			"src", addr(key.SrcAddr), "dst", addr(key.DstAddr), "type", info.TunnelType)
		e.event(prog, logging.EventPolicyViolated, key, ctx.IngressIfindex, dataplane.ActionDrop,
			"configured type "+info.TunnelType.String())
		return dataplane.ActionDrop
	}
	return e.redirect(ctx, prog, key, info, key.DstAddr)
}

// IfaceRedirect forwards every packet arriving on an interface to the
// interface configured for it, or passes it when none is.
func (e *Engine) IfaceRedirect(ctx *Context) dataplane.Action {
	return e.stats.Record(e.ifaceRedirect(ctx), ctx.Buf.Len())
}

func (e *Engine) ifaceRedirect(ctx *Context) dataplane.Action {
	out, ok := e.tables.IfaceRedirect.Lookup(uint32(ctx.IngressIfindex))
	if !ok || out == 0 {
		if e.debugEnabled() {
			e.log.Debug("interface redirect entry missing", "ifindex", ctx.IngressIfindex)
		}
		if e.events != nil {
			e.event(dataplane.ProgramRedirect, logging.EventRedirectMiss, dataplane.TunnelKey{}, ctx.IngressIfindex,
				dataplane.ActionPass, "ifindex "+strconv.Itoa(ctx.IngressIfindex))
		}
		return dataplane.ActionPass
	}
	ctx.RedirectIfindex = int(out)
	return dataplane.ActionRedirect
}

func geneveParams(info dataplane.TunnelInfo) tunnel.GeneveParams {
	return tunnel.GeneveParams{
		SrcMAC:      info.SourceMAC,
		DstMAC:      info.DestMAC,
		SrcIP:       info.SourceIP,
		DstIP:       info.DestIP,
		SrcPort:     info.SourcePort,
		VNI:         info.VNI,
		InnerDstMAC: info.InnerDestMAC,
	}
}
