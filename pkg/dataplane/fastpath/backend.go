package fastpath

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/packet"
)

var _ dataplane.DataPlane = (*Backend)(nil)

func init() {
	dataplane.RegisterBackend(dataplane.TypeUserspace, func(opts dataplane.Options) dataplane.DataPlane {
		return NewBackend(opts, nil)
	})
}

// maxFrameLen bounds the frames a port reads.
const maxFrameLen = 0xffff

// ErrTimeout is returned by FrameSource.ReadFrame when no frame arrived
// within the source's poll interval.
var ErrTimeout = errors.New("frame read timeout")

// FrameSource reads and writes raw Ethernet frames on one interface.
type FrameSource interface {
	// ReadFrame returns the next received frame. The slice is only valid
	// until the next call.
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// inlineSource is implemented by sources that own their interface, so
// that a frame is seen by nothing but the backend. AF_PACKET sources are
// taps and do not implement it.
type inlineSource interface {
	Inline() bool
}

func isInline(src FrameSource) bool {
	in, ok := src.(inlineSource)
	return ok && in.Inline()
}

// Opener opens a FrameSource on the interface with the given index.
type Opener func(ifindex int) (FrameSource, error)

type port struct {
	ifindex int
	kind    dataplane.ProgramKind
	src     FrameSource
	stop    chan struct{}
	done    chan struct{}
}

// Backend is a userspace DataPlane. It reads frames from each attached
// interface, runs the configured program over them with in-memory policy
// tables and writes out frames the program transmits or redirects.
//
// With the default AF_PACKET sources the backend works on copies: the
// kernel stack has already received every frame, whatever the verdict.
// DROP and ABORTED therefore only suppress the backend's own output, and
// after TX or REDIRECT the original frame still goes up the host stack.
// Verdicts are enforced only on sources that own their interface.
type Backend struct {
	opts     dataplane.Options
	open     Opener
	log      *slog.Logger
	headroom int

	attachMu sync.Mutex // serializes AttachXDP and DetachXDP
	mu       sync.RWMutex
	tables   *dataplane.Tables
	engine   *Engine
	stats    Stats
	loaded   bool
	ports    map[int]*port
	egress   map[int]FrameSource // write-only sockets for redirect targets
}

// NewBackend returns a Backend. A nil opener selects AF_PACKET sockets.
func NewBackend(opts dataplane.Options, open Opener) *Backend {
	if open == nil {
		open = openAFPacket
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	headroom := opts.Headroom
	if headroom <= 0 {
		headroom = packet.DefaultHeadroom
	}
	return &Backend{
		opts:     opts,
		open:     open,
		log:      log,
		headroom: headroom,
		ports:    make(map[int]*port),
		egress:   make(map[int]FrameSource),
	}
}

// Load creates the policy tables on first use. Tables survive Close, as
// pinned maps do, and are discarded by Teardown.
func (b *Backend) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return nil
	}
	if b.tables == nil {
		b.tables = dataplane.NewMemTables()
	}
	b.engine = New(b.tables, Options{Stats: &b.stats, Logger: b.log, Events: b.opts.Events})
	b.loaded = true
	b.log.Info("userspace dataplane loaded", "headroom", b.headroom)
	return nil
}

func (b *Backend) IsLoaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

// Engine returns the program engine, nil before Load.
func (b *Backend) Engine() *Engine {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.engine
}

func (b *Backend) Tables() *dataplane.Tables {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.loaded {
		return nil
	}
	return b.tables
}

// AttachXDP starts running prog over frames received on ifindex,
// replacing a different program already attached there.
func (b *Backend) AttachXDP(ifindex int, prog dataplane.ProgramKind) error {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	b.mu.Lock()
	if !b.loaded {
		b.mu.Unlock()
		return fmt.Errorf("dataplane not loaded")
	}
	old, ok := b.ports[ifindex]
	if ok && old.kind == prog {
		b.mu.Unlock()
		return nil
	}
	delete(b.ports, ifindex)
	b.mu.Unlock()
	if ok {
		b.stopPort(old)
	}

	src, err := b.open(ifindex)
	if err != nil {
		return fmt.Errorf("open ifindex %d: %w", ifindex, err)
	}
	p := &port{ifindex: ifindex, kind: prog, src: src, stop: make(chan struct{}), done: make(chan struct{})}

	b.mu.Lock()
	b.ports[ifindex] = p
	b.mu.Unlock()

	go b.run(p)
	b.log.Info("program attached", "ifindex", ifindex, "program", prog)
	if !isInline(src) {
		b.log.Warn("interface is tapped, not owned: the host stack still receives every frame and drop verdicts are not enforced",
			"ifindex", ifindex)
	}
	return nil
}

func (b *Backend) DetachXDP(ifindex int) error {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	b.mu.Lock()
	p, ok := b.ports[ifindex]
	delete(b.ports, ifindex)
	b.mu.Unlock()
	if ok {
		b.stopPort(p)
		b.log.Info("program detached", "ifindex", ifindex, "program", p.kind)
	}
	return nil
}

func (b *Backend) Attachments() map[int]dataplane.ProgramKind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[int]dataplane.ProgramKind, len(b.ports))
	for idx, p := range b.ports {
		out[idx] = p.kind
	}
	return out
}

func (b *Backend) ReadActionStats() ([dataplane.NumActions]dataplane.ActionCounter, error) {
	return b.stats.Snapshot(), nil
}

// Close stops every port and closes egress sockets.
func (b *Backend) Close() error {
	b.mu.Lock()
	ports := b.ports
	egress := b.egress
	b.ports = make(map[int]*port)
	b.egress = make(map[int]FrameSource)
	b.loaded = false
	b.mu.Unlock()

	for _, p := range ports {
		b.stopPort(p)
	}
	var errs []error
	for idx, src := range egress {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close egress %d: %w", idx, err))
		}
	}
	return errors.Join(errs...)
}

// Teardown closes the backend and discards the policy tables.
func (b *Backend) Teardown() error {
	err := b.Close()
	b.mu.Lock()
	b.tables = nil
	b.engine = nil
	b.mu.Unlock()
	b.stats.Reset()
	return err
}

func (b *Backend) stopPort(p *port) {
	close(p.stop)
	p.src.Close()
	<-p.done
}

func (b *Backend) run(p *port) {
	defer close(p.done)
	b.mu.RLock()
	engine := b.engine
	b.mu.RUnlock()

	scratch := make([]byte, b.headroom+maxFrameLen)
	for {
		frame, err := p.src.ReadFrame()
		select {
		case <-p.stop:
			return
		default:
		}
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			b.log.Error("frame read failed", "ifindex", p.ifindex, "err", err)
			return
		}
		b.process(engine, p, frame, scratch)
	}
}

// process runs one frame through the port's program and emits the
// result. DROP, ABORTED and PASS emit nothing; on a tapped interface the
// kernel stack has the original frame in every case.
func (b *Backend) process(engine *Engine, p *port, frame, scratch []byte) {
	if len(frame) > maxFrameLen {
		engine.Stats().Record(dataplane.ActionAborted, len(frame))
		return
	}
	n := copy(scratch[b.headroom:], frame)
	buf, err := packet.WrapBuffer(scratch, b.headroom, b.headroom+n)
	if err != nil {
		return
	}
	ctx := &Context{Buf: buf, IngressIfindex: p.ifindex}
	switch engine.Run(p.kind, ctx) {
	case dataplane.ActionTx:
		if err := p.src.WriteFrame(buf.Bytes()); err != nil {
			b.log.Debug("transmit failed", "ifindex", p.ifindex, "err", err)
		}
	case dataplane.ActionRedirect:
		out, err := b.egressFor(ctx.RedirectIfindex)
		if err != nil {
			b.log.Warn("redirect target unavailable", "ifindex", ctx.RedirectIfindex, "err", err)
			return
		}
		if err := out.WriteFrame(buf.Bytes()); err != nil {
			b.log.Debug("redirect failed", "ifindex", ctx.RedirectIfindex, "err", err)
		}
	}
}

// egressFor returns a writer for ifindex: the attached port's socket when
// there is one, otherwise a cached egress socket.
func (b *Backend) egressFor(ifindex int) (FrameSource, error) {
	b.mu.RLock()
	if p, ok := b.ports[ifindex]; ok {
		b.mu.RUnlock()
		return p.src, nil
	}
	src, ok := b.egress[ifindex]
	b.mu.RUnlock()
	if ok {
		return src, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if src, ok := b.egress[ifindex]; ok {
		return src, nil
	}
	src, err := b.open(ifindex)
	if err != nil {
		return nil, err
	}
	b.egress[ifindex] = src
	return src, nil
}
