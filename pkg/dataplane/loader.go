package dataplane

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

// ErrNoPrograms is returned by AttachXDP when the Manager was loaded
// without a kernel object. It then only manages the pinned tables, and
// the programs are attached by an external loader.
var ErrNoPrograms = errors.New("no XDP programs loaded, tables only")

// mapSpecs describe the shared maps. They must match the definitions in the
// kernel object so pinned maps can be reused across program reloads.
var mapSpecs = map[string]*ebpf.MapSpec{
	TunnelInfoMapName: {
		Type:       ebpf.Hash,
		KeySize:    8,
		ValueSize:  44,
		MaxEntries: MaxTunnelEntries,
	},
	RedirectMapName: {
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: MaxRedirectEntries,
	},
	RedirectGroupMapName: {
		Type:       ebpf.DevMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: MaxGroupEntries,
	},
	IfaceRedirectMapName: {
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: MaxIfaceRedirects,
	},
	StatsMapName: {
		Type:       ebpf.PerCPUArray,
		KeySize:    4,
		ValueSize:  16,
		MaxEntries: uint32(NumActions),
	},
}

// Manager manages the eBPF dataplane: pinned maps, programs and XDP
// attachments.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	loaded   bool
	coll     *ebpf.Collection
	maps     map[string]*ebpf.Map
	programs map[ProgramKind]*ebpf.Program
	xdpLinks map[int]link.Link
	attached map[int]ProgramKind
	tables   *Tables
}

// New creates a new dataplane Manager.
func New(opts Options) *Manager {
	if opts.PinPath == "" {
		opts.PinPath = DefaultPinPath
	}
	return &Manager{
		opts:     opts,
		log:      opts.logger(),
		maps:     make(map[string]*ebpf.Map),
		programs: make(map[ProgramKind]*ebpf.Program),
		xdpLinks: make(map[int]link.Link),
		attached: make(map[int]ProgramKind),
	}
}

// Load opens or creates the pinned maps and, when an object path is
// configured, loads the programs that use them.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return nil
	}
	m.log.Info("loading eBPF dataplane", "pin_path", m.opts.PinPath, "object", m.opts.ObjectPath)

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("remove memlock rlimit: %w", err)
	}
	if err := os.MkdirAll(m.opts.PinPath, 0o755); err != nil {
		return fmt.Errorf("create pin path: %w", err)
	}

	var err error
	if m.opts.ObjectPath != "" {
		err = m.loadObject()
	} else {
		err = m.openPinnedMaps()
	}
	if err != nil {
		m.closeObjects()
		return err
	}

	m.tables = &Tables{
		TunnelInfo:    NewMapTable[TunnelKey, TunnelInfo](TunnelInfoMapName, m.maps[TunnelInfoMapName]),
		Redirect:      NewMapTable[RedirectKey, uint32](RedirectMapName, m.maps[RedirectMapName]),
		RedirectGroup: NewMapTable[uint32, uint32](RedirectGroupMapName, m.maps[RedirectGroupMapName]),
		IfaceRedirect: NewMapTable[uint32, uint32](IfaceRedirectMapName, m.maps[IfaceRedirectMapName]),
	}
	m.loaded = true
	m.log.Info("eBPF dataplane loaded", "maps", len(m.maps), "programs", len(m.programs))
	return nil
}

func (m *Manager) loadObject() error {
	spec, err := ebpf.LoadCollectionSpec(m.opts.ObjectPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", m.opts.ObjectPath, err)
	}
	for name := range mapSpecs {
		ms, ok := spec.Maps[name]
		if !ok {
			return fmt.Errorf("object %s has no map %s", m.opts.ObjectPath, name)
		}
		ms.Pinning = ebpf.PinByName
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: m.opts.PinPath},
	})
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			m.log.Error("verifier rejected program", "log", fmt.Sprintf("%+v", verr))
		}
		return fmt.Errorf("create collection: %w", err)
	}
	m.coll = coll

	for name := range mapSpecs {
		m.maps[name] = coll.Maps[name]
	}
	for _, kind := range []ProgramKind{ProgramPush, ProgramPop, ProgramRedirect} {
		if prog, ok := coll.Programs[kind.String()]; ok {
			m.programs[kind] = prog
		} else {
			m.log.Debug("program not present in object", "program", kind.String())
		}
	}
	return nil
}

func (m *Manager) openPinnedMaps() error {
	for name, ms := range mapSpecs {
		spec := ms.Copy()
		spec.Name = name
		spec.Pinning = ebpf.PinByName
		mp, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{PinPath: m.opts.PinPath})
		if err != nil {
			return fmt.Errorf("open pinned map %s: %w", name, err)
		}
		m.maps[name] = mp
	}
	return nil
}

// IsLoaded returns true once Load has succeeded.
func (m *Manager) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Tables returns the pinned policy tables, or nil before Load.
func (m *Manager) Tables() *Tables {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables
}

// Map returns a named eBPF map, or nil if not found.
func (m *Manager) Map(name string) *ebpf.Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maps[name]
}

// AttachXDP attaches the given program to an interface, replacing any
// program this Manager attached there before.
func (m *Manager) AttachXDP(ifindex int, kind ProgramKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return fmt.Errorf("eBPF programs not loaded")
	}
	if len(m.programs) == 0 {
		return fmt.Errorf("attach %s to ifindex %d: %w", kind, ifindex, ErrNoPrograms)
	}
	prog, ok := m.programs[kind]
	if !ok {
		return fmt.Errorf("program %s not in %s", kind, m.opts.ObjectPath)
	}
	if cur, exists := m.attached[ifindex]; exists {
		if cur == kind {
			return nil
		}
		if err := m.detachLocked(ifindex); err != nil {
			return err
		}
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: ifindex,
	})
	if err != nil {
		return fmt.Errorf("attach %s to ifindex %d: %w", kind, ifindex, err)
	}
	m.xdpLinks[ifindex] = l
	m.attached[ifindex] = kind
	m.log.Info("attached XDP program", "ifindex", ifindex, "program", kind.String())
	return nil
}

// DetachXDP detaches the XDP program from the given interface.
func (m *Manager) DetachXDP(ifindex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detachLocked(ifindex)
}

func (m *Manager) detachLocked(ifindex int) error {
	l, exists := m.xdpLinks[ifindex]
	if !exists {
		return nil
	}
	if err := l.Close(); err != nil {
		return fmt.Errorf("detach XDP from ifindex %d: %w", ifindex, err)
	}
	delete(m.xdpLinks, ifindex)
	delete(m.attached, ifindex)
	m.log.Info("detached XDP program", "ifindex", ifindex)
	return nil
}

// Attachments returns a copy of the ifindex -> program attachments.
func (m *Manager) Attachments() map[int]ProgramKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]ProgramKind, len(m.attached))
	for k, v := range m.attached {
		out[k] = v
	}
	return out
}

// ReadActionStats sums the per-CPU action records.
func (m *Manager) ReadActionStats() ([NumActions]ActionCounter, error) {
	var out [NumActions]ActionCounter
	sm := m.Map(StatsMapName)
	if sm == nil {
		return out, fmt.Errorf("%s map not found", StatsMapName)
	}
	for i := range out {
		var perCPU []ActionCounter
		if err := sm.Lookup(uint32(i), &perCPU); err != nil {
			return out, fmt.Errorf("read %s[%d]: %w", StatsMapName, i, err)
		}
		for _, c := range perCPU {
			out[i].Packets += c.Packets
			out[i].Bytes += c.Bytes
		}
	}
	return out, nil
}

// Close detaches programs and releases file descriptors. Pinned maps keep
// their contents.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ifindex := range m.xdpLinks {
		if err := m.detachLocked(ifindex); err != nil {
			m.log.Error("failed to detach XDP", "ifindex", ifindex, "err", err)
		}
	}
	m.closeObjects()
	m.loaded = false
	return nil
}

// Teardown closes the Manager and removes the pinned maps.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	var errs []error
	for name, mp := range m.maps {
		if err := mp.Unpin(); err != nil {
			errs = append(errs, fmt.Errorf("unpin %s: %w", name, err))
		}
	}
	m.mu.Unlock()
	if err := m.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) closeObjects() {
	if m.coll != nil {
		m.coll.Close()
		m.coll = nil
	} else {
		for _, mp := range m.maps {
			mp.Close()
		}
	}
	m.maps = make(map[string]*ebpf.Map)
	m.programs = make(map[ProgramKind]*ebpf.Program)
	m.tables = nil
}
