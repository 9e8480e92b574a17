package dataplane

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/mptm-gw/mptm/pkg/logging"
)

// Compile-time assertion that Manager implements DataPlane.
var _ DataPlane = (*Manager)(nil)

// Dataplane type constants used in system { dataplane-type <type>; }.
const (
	TypeEBPF      = "ebpf" // default
	TypeUserspace = "userspace"
)

// DefaultPinPath is where the policy maps are pinned.
const DefaultPinPath = "/sys/fs/bpf"

// Options configures a dataplane backend.
type Options struct {
	// PinPath is the bpffs directory holding the pinned maps.
	PinPath string
	// ObjectPath is the compiled kernel object. When empty the eBPF
	// backend only manages pinned maps and cannot attach programs.
	ObjectPath string
	// Headroom reserved in front of frames by userspace backends.
	Headroom int
	Logger   *slog.Logger
	// Events receives packet-path events from backends that can report
	// them. May be nil.
	Events *logging.EventBuffer
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// backendRegistry holds constructors for non-eBPF dataplane backends.
// Sub-packages register themselves via RegisterBackend in their init().
var backendRegistry = map[string]func(Options) DataPlane{}

// RegisterBackend registers a dataplane constructor for the given type.
func RegisterBackend(dpType string, ctor func(Options) DataPlane) {
	backendRegistry[dpType] = ctor
}

// NewDataPlane creates a DataPlane backend based on the given type string.
// An empty string defaults to eBPF.
func NewDataPlane(dpType string, opts Options) (DataPlane, error) {
	switch dpType {
	case "", TypeEBPF:
		return New(opts), nil
	default:
		if ctor, ok := backendRegistry[dpType]; ok {
			return ctor(opts), nil
		}
		valid := []string{TypeEBPF}
		for name := range backendRegistry {
			valid = append(valid, name)
		}
		sort.Strings(valid)
		return nil, fmt.Errorf("unknown dataplane type %q (valid: %v)", dpType, valid)
	}
}

// DataPlane is a packet-processing backend running the push, pop and
// redirect programs over a shared set of policy tables.
type DataPlane interface {
	// Lifecycle
	Load() error
	IsLoaded() bool
	Close() error
	// Teardown detaches every program and removes pinned state.
	Teardown() error

	// Program attachment. Each interface runs at most one program.
	AttachXDP(ifindex int, prog ProgramKind) error
	DetachXDP(ifindex int) error
	Attachments() map[int]ProgramKind

	// Tables returns the policy tables. Valid after Load.
	Tables() *Tables

	// ReadActionStats returns the per-action counters summed over CPUs.
	ReadActionStats() ([NumActions]ActionCounter, error)
}
