package dataplane

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

var (
	// ErrKeyNotExist is returned when deleting or updating-in-place a
	// missing key. It is the cilium/ebpf sentinel so errors from pinned
	// maps and in-memory tables compare equal.
	ErrKeyNotExist = ebpf.ErrKeyNotExist

	// ErrKeyExist is returned by an UpdateNoExist insert of a present key.
	ErrKeyExist = ebpf.ErrKeyExist

	// ErrTableFull is returned when inserting a new key into a table that
	// holds MaxEntries keys. Existing entries are never evicted.
	ErrTableFull = errors.New("table full")
)

// Table is a bounded key/value policy table. Single-key operations are
// atomic; there is no isolation across keys or tables, so a reader may
// observe any interleaving of concurrent writes.
type Table[K comparable, V any] interface {
	Name() string
	MaxEntries() int
	// Lookup returns the stored value, or false on a miss.
	Lookup(key K) (V, bool)
	Update(key K, val V, flags ebpf.MapUpdateFlags) error
	Delete(key K) error
	// Iterate calls fn for every entry until fn returns false.
	Iterate(fn func(K, V) bool) error
	Len() (int, error)
}

// MemTable is an in-memory Table. Readers load an immutable snapshot
// without locking; writers copy the snapshot under a mutex and publish the
// copy.
type MemTable[K comparable, V any] struct {
	name string
	max  int

	mu      sync.Mutex
	entries atomic.Pointer[map[K]V]
}

// NewMemTable returns an empty table holding at most maxEntries keys.
func NewMemTable[K comparable, V any](name string, maxEntries int) *MemTable[K, V] {
	t := &MemTable[K, V]{name: name, max: maxEntries}
	m := make(map[K]V)
	t.entries.Store(&m)
	return t
}

func (t *MemTable[K, V]) Name() string    { return t.name }
func (t *MemTable[K, V]) MaxEntries() int { return t.max }

func (t *MemTable[K, V]) Lookup(key K) (V, bool) {
	v, ok := (*t.entries.Load())[key]
	return v, ok
}

func (t *MemTable[K, V]) Update(key K, val V, flags ebpf.MapUpdateFlags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.entries.Load()
	_, exists := cur[key]
	switch {
	case flags&ebpf.UpdateNoExist != 0 && exists:
		return fmt.Errorf("update %s: %w", t.name, ErrKeyExist)
	case flags&ebpf.UpdateExist != 0 && !exists:
		return fmt.Errorf("update %s: %w", t.name, ErrKeyNotExist)
	case !exists && len(cur) >= t.max:
		return fmt.Errorf("update %s (%d entries): %w", t.name, t.max, ErrTableFull)
	}

	next := maps.Clone(cur)
	next[key] = val
	t.entries.Store(&next)
	return nil
}

func (t *MemTable[K, V]) Delete(key K) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.entries.Load()
	if _, ok := cur[key]; !ok {
		return fmt.Errorf("delete from %s: %w", t.name, ErrKeyNotExist)
	}
	next := maps.Clone(cur)
	delete(next, key)
	t.entries.Store(&next)
	return nil
}

func (t *MemTable[K, V]) Iterate(fn func(K, V) bool) error {
	for k, v := range *t.entries.Load() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

func (t *MemTable[K, V]) Len() (int, error) {
	return len(*t.entries.Load()), nil
}

// MapTable is a Table backed by a (usually pinned) eBPF map shared with
// the kernel programs.
type MapTable[K comparable, V any] struct {
	name string
	m    *ebpf.Map
}

// NewMapTable wraps m.
func NewMapTable[K comparable, V any](name string, m *ebpf.Map) *MapTable[K, V] {
	return &MapTable[K, V]{name: name, m: m}
}

func (t *MapTable[K, V]) Name() string    { return t.name }
func (t *MapTable[K, V]) MaxEntries() int { return int(t.m.MaxEntries()) }

// Map returns the underlying eBPF map.
func (t *MapTable[K, V]) Map() *ebpf.Map { return t.m }

func (t *MapTable[K, V]) Lookup(key K) (V, bool) {
	var v V
	if err := t.m.Lookup(key, &v); err != nil {
		return v, false
	}
	return v, true
}

func (t *MapTable[K, V]) Update(key K, val V, flags ebpf.MapUpdateFlags) error {
	if err := t.m.Update(key, val, flags); err != nil {
		if errors.Is(err, unix.E2BIG) {
			return fmt.Errorf("update %s: %w", t.name, ErrTableFull)
		}
		return fmt.Errorf("update %s: %w", t.name, err)
	}
	return nil
}

func (t *MapTable[K, V]) Delete(key K) error {
	if err := t.m.Delete(key); err != nil {
		return fmt.Errorf("delete from %s: %w", t.name, err)
	}
	return nil
}

func (t *MapTable[K, V]) Iterate(fn func(K, V) bool) error {
	var (
		key K
		val V
	)
	iter := t.m.Iterate()
	for iter.Next(&key, &val) {
		if !fn(key, val) {
			break
		}
	}
	return iter.Err()
}

func (t *MapTable[K, V]) Len() (int, error) {
	n := 0
	err := t.Iterate(func(K, V) bool {
		n++
		return true
	})
	return n, err
}
