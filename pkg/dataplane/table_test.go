package dataplane

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/cilium/ebpf"
)

func TestStructLayout(t *testing.T) {
	if got := unsafe.Sizeof(TunnelKey{}); got != 8 {
		t.Errorf("sizeof(TunnelKey) = %d, want 8", got)
	}
	if got := unsafe.Sizeof(TunnelInfo{}); got != 44 {
		t.Errorf("sizeof(TunnelInfo) = %d, want 44", got)
	}
	if got := unsafe.Sizeof(ActionCounter{}); got != 16 {
		t.Errorf("sizeof(ActionCounter) = %d, want 16", got)
	}
	for name, spec := range mapSpecs {
		if spec.MaxEntries == 0 {
			t.Errorf("%s: zero capacity", name)
		}
	}
}

func TestMemTableLookup(t *testing.T) {
	tbl := NewMemTable[TunnelKey, TunnelInfo](TunnelInfoMapName, 4)
	present := TunnelKey{SrcAddr: [4]byte{10, 0, 0, 1}, DstAddr: [4]byte{10, 0, 0, 2}}
	absent := TunnelKey{SrcAddr: [4]byte{10, 0, 0, 2}, DstAddr: [4]byte{10, 0, 0, 1}}
	info := TunnelInfo{TunnelType: TunnelGeneve, Redirect: 1, VNI: 7, SourceMAC: [6]byte{1, 2, 3, 4, 5, 6}}

	if err := tbl.Update(present, info, ebpf.UpdateAny); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, ok := tbl.Lookup(present)
	if !ok || got != info {
		t.Errorf("Lookup(present) = %+v, %v; want %+v, true", got, ok, info)
	}
	if _, ok := tbl.Lookup(absent); ok {
		t.Error("Lookup of reversed key hit")
	}
}

func TestMemTableCapacity(t *testing.T) {
	tbl := NewMemTable[uint32, uint32]("t", 2)
	for k := uint32(1); k <= 2; k++ {
		if err := tbl.Update(k, k*10, ebpf.UpdateAny); err != nil {
			t.Fatalf("Update(%d): %v", k, err)
		}
	}
	if err := tbl.Update(3, 30, ebpf.UpdateAny); !errors.Is(err, ErrTableFull) {
		t.Fatalf("insert into full table: err = %v, want ErrTableFull", err)
	}
	// Nothing evicted.
	for k := uint32(1); k <= 2; k++ {
		if v, ok := tbl.Lookup(k); !ok || v != k*10 {
			t.Errorf("Lookup(%d) = %d, %v after rejected insert", k, v, ok)
		}
	}
	if _, ok := tbl.Lookup(3); ok {
		t.Error("rejected key is present")
	}
	// Replacing an existing key still works when full.
	if err := tbl.Update(1, 11, ebpf.UpdateAny); err != nil {
		t.Errorf("replace in full table: %v", err)
	}
	if n, _ := tbl.Len(); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
}

func TestMemTableFlags(t *testing.T) {
	tbl := NewMemTable[uint32, uint32]("t", 8)
	if err := tbl.Update(1, 1, ebpf.UpdateExist); !errors.Is(err, ErrKeyNotExist) {
		t.Errorf("UpdateExist on missing key: err = %v", err)
	}
	if err := tbl.Update(1, 1, ebpf.UpdateNoExist); err != nil {
		t.Fatalf("UpdateNoExist: %v", err)
	}
	if err := tbl.Update(1, 2, ebpf.UpdateNoExist); !errors.Is(err, ErrKeyExist) {
		t.Errorf("UpdateNoExist on present key: err = %v", err)
	}
	if err := tbl.Update(1, 3, ebpf.UpdateExist); err != nil {
		t.Errorf("UpdateExist: %v", err)
	}
	if err := tbl.Delete(1); err != nil {
		t.Errorf("Delete: %v", err)
	}
	if err := tbl.Delete(1); !errors.Is(err, ErrKeyNotExist) {
		t.Errorf("second Delete: err = %v, want ErrKeyNotExist", err)
	}
}

func TestMemTableIterateStop(t *testing.T) {
	tbl := NewMemTable[uint32, uint32]("t", 8)
	for k := uint32(0); k < 5; k++ {
		tbl.Update(k, k, ebpf.UpdateAny)
	}
	n := 0
	tbl.Iterate(func(uint32, uint32) bool {
		n++
		return n < 2
	})
	if n != 2 {
		t.Errorf("visited %d entries, want 2", n)
	}
}

func TestMemTableConcurrent(t *testing.T) {
	tbl := NewMemTable[uint32, uint32]("t", 64)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				k := uint32(w*16 + i%16)
				tbl.Update(k, uint32(i), ebpf.UpdateAny)
				tbl.Lookup(k)
				if i%3 == 0 {
					tbl.Delete(k)
				}
			}
		}(w)
	}
	wg.Wait()
	if n, _ := tbl.Len(); n > 64 {
		t.Errorf("Len = %d exceeds capacity", n)
	}
}

func TestTablesStats(t *testing.T) {
	tables := NewMemTables()
	tables.RedirectGroup.Update(1, 3, ebpf.UpdateAny)
	stats := tables.Stats()
	if len(stats) != 4 {
		t.Fatalf("got %d table stats, want 4", len(stats))
	}
	for _, s := range stats {
		switch s.Name {
		case RedirectGroupMapName:
			if s.Entries != 1 || s.MaxEntries != MaxGroupEntries {
				t.Errorf("%s = %+v", s.Name, s)
			}
		case IfaceRedirectMapName:
			if s.MaxEntries != MaxIfaceRedirects {
				t.Errorf("%s capacity = %d", s.Name, s.MaxEntries)
			}
		}
	}
}
