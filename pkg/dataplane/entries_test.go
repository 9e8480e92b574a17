package dataplane

import (
	"errors"
	"testing"
)

func TestUpdateEntry(t *testing.T) {
	tbl := NewMemTable[RedirectKey, uint32](RedirectMapName, 1)
	key := RedirectKey{DstAddr: [4]byte{10, 0, 0, 2}}

	if _, err := UpdateEntry[RedirectKey, uint32](tbl, MapGet, key, 0); !errors.Is(err, ErrKeyNotExist) {
		t.Errorf("get missing: err = %v, want ErrKeyNotExist", err)
	}
	if _, err := UpdateEntry[RedirectKey, uint32](tbl, MapAdd, key, 5); err != nil {
		t.Fatalf("add: %v", err)
	}
	if v, err := UpdateEntry[RedirectKey, uint32](tbl, MapGet, key, 0); err != nil || v != 5 {
		t.Errorf("get = %d, %v; want 5", v, err)
	}
	other := RedirectKey{DstAddr: [4]byte{10, 0, 0, 3}}
	if _, err := UpdateEntry[RedirectKey, uint32](tbl, MapAdd, other, 6); !errors.Is(err, ErrTableFull) {
		t.Errorf("add to full table: err = %v, want ErrTableFull", err)
	}
	if _, err := UpdateEntry[RedirectKey, uint32](tbl, MapDelete, key, 0); err != nil {
		t.Errorf("delete: %v", err)
	}
	if _, err := UpdateEntry[RedirectKey, uint32](tbl, MapDelete, key, 0); !errors.Is(err, ErrKeyNotExist) {
		t.Errorf("delete missing: err = %v, want ErrKeyNotExist", err)
	}
	if _, err := UpdateEntry[RedirectKey, uint32](tbl, MapAction(2), key, 0); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestParseMapAction(t *testing.T) {
	for in, want := range map[string]MapAction{"add": MapAdd, "0": MapAdd, "DEL": MapDelete, "1": MapDelete, "get": MapGet, "3": MapGet} {
		got, err := ParseMapAction(in)
		if err != nil || got != want {
			t.Errorf("ParseMapAction(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMapAction("2"); err == nil {
		t.Error("expected error for action 2")
	}
}

func TestParseAddresses(t *testing.T) {
	ip, err := ParseIPv4("192.168.1.20")
	if err != nil || ip != [4]byte{192, 168, 1, 20} {
		t.Errorf("ParseIPv4 = %v, %v", ip, err)
	}
	for _, bad := range []string{"", "1.2.3", "::1", "300.1.1.1"} {
		if _, err := ParseIPv4(bad); err == nil {
			t.Errorf("ParseIPv4(%q) succeeded", bad)
		}
	}

	mac, err := ParseMAC("de:ad:BE:EF:00:01")
	if err != nil || mac != [6]byte{0xde, 0xad, 0xbe, 0xef, 0, 1} {
		t.Errorf("ParseMAC = %x, %v", mac, err)
	}
	if _, err := ParseMAC("00:00:5e:00:53:01:02:03"); err == nil {
		t.Error("ParseMAC accepted an EUI-64")
	}
	if FormatMAC(mac) != "de:ad:be:ef:00:01" || FormatIPv4(ip) != "192.168.1.20" {
		t.Errorf("format: %s %s", FormatMAC(mac), FormatIPv4(ip))
	}
}

func TestTunnelTypeNames(t *testing.T) {
	for _, tt := range []TunnelType{TunnelNone, TunnelVLAN, TunnelVXLAN, TunnelGeneve} {
		got, ok := ParseTunnelType(tt.String())
		if !ok || got != tt {
			t.Errorf("ParseTunnelType(%q) = %v, %v", tt.String(), got, ok)
		}
	}
	if s := TunnelType(9).String(); s != "UNKNOWN" {
		t.Errorf("TunnelType(9) = %q, want UNKNOWN", s)
	}
	if _, ok := ParseTunnelType("gre"); ok {
		t.Error("ParseTunnelType accepted gre")
	}
	if got, ok := ParseTunnelType(" geneve "); !ok || got != TunnelGeneve {
		t.Errorf("ParseTunnelType is not case/space tolerant: %v %v", got, ok)
	}
	if ActionRedirect.String() != "XDP_REDIRECT" || Action(7).String() != "UNKNOWN" {
		t.Error("action names")
	}
}
