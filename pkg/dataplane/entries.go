package dataplane

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/cilium/ebpf"
)

// MapAction is a control-plane entry operation.
type MapAction uint8

const (
	MapAdd    MapAction = 0
	MapDelete MapAction = 1
	MapGet    MapAction = 3
)

func (a MapAction) String() string {
	switch a {
	case MapAdd:
		return "add"
	case MapDelete:
		return "delete"
	case MapGet:
		return "get"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// MarshalText renders the action name.
func (a MapAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText accepts what ParseMapAction does.
func (a *MapAction) UnmarshalText(b []byte) error {
	v, err := ParseMapAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseMapAction accepts the action names and their numeric codes.
func ParseMapAction(s string) (MapAction, error) {
	switch strings.ToLower(s) {
	case "add", "0":
		return MapAdd, nil
	case "delete", "del", "1":
		return MapDelete, nil
	case "get", "3":
		return MapGet, nil
	}
	return 0, fmt.Errorf("unknown map action %q", s)
}

// UpdateEntry applies action to key in tbl. Adds create or replace the
// entry and fail with ErrTableFull when a new key does not fit. Gets and
// deletes of a missing key fail with ErrKeyNotExist. The returned value is
// the stored value for MapAdd and MapGet.
func UpdateEntry[K comparable, V any](tbl Table[K, V], action MapAction, key K, val V) (V, error) {
	var zero V
	switch action {
	case MapAdd:
		if err := tbl.Update(key, val, ebpf.UpdateAny); err != nil {
			return zero, err
		}
		return val, nil
	case MapDelete:
		return zero, tbl.Delete(key)
	case MapGet:
		v, ok := tbl.Lookup(key)
		if !ok {
			return zero, fmt.Errorf("get from %s: %w", tbl.Name(), ErrKeyNotExist)
		}
		return v, nil
	}
	return zero, fmt.Errorf("%s: unsupported action %s", tbl.Name(), action)
}

// ParseIPv4 parses a dotted-quad IPv4 address.
func ParseIPv4(s string) ([4]byte, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return [4]byte{}, fmt.Errorf("parse IPv4 address %q: %w", s, err)
	}
	if !addr.Is4() {
		return [4]byte{}, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return addr.As4(), nil
}

// ParseMAC parses a 48-bit MAC address in any form net.ParseMAC accepts.
func ParseMAC(s string) ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("parse MAC address %q: %w", s, err)
	}
	if len(hw) != len(out) {
		return out, fmt.Errorf("%q is not a 48-bit MAC address", s)
	}
	copy(out[:], hw)
	return out, nil
}

// FormatIPv4 renders an address stored in network byte order.
func FormatIPv4(a [4]byte) string {
	return netip.AddrFrom4(a).String()
}

// FormatMAC renders a MAC address in colon-separated hex.
func FormatMAC(m [6]byte) string {
	return net.HardwareAddr(m[:]).String()
}
