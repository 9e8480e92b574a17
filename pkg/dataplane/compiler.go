package dataplane

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cilium/ebpf"
	"github.com/vishvananda/netlink"

	"github.com/mptm-gw/mptm/pkg/config"
)

// IfaceResolver maps an interface name to its ifindex.
type IfaceResolver func(name string) (int, error)

// NetlinkResolver resolves interface names through rtnetlink.
func NetlinkResolver(name string) (int, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("link %s: %w", name, err)
	}
	return l.Attrs().Index, nil
}

// CompileResult summarizes a config compilation.
type CompileResult struct {
	Tunnels        int
	Redirects      int
	Groups         int
	IfaceRedirects int
	Deleted        int
	Attached       map[int]ProgramKind
	// Unresolved lists interfaces that could not be resolved; the entries
	// referring to them were skipped.
	Unresolved []string
	// Unattached lists configured interfaces left to an external loader
	// because the dataplane has no programs of its own.
	Unattached []string
}

// Compile translates a typed Config into table entries and program
// attachments on dp. Entries are written before stale ones are deleted,
// groups before the redirects and flows that reference them.
func Compile(cfg *config.Config, dp DataPlane, resolve IfaceResolver) (*CompileResult, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	tables := dp.Tables()
	if tables == nil {
		return nil, fmt.Errorf("dataplane not loaded")
	}
	if resolve == nil {
		resolve = NetlinkResolver
	}

	result := &CompileResult{Attached: make(map[int]ProgramKind)}
	ifindex := func(name string) (int, bool) {
		idx, err := resolve(name)
		if err != nil {
			slog.Warn("interface not found, skipping", "interface", name, "err", err)
			result.Unresolved = append(result.Unresolved, name)
			return 0, false
		}
		return idx, true
	}

	groups := make(map[uint32]uint32)
	for g, name := range cfg.Redirect.Groups {
		if idx, ok := ifindex(name); ok {
			groups[g] = uint32(idx)
		}
	}
	redirects := make(map[RedirectKey]uint32)
	for addr, g := range cfg.Redirect.Destinations {
		ip, err := ParseIPv4(addr)
		if err != nil {
			return nil, err
		}
		redirects[RedirectKey{DstAddr: ip}] = g
	}
	ifaceRedirects := make(map[uint32]uint32)
	for in, out := range cfg.Redirect.Ingress {
		inIdx, ok1 := ifindex(in)
		outIdx, ok2 := ifindex(out)
		if ok1 && ok2 {
			ifaceRedirects[uint32(inIdx)] = uint32(outIdx)
		}
	}
	tunnels := make(map[TunnelKey]TunnelInfo)
	for _, f := range cfg.Tunnels {
		key, info, err := FlowEntry(f)
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", f.Key(), err)
		}
		if f.RedirectInterface != "" {
			idx, ok := ifindex(f.RedirectInterface)
			if !ok {
				continue
			}
			info.RedirectIf = uint32(idx)
		}
		tunnels[key] = info
	}

	var err error
	if result.Groups, err = syncTable(tables.RedirectGroup, groups); err != nil {
		return nil, err
	}
	if result.Redirects, err = syncTable(tables.Redirect, redirects); err != nil {
		return nil, err
	}
	if result.IfaceRedirects, err = syncTable(tables.IfaceRedirect, ifaceRedirects); err != nil {
		return nil, err
	}
	if result.Tunnels, err = syncTable(tables.TunnelInfo, tunnels); err != nil {
		return nil, err
	}

	var deleted [4]int
	var errs [4]error
	deleted[0], errs[0] = deleteStale(tables.TunnelInfo, tunnels)
	deleted[1], errs[1] = deleteStale(tables.IfaceRedirect, ifaceRedirects)
	deleted[2], errs[2] = deleteStale(tables.Redirect, redirects)
	deleted[3], errs[3] = deleteStale(tables.RedirectGroup, groups)
	for _, n := range deleted {
		result.Deleted += n
	}
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}

	if err := compileAttachments(cfg, dp, ifindex, result); err != nil {
		return nil, err
	}

	slog.Info("config compiled to dataplane",
		"tunnels", result.Tunnels,
		"redirects", result.Redirects,
		"groups", result.Groups,
		"iface_redirects", result.IfaceRedirects,
		"deleted", result.Deleted,
		"attached", len(result.Attached))
	return result, nil
}

func compileAttachments(cfg *config.Config, dp DataPlane, ifindex func(string) (int, bool), result *CompileResult) error {
	names := make([]string, 0, len(cfg.Interfaces))
	for name := range cfg.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ic := cfg.Interfaces[name]
		kind, ok := ParseProgramKind(ic.Program)
		if !ok {
			continue
		}
		idx, ok := ifindex(name)
		if !ok {
			continue
		}
		if err := dp.AttachXDP(idx, kind); err != nil {
			if errors.Is(err, ErrNoPrograms) {
				result.Unattached = append(result.Unattached, name)
				continue
			}
			return fmt.Errorf("attach %s to %s: %w", kind, name, err)
		}
		result.Attached[idx] = kind
	}

	for idx := range dp.Attachments() {
		if _, keep := result.Attached[idx]; keep {
			continue
		}
		if err := dp.DetachXDP(idx); err != nil {
			return err
		}
	}
	return nil
}

// FlowEntry converts a configured flow into its table key and value.
// RedirectIf is left zero; it needs an interface lookup.
func FlowEntry(f *config.TunnelFlow) (TunnelKey, TunnelInfo, error) {
	var (
		key  TunnelKey
		info TunnelInfo
		err  error
	)
	if key.SrcAddr, err = ParseIPv4(f.Source); err != nil {
		return key, info, err
	}
	if key.DstAddr, err = ParseIPv4(f.Destination); err != nil {
		return key, info, err
	}

	tt, ok := ParseTunnelType(f.Type)
	if !ok {
		return key, info, fmt.Errorf("unknown tunnel type %q", f.Type)
	}
	info.TunnelType = tt
	if f.Redirect {
		info.Redirect = 1
	}
	if f.Debug {
		info.Debug = 1
	}
	info.VLANID = f.VLANID
	info.VNI = f.VNI
	info.SourcePort = f.SourcePort

	ips := []struct {
		s   string
		dst *[4]byte
	}{{f.SourceIP, &info.SourceIP}, {f.DestinationIP, &info.DestIP}}
	for _, ip := range ips {
		if ip.s == "" {
			continue
		}
		if *ip.dst, err = ParseIPv4(ip.s); err != nil {
			return key, info, err
		}
	}
	macs := []struct {
		s   string
		dst *[6]byte
	}{{f.SourceMAC, &info.SourceMAC}, {f.DestinationMAC, &info.DestMAC}, {f.InnerDestinationMAC, &info.InnerDestMAC}}
	for _, mac := range macs {
		if mac.s == "" {
			continue
		}
		if *mac.dst, err = ParseMAC(mac.s); err != nil {
			return key, info, err
		}
	}
	return key, info, nil
}

// syncTable writes want into tbl. When the table fills up, stale entries
// are removed first and the write retried.
func syncTable[K comparable, V any](tbl Table[K, V], want map[K]V) (int, error) {
	pruned := false
	for k, v := range want {
		err := tbl.Update(k, v, ebpf.UpdateAny)
		if errors.Is(err, ErrTableFull) && !pruned {
			if _, derr := deleteStale(tbl, want); derr != nil {
				return 0, derr
			}
			pruned = true
			err = tbl.Update(k, v, ebpf.UpdateAny)
		}
		if err != nil {
			return 0, err
		}
	}
	return len(want), nil
}

// deleteStale removes entries of tbl whose key is not in want.
func deleteStale[K comparable, V any](tbl Table[K, V], want map[K]V) (int, error) {
	var stale []K
	if err := tbl.Iterate(func(k K, _ V) bool {
		if _, ok := want[k]; !ok {
			stale = append(stale, k)
		}
		return true
	}); err != nil {
		return 0, fmt.Errorf("iterate %s: %w", tbl.Name(), err)
	}
	for _, k := range stale {
		if err := tbl.Delete(k); err != nil && !errors.Is(err, ErrKeyNotExist) {
			return 0, err
		}
	}
	return len(stale), nil
}
