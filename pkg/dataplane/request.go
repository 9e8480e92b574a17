package dataplane

import (
	"fmt"
	"strings"

	"github.com/mptm-gw/mptm/pkg/config"
)

// Table aliases accepted by EntryRequest.Table besides the map names.
const (
	TableTunnel   = "tunnel"
	TableRedirect = "redirect"
	TableGroup    = "group"
	TableIface    = "iface"
)

// EntryRequest is a single-entry operation from a management client.
// Which fields are read depends on Table:
//
//	tunnel:   Flow (source and destination only for get and delete)
//	redirect: Destination, Group
//	group:    Group, Ifindex
//	iface:    Ingress, Ifindex
type EntryRequest struct {
	Table       string             `json:"table"`
	Action      MapAction          `json:"action"`
	Flow        *config.TunnelFlow `json:"flow,omitempty"`
	Destination string             `json:"destination,omitempty"`
	Group       uint32             `json:"group,omitempty"`
	Ingress     uint32             `json:"ingress,omitempty"`
	Ifindex     uint32             `json:"ifindex,omitempty"`
}

// CanonicalTable maps a table alias or map name to its alias.
func CanonicalTable(name string) (string, error) {
	switch strings.ToLower(name) {
	case TableTunnel, "tunnels", TunnelInfoMapName:
		return TableTunnel, nil
	case TableRedirect, "redirects", RedirectMapName:
		return TableRedirect, nil
	case TableGroup, "groups", RedirectGroupMapName:
		return TableGroup, nil
	case TableIface, "interface", IfaceRedirectMapName:
		return TableIface, nil
	}
	return "", fmt.Errorf("unknown table %q", name)
}

// ApplyEntry performs req against t and returns the readable entry for
// adds and gets, nil for deletes. A redirect interface named in a tunnel
// flow is resolved with resolve.
func ApplyEntry(t *Tables, req EntryRequest, resolve IfaceResolver) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("dataplane not loaded")
	}
	table, err := CanonicalTable(req.Table)
	if err != nil {
		return nil, err
	}
	switch table {
	case TableTunnel:
		return applyTunnel(t, req, resolve)
	case TableRedirect:
		addr, err := ParseIPv4(req.Destination)
		if err != nil {
			return nil, err
		}
		g, err := UpdateEntry(t.Redirect, req.Action, RedirectKey{DstAddr: addr}, req.Group)
		if err != nil || req.Action == MapDelete {
			return nil, err
		}
		return RedirectEntry{Destination: FormatIPv4(addr), Group: g}, nil
	case TableGroup:
		idx, err := UpdateEntry(t.RedirectGroup, req.Action, req.Group, req.Ifindex)
		if err != nil || req.Action == MapDelete {
			return nil, err
		}
		return GroupEntry{Group: req.Group, Ifindex: idx, Interface: IfaceName(idx)}, nil
	default:
		if req.Ingress == 0 {
			return nil, fmt.Errorf("ingress ifindex required")
		}
		out, err := UpdateEntry(t.IfaceRedirect, req.Action, req.Ingress, req.Ifindex)
		if err != nil || req.Action == MapDelete {
			return nil, err
		}
		return IfaceRedirectEntry{
			Ingress: req.Ingress, IngressInterface: IfaceName(req.Ingress),
			Egress: out, EgressInterface: IfaceName(out),
		}, nil
	}
}

func applyTunnel(t *Tables, req EntryRequest, resolve IfaceResolver) (any, error) {
	f := req.Flow
	if f == nil {
		return nil, fmt.Errorf("tunnel flow required")
	}
	var (
		key  TunnelKey
		info TunnelInfo
		err  error
	)
	if req.Action == MapAdd {
		if err := config.ValidateFlow(f); err != nil {
			return nil, err
		}
		if key, info, err = FlowEntry(f); err != nil {
			return nil, err
		}
		if f.RedirectInterface != "" {
			if resolve == nil {
				resolve = NetlinkResolver
			}
			idx, err := resolve(f.RedirectInterface)
			if err != nil {
				return nil, err
			}
			info.RedirectIf = uint32(idx)
		}
	} else {
		if key.SrcAddr, err = ParseIPv4(f.Source); err != nil {
			return nil, err
		}
		if key.DstAddr, err = ParseIPv4(f.Destination); err != nil {
			return nil, err
		}
	}
	v, err := UpdateEntry(t.TunnelInfo, req.Action, key, info)
	if err != nil || req.Action == MapDelete {
		return nil, err
	}
	return DescribeTunnel(key, v), nil
}
