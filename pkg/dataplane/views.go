package dataplane

import (
	"sort"
	"strconv"

	"github.com/vishvananda/netlink"
)

// TunnelEntry is the readable form of a tunnel info entry.
type TunnelEntry struct {
	Source              string `json:"source"`
	Destination         string `json:"destination"`
	Type                string `json:"type"`
	VLANID              uint16 `json:"vlan_id,omitempty"`
	VNI                 uint32 `json:"vni,omitempty"`
	SourcePort          uint16 `json:"source_port,omitempty"`
	SourceIP            string `json:"source_ip,omitempty"`
	DestinationIP       string `json:"destination_ip,omitempty"`
	SourceMAC           string `json:"source_mac,omitempty"`
	DestinationMAC      string `json:"destination_mac,omitempty"`
	InnerDestinationMAC string `json:"inner_destination_mac,omitempty"`
	Redirect            bool   `json:"redirect"`
	RedirectIfindex     uint32 `json:"redirect_ifindex,omitempty"`
	Debug               bool   `json:"debug"`
}

// DescribeTunnel renders a tunnel info entry. Address and MAC fields are
// only filled for GENEVE flows, which are the only ones that use them.
func DescribeTunnel(k TunnelKey, v TunnelInfo) TunnelEntry {
	e := TunnelEntry{
		Source:          FormatIPv4(k.SrcAddr),
		Destination:     FormatIPv4(k.DstAddr),
		Type:            v.TunnelType.String(),
		VLANID:          v.VLANID,
		VNI:             v.VNI,
		SourcePort:      v.SourcePort,
		Redirect:        v.Redirect != 0,
		RedirectIfindex: v.RedirectIf,
		Debug:           v.Debug != 0,
	}
	if v.TunnelType == TunnelGeneve {
		e.SourceIP = FormatIPv4(v.SourceIP)
		e.DestinationIP = FormatIPv4(v.DestIP)
		e.SourceMAC = FormatMAC(v.SourceMAC)
		e.DestinationMAC = FormatMAC(v.DestMAC)
		e.InnerDestinationMAC = FormatMAC(v.InnerDestMAC)
	}
	return e
}

// ListTunnels returns every tunnel entry ordered by source then
// destination address.
func ListTunnels(t *Tables) ([]TunnelEntry, error) {
	type kv struct {
		k TunnelKey
		v TunnelInfo
	}
	var all []kv
	err := t.TunnelInfo.Iterate(func(k TunnelKey, v TunnelInfo) bool {
		all = append(all, kv{k, v})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].k, all[j].k
		if a.SrcAddr != b.SrcAddr {
			return lessAddr(a.SrcAddr, b.SrcAddr)
		}
		return lessAddr(a.DstAddr, b.DstAddr)
	})
	out := make([]TunnelEntry, len(all))
	for i, e := range all {
		out[i] = DescribeTunnel(e.k, e.v)
	}
	return out, nil
}

func lessAddr(a, b [4]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// RedirectEntry maps a destination to an interface group.
type RedirectEntry struct {
	Destination string `json:"destination"`
	Group       uint32 `json:"group"`
}

// GroupEntry maps an interface group to its egress interface.
type GroupEntry struct {
	Group     uint32 `json:"group"`
	Ifindex   uint32 `json:"ifindex"`
	Interface string `json:"interface,omitempty"`
}

// IfaceRedirectEntry maps an ingress interface to an egress interface.
type IfaceRedirectEntry struct {
	Ingress          uint32 `json:"ingress_ifindex"`
	IngressInterface string `json:"ingress_interface,omitempty"`
	Egress           uint32 `json:"egress_ifindex"`
	EgressInterface  string `json:"egress_interface,omitempty"`
}

// RedirectView is the content of the three redirect tables.
type RedirectView struct {
	Destinations []RedirectEntry      `json:"destinations"`
	Groups       []GroupEntry         `json:"groups"`
	Interfaces   []IfaceRedirectEntry `json:"interfaces"`
}

// ListRedirects returns the redirect tables in key order. Interface
// names are resolved from the host when the ifindex exists.
func ListRedirects(t *Tables) (*RedirectView, error) {
	view := &RedirectView{
		Destinations: []RedirectEntry{},
		Groups:       []GroupEntry{},
		Interfaces:   []IfaceRedirectEntry{},
	}
	type dst struct {
		k RedirectKey
		g uint32
	}
	var dsts []dst
	err := t.Redirect.Iterate(func(k RedirectKey, g uint32) bool {
		dsts = append(dsts, dst{k, g})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(dsts, func(i, j int) bool { return lessAddr(dsts[i].k.DstAddr, dsts[j].k.DstAddr) })
	for _, d := range dsts {
		view.Destinations = append(view.Destinations, RedirectEntry{Destination: FormatIPv4(d.k.DstAddr), Group: d.g})
	}

	err = t.RedirectGroup.Iterate(func(g, idx uint32) bool {
		view.Groups = append(view.Groups, GroupEntry{Group: g, Ifindex: idx, Interface: IfaceName(idx)})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(view.Groups, func(i, j int) bool { return view.Groups[i].Group < view.Groups[j].Group })

	err = t.IfaceRedirect.Iterate(func(in, out uint32) bool {
		view.Interfaces = append(view.Interfaces, IfaceRedirectEntry{
			Ingress: in, IngressInterface: IfaceName(in),
			Egress: out, EgressInterface: IfaceName(out),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(view.Interfaces, func(i, j int) bool { return view.Interfaces[i].Ingress < view.Interfaces[j].Ingress })
	return view, nil
}

// IfaceName returns the host name of ifindex, or "" when unknown.
func IfaceName(ifindex uint32) string {
	if ifindex == 0 {
		return ""
	}
	l, err := netlink.LinkByIndex(int(ifindex))
	if err != nil {
		return ""
	}
	return l.Attrs().Name
}

// FormatIfindex renders an ifindex with its interface name when known.
func FormatIfindex(ifindex uint32) string {
	if name := IfaceName(ifindex); name != "" {
		return name + " (" + strconv.FormatUint(uint64(ifindex), 10) + ")"
	}
	return strconv.FormatUint(uint64(ifindex), 10)
}
