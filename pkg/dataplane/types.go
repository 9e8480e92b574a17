// Package dataplane manages the tunnel gateway's policy tables, eBPF
// program loading and pinning, and XDP attachment.
package dataplane

import "strings"

// Map names as pinned under the pin path.
const (
	TunnelInfoMapName    = "mptm_tunnel_info_map"
	RedirectMapName      = "mptm_tunnel_redirect_map"
	RedirectGroupMapName = "mptm_tunnel_redirect_if_devmap"
	IfaceRedirectMapName = "mptm_redirect_map"
	StatsMapName         = "xdp_stats_map"
)

// Table capacities.
const (
	MaxTunnelEntries   = 1024
	MaxRedirectEntries = 2048
	MaxGroupEntries    = 2048
	MaxIfaceRedirects  = 30
)

// TunnelType selects the transformation applied to a flow.
type TunnelType uint8

const (
	TunnelNone TunnelType = iota
	TunnelVLAN
	TunnelVXLAN // reserved, never transformed
	TunnelGeneve
)

var tunnelTypeNames = map[TunnelType]string{
	TunnelNone:   "NONE",
	TunnelVLAN:   "VLAN",
	TunnelVXLAN:  "VXLAN",
	TunnelGeneve: "GENEVE",
}

func (t TunnelType) String() string {
	if s, ok := tunnelTypeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseTunnelType maps a case-insensitive tunnel type name to its value.
func ParseTunnelType(s string) (TunnelType, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for t, name := range tunnelTypeNames {
		if name == s {
			return t, true
		}
	}
	return TunnelNone, false
}

// TunnelKey mirrors struct tunnel_key: the flow's IPv4 source and
// destination in network byte order.
type TunnelKey struct {
	SrcAddr [4]byte
	DstAddr [4]byte
}

// TunnelInfo mirrors struct tunnel_info, the per-flow policy record.
type TunnelInfo struct {
	TunnelType TunnelType
	Redirect   uint8
	Flags      uint8 // reserved, always zero
	Debug      uint8
	SourcePort uint16
	VLANID     uint16
	VNI        uint32
	// RedirectIf, when non-zero, is redirected to directly instead of
	// resolving the destination through the group tables.
	RedirectIf   uint32
	SourceIP     [4]byte
	DestIP       [4]byte
	SourceMAC    [6]byte
	DestMAC      [6]byte
	InnerDestMAC [6]byte
	Pad          [2]byte
}

// RedirectKey mirrors struct redirect_key.
type RedirectKey struct {
	DstAddr [4]byte
}

// Action is the verdict returned for a packet. Values match the kernel's
// enum xdp_action.
type Action uint32

const (
	ActionAborted Action = iota
	ActionDrop
	ActionPass
	ActionTx
	ActionRedirect
)

// NumActions is the number of action codes.
const NumActions = int(ActionRedirect) + 1

var actionNames = [NumActions]string{
	ActionAborted:  "XDP_ABORTED",
	ActionDrop:     "XDP_DROP",
	ActionPass:     "XDP_PASS",
	ActionTx:       "XDP_TX",
	ActionRedirect: "XDP_REDIRECT",
}

func (a Action) String() string {
	if int(a) < NumActions {
		return actionNames[a]
	}
	return "UNKNOWN"
}

// ActionCounter mirrors struct datarec: per-action packet and byte counts.
type ActionCounter struct {
	Packets uint64
	Bytes   uint64
}

// ProgramKind identifies one of the independently attachable programs.
type ProgramKind int

const (
	ProgramPush ProgramKind = iota
	ProgramPop
	ProgramRedirect
)

var programNames = map[ProgramKind]string{
	ProgramPush:     "mptm_xdp_tunnel_push",
	ProgramPop:      "mptm_xdp_tunnel_pop",
	ProgramRedirect: "xdp_prog_redirect",
}

// String returns the program's section name.
func (k ProgramKind) String() string {
	if s, ok := programNames[k]; ok {
		return s
	}
	return "unknown"
}

// Name returns the configuration keyword of the program.
func (k ProgramKind) Name() string {
	switch k {
	case ProgramPush:
		return "push"
	case ProgramPop:
		return "pop"
	case ProgramRedirect:
		return "redirect"
	}
	return "unknown"
}

// ParseProgramKind accepts "push", "pop" and "redirect".
func ParseProgramKind(s string) (ProgramKind, bool) {
	switch strings.ToLower(s) {
	case "push":
		return ProgramPush, true
	case "pop":
		return ProgramPop, true
	case "redirect":
		return ProgramRedirect, true
	}
	return 0, false
}
