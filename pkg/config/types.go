package config

import "time"

// Config is the top-level typed configuration, compiled from the AST.
type Config struct {
	System     SystemConfig
	Interfaces map[string]*InterfaceConfig
	Tunnels    []*TunnelFlow
	Redirect   RedirectConfig
	API        APIConfig
	Warnings   []string // non-fatal validation warnings
}

// SystemConfig holds dataplane-wide settings.
type SystemConfig struct {
	DataplaneType string // "ebpf" (default) or "userspace"
	PinPath       string
	ObjectPath    string
	Headroom      int
	// GroupSyncInterval is how often redirect group members are
	// re-resolved. Zero disables periodic resync.
	GroupSyncInterval time.Duration
	Syslog            []SyslogTarget
}

// SyslogTarget is a remote syslog server daemon logs are forwarded to.
type SyslogTarget struct {
	Addr     string // host:port
	Severity string // minimum severity name, empty for all
}

// InterfaceConfig attaches a program to an interface.
type InterfaceConfig struct {
	Name    string
	Program string // push, pop or redirect
}

// TunnelFlow is the policy for one (source, destination) flow.
type TunnelFlow struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Type        string `json:"type,omitempty"` // none, vlan, vxlan or geneve

	VLANID     uint16 `json:"vlan_id,omitempty"`
	VNI        uint32 `json:"vni,omitempty"`
	SourcePort uint16 `json:"source_port,omitempty"`

	SourceIP            string `json:"source_ip,omitempty"`
	DestinationIP       string `json:"destination_ip,omitempty"`
	SourceMAC           string `json:"source_mac,omitempty"`
	DestinationMAC      string `json:"destination_mac,omitempty"`
	InnerDestinationMAC string `json:"inner_destination_mac,omitempty"`

	Redirect bool `json:"redirect,omitempty"`
	// RedirectInterface selects a direct redirect, bypassing the
	// destination group lookup.
	RedirectInterface string `json:"redirect_interface,omitempty"`
	Debug             bool   `json:"debug,omitempty"`
}

// Key returns "src dst", the flow's identity in the configuration.
func (f *TunnelFlow) Key() string {
	return f.Source + " " + f.Destination
}

// RedirectConfig holds the redirect indirection tables.
type RedirectConfig struct {
	Destinations map[string]uint32 // destination address -> group index
	Groups       map[uint32]string // group index -> interface name
	Ingress      map[string]string // ingress interface -> egress interface
}

// APIConfig holds the management listeners and their credentials.
type APIConfig struct {
	HTTPAddr string
	GRPCAddr string
	// APIKeys, when set, are required on every management request.
	APIKeys []string
}
