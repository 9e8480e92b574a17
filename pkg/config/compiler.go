package config

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"
)

var tunnelTypes = map[string]bool{"none": true, "vlan": true, "vxlan": true, "geneve": true}

var programs = map[string]bool{"push": true, "pop": true, "redirect": true}

// CompileConfig converts a parsed ConfigTree into a typed Config.
func CompileConfig(tree *ConfigTree) (*Config, error) {
	cfg := &Config{
		Interfaces: make(map[string]*InterfaceConfig),
		Redirect: RedirectConfig{
			Destinations: make(map[string]uint32),
			Groups:       make(map[uint32]string),
			Ingress:      make(map[string]string),
		},
	}

	for _, node := range tree.Children {
		var err error
		switch node.Name() {
		case "system":
			err = compileSystem(node, &cfg.System)
		case "interfaces":
			err = compileInterfaces(node, cfg.Interfaces)
		case "tunnels":
			cfg.Tunnels, err = compileTunnels(node)
		case "redirect":
			err = compileRedirect(node, &cfg.Redirect)
		case "api":
			err = compileAPI(node, &cfg.API)
		default:
			err = fmt.Errorf("line %d: unknown statement %q", node.Line, node.Name())
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", node.Name(), err)
		}
	}

	cfg.Warnings = ValidateConfig(cfg)
	return cfg, nil
}

// ValidateConfig performs cross-reference checks on a compiled config and
// returns non-fatal warnings for references that don't resolve.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if len(cfg.Interfaces) > 0 && cfg.System.ObjectPath == "" &&
		(cfg.System.DataplaneType == "" || cfg.System.DataplaneType == "ebpf") {
		warnings = append(warnings,
			"interfaces: no system object for the ebpf dataplane, programs must be attached by an external loader")
	}
	for _, f := range cfg.Tunnels {
		if !f.Redirect || f.RedirectInterface != "" {
			continue
		}
		if _, ok := cfg.Redirect.Destinations[f.Destination]; !ok {
			warnings = append(warnings, fmt.Sprintf(
				"flow %s: redirect enabled but no redirect destination %s", f.Key(), f.Destination))
		}
	}

	groups := make([]uint32, 0, len(cfg.Redirect.Destinations))
	for _, g := range cfg.Redirect.Destinations {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	for i, g := range groups {
		if i > 0 && groups[i-1] == g {
			continue
		}
		if _, ok := cfg.Redirect.Groups[g]; !ok {
			warnings = append(warnings, fmt.Sprintf("redirect group %d has no interface", g))
		}
	}
	return warnings
}

func compileSystem(node *Node, sys *SystemConfig) error {
	for _, child := range node.Children {
		val := child.Arg(0)
		switch child.Name() {
		case "dataplane-type":
			sys.DataplaneType = val
		case "pin-path":
			sys.PinPath = val
		case "object":
			sys.ObjectPath = val
		case "headroom":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return fmt.Errorf("line %d: invalid headroom %q", child.Line, val)
			}
			sys.Headroom = n
		case "group-sync-interval":
			d, err := parseInterval(val)
			if err != nil {
				return fmt.Errorf("line %d: group-sync-interval: %w", child.Line, err)
			}
			sys.GroupSyncInterval = d
		case "syslog":
			st, err := compileSyslog(child)
			if err != nil {
				return err
			}
			sys.Syslog = append(sys.Syslog, st)
		default:
			return fmt.Errorf("line %d: unknown system option %q", child.Line, child.Name())
		}
	}
	return nil
}

// compileSyslog parses "syslog <host:port> [severity <level>]".
func compileSyslog(n *Node) (SyslogTarget, error) {
	st := SyslogTarget{Addr: n.Arg(0)}
	if _, _, err := net.SplitHostPort(st.Addr); err != nil {
		return st, fmt.Errorf("line %d: syslog address %q: %w", n.Line, st.Addr, err)
	}
	switch {
	case len(n.Keys) == 2:
	case len(n.Keys) == 4 && n.Keys[2] == "severity":
		st.Severity = strings.ToLower(n.Keys[3])
		switch st.Severity {
		case "error", "warning", "info", "debug":
		default:
			return st, fmt.Errorf("line %d: unknown syslog severity %q", n.Line, n.Keys[3])
		}
	default:
		return st, fmt.Errorf("line %d: usage: syslog <host:port> [severity <level>]", n.Line)
	}
	return st, nil
}

// parseInterval accepts a Go duration ("30s") or a bare number of seconds.
func parseInterval(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return d, nil
}

func compileInterfaces(node *Node, ifaces map[string]*InterfaceConfig) error {
	for _, child := range node.Children {
		ic := &InterfaceConfig{Name: child.Name()}
		for _, prop := range child.Children {
			switch prop.Name() {
			case "program":
				p := strings.ToLower(prop.Arg(0))
				if !programs[p] {
					return fmt.Errorf("line %d: %s: unknown program %q", prop.Line, ic.Name, prop.Arg(0))
				}
				ic.Program = p
			default:
				return fmt.Errorf("line %d: %s: unknown option %q", prop.Line, ic.Name, prop.Name())
			}
		}
		ifaces[ic.Name] = ic
	}
	return nil
}

func compileTunnels(node *Node) ([]*TunnelFlow, error) {
	var flows []*TunnelFlow
	seen := make(map[string]bool)
	for _, child := range node.Children {
		if child.Name() != "flow" {
			return nil, fmt.Errorf("line %d: unknown statement %q", child.Line, child.Name())
		}
		f, err := compileFlow(child)
		if err != nil {
			return nil, err
		}
		if seen[f.Key()] {
			return nil, fmt.Errorf("line %d: duplicate flow %s", child.Line, f.Key())
		}
		seen[f.Key()] = true
		flows = append(flows, f)
	}
	return flows, nil
}

func compileFlow(node *Node) (*TunnelFlow, error) {
	if len(node.Keys) != 3 {
		return nil, fmt.Errorf("line %d: flow needs a source and a destination address", node.Line)
	}
	f := &TunnelFlow{Source: node.Keys[1], Destination: node.Keys[2], Type: "none"}
	for _, addr := range []string{f.Source, f.Destination} {
		if err := checkIPv4(addr); err != nil {
			return nil, fmt.Errorf("line %d: flow: %w", node.Line, err)
		}
	}

	for _, prop := range node.Children {
		val := prop.Arg(0)
		var err error
		switch prop.Name() {
		case "type":
			f.Type = strings.ToLower(val)
			if !tunnelTypes[f.Type] {
				err = fmt.Errorf("unknown tunnel type %q", val)
			}
		case "vlan-id":
			var n uint64
			n, err = strconv.ParseUint(val, 10, 12)
			f.VLANID = uint16(n)
		case "vni":
			var n uint64
			n, err = strconv.ParseUint(val, 10, 24)
			f.VNI = uint32(n)
		case "source-port":
			var n uint64
			n, err = strconv.ParseUint(val, 10, 16)
			f.SourcePort = uint16(n)
		case "source-ip":
			f.SourceIP, err = val, checkIPv4(val)
		case "destination-ip":
			f.DestinationIP, err = val, checkIPv4(val)
		case "source-mac":
			f.SourceMAC, err = val, checkMAC(val)
		case "destination-mac":
			f.DestinationMAC, err = val, checkMAC(val)
		case "inner-destination-mac":
			f.InnerDestinationMAC, err = val, checkMAC(val)
		case "redirect":
			f.Redirect = true
		case "redirect-interface":
			f.Redirect = true
			f.RedirectInterface = val
		case "debug":
			f.Debug = true
		default:
			err = fmt.Errorf("unknown option %q", prop.Name())
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: flow %s: %s: %w", prop.Line, f.Key(), prop.Name(), err)
		}
	}

	if err := ValidateFlow(f); err != nil {
		return nil, fmt.Errorf("line %d: %w", node.Line, err)
	}
	return f, nil
}

// ValidateFlow checks a flow built outside the parser, such as one sent
// by a management client. An empty type means none.
func ValidateFlow(f *TunnelFlow) error {
	for _, addr := range []string{f.Source, f.Destination} {
		if err := checkIPv4(addr); err != nil {
			return fmt.Errorf("flow: %w", err)
		}
	}
	if f.Type == "" {
		f.Type = "none"
	}
	f.Type = strings.ToLower(f.Type)
	if !tunnelTypes[f.Type] {
		return fmt.Errorf("flow %s: unknown tunnel type %q", f.Key(), f.Type)
	}
	if f.VLANID > 0xfff {
		return fmt.Errorf("flow %s: vlan-id %d out of range", f.Key(), f.VLANID)
	}
	if f.VNI > 0xffffff {
		return fmt.Errorf("flow %s: vni %d out of range", f.Key(), f.VNI)
	}
	for _, ip := range []string{f.SourceIP, f.DestinationIP} {
		if ip == "" {
			continue
		}
		if err := checkIPv4(ip); err != nil {
			return fmt.Errorf("flow %s: %w", f.Key(), err)
		}
	}
	for _, mac := range []string{f.SourceMAC, f.DestinationMAC, f.InnerDestinationMAC} {
		if mac == "" {
			continue
		}
		if err := checkMAC(mac); err != nil {
			return fmt.Errorf("flow %s: %w", f.Key(), err)
		}
	}
	if f.Type == "geneve" {
		for _, req := range []struct{ name, v string }{
			{"source-ip", f.SourceIP}, {"destination-ip", f.DestinationIP},
			{"source-mac", f.SourceMAC}, {"destination-mac", f.DestinationMAC},
		} {
			if req.v == "" {
				return fmt.Errorf("flow %s: geneve tunnel requires %s", f.Key(), req.name)
			}
		}
	}
	if f.RedirectInterface != "" {
		f.Redirect = true
	}
	return nil
}

func compileRedirect(node *Node, rc *RedirectConfig) error {
	for _, child := range node.Children {
		switch child.Name() {
		case "destination":
			// destination <addr> group <n>
			if len(child.Keys) != 4 || child.Keys[2] != "group" {
				return fmt.Errorf("line %d: expected \"destination <address> group <index>\"", child.Line)
			}
			if err := checkIPv4(child.Keys[1]); err != nil {
				return fmt.Errorf("line %d: %w", child.Line, err)
			}
			g, err := strconv.ParseUint(child.Keys[3], 10, 32)
			if err != nil {
				return fmt.Errorf("line %d: invalid group %q", child.Line, child.Keys[3])
			}
			rc.Destinations[child.Keys[1]] = uint32(g)
		case "group":
			// group <n> interface <name>
			if len(child.Keys) != 4 || child.Keys[2] != "interface" {
				return fmt.Errorf("line %d: expected \"group <index> interface <name>\"", child.Line)
			}
			g, err := strconv.ParseUint(child.Keys[1], 10, 32)
			if err != nil {
				return fmt.Errorf("line %d: invalid group %q", child.Line, child.Keys[1])
			}
			rc.Groups[uint32(g)] = child.Keys[3]
		case "ingress":
			// ingress <name> egress <name>
			if len(child.Keys) != 4 || child.Keys[2] != "egress" {
				return fmt.Errorf("line %d: expected \"ingress <interface> egress <interface>\"", child.Line)
			}
			rc.Ingress[child.Keys[1]] = child.Keys[3]
		default:
			return fmt.Errorf("line %d: unknown statement %q", child.Line, child.Name())
		}
	}
	return nil
}

func compileAPI(node *Node, api *APIConfig) error {
	for _, child := range node.Children {
		if child.Name() == "api-key" {
			if child.Arg(0) == "" {
				return fmt.Errorf("line %d: api-key needs a value", child.Line)
			}
			api.APIKeys = append(api.APIKeys, child.Arg(0))
			continue
		}
		addr := child.Arg(0)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("line %d: %s: %w", child.Line, child.Name(), err)
		}
		switch child.Name() {
		case "http":
			api.HTTPAddr = addr
		case "grpc":
			api.GRPCAddr = addr
		default:
			return fmt.Errorf("line %d: unknown option %q", child.Line, child.Name())
		}
	}
	return nil
}

func checkIPv4(s string) error {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("invalid IPv4 address %q", s)
	}
	return nil
}

func checkMAC(s string) error {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return fmt.Errorf("invalid MAC address %q", s)
	}
	return nil
}
