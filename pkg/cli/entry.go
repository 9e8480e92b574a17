package cli

import (
	"fmt"
	"strconv"

	"github.com/mptm-gw/mptm/pkg/config"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/grpcapi"
)

// ParseEntry builds an entry request from command words:
//
//	tunnel <src> <dst> [type T] [vlan-id N] [vni N] [source-port N]
//	       [source-ip A] [destination-ip A] [source-mac M]
//	       [destination-mac M] [inner-destination-mac M]
//	       [redirect-interface IF] [redirect] [debug]
//	redirect <dst> [group N]
//	group <n> [ifindex N]
//	iface <ingress-ifindex> [egress N]
//
// Options are only accepted when adding.
func ParseEntry(action dataplane.MapAction, args []string) (dataplane.EntryRequest, error) {
	if len(args) == 0 {
		return dataplane.EntryRequest{}, fmt.Errorf("missing table")
	}
	table, err := dataplane.CanonicalTable(args[0])
	if err != nil {
		return dataplane.EntryRequest{}, err
	}
	req := dataplane.EntryRequest{Table: table, Action: action}
	args = args[1:]

	switch table {
	case dataplane.TableTunnel:
		if len(args) < 2 {
			return req, fmt.Errorf("tunnel: source and destination required")
		}
		req.Flow = &config.TunnelFlow{Source: args[0], Destination: args[1]}
		args = args[2:]
		if len(args) > 0 && action != dataplane.MapAdd {
			return req, fmt.Errorf("unexpected %q", args[0])
		}
		return req, parseFlowOptions(req.Flow, args)

	case dataplane.TableRedirect:
		if len(args) < 1 {
			return req, fmt.Errorf("redirect: destination required")
		}
		req.Destination = args[0]
		return req, parseKeyValue(action, args[1:], "group", &req.Group)

	case dataplane.TableGroup:
		if len(args) < 1 {
			return req, fmt.Errorf("group: index required")
		}
		if req.Group, err = parseUint32(args[0]); err != nil {
			return req, fmt.Errorf("group: %w", err)
		}
		return req, parseKeyValue(action, args[1:], "ifindex", &req.Ifindex)

	default:
		if len(args) < 1 {
			return req, fmt.Errorf("iface: ingress ifindex required")
		}
		if req.Ingress, err = parseUint32(args[0]); err != nil {
			return req, fmt.Errorf("iface: %w", err)
		}
		return req, parseKeyValue(action, args[1:], "egress", &req.Ifindex)
	}
}

// parseKeyValue reads the single "<key> <n>" option of an add.
func parseKeyValue(action dataplane.MapAction, args []string, key string, dst *uint32) error {
	if action != dataplane.MapAdd {
		if len(args) > 0 {
			return fmt.Errorf("unexpected %q", args[0])
		}
		return nil
	}
	if len(args) != 2 || args[0] != key {
		return fmt.Errorf("add requires %q <value>", key)
	}
	v, err := parseUint32(args[1])
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(v), nil
}

func parseFlowOptions(f *config.TunnelFlow, args []string) error {
	for i := 0; i < len(args); i++ {
		key := args[i]
		switch key {
		case "redirect":
			f.Redirect = true
			continue
		case "debug":
			f.Debug = true
			continue
		}
		if i+1 >= len(args) {
			return fmt.Errorf("%s: missing value", key)
		}
		val := args[i+1]
		i++
		switch key {
		case "type":
			f.Type = val
		case "vlan-id":
			n, err := strconv.ParseUint(val, 10, 16)
			if err != nil {
				return fmt.Errorf("vlan-id: invalid number %q", val)
			}
			f.VLANID = uint16(n)
		case "vni":
			n, err := parseUint32(val)
			if err != nil {
				return fmt.Errorf("vni: %w", err)
			}
			f.VNI = n
		case "source-port":
			n, err := strconv.ParseUint(val, 10, 16)
			if err != nil {
				return fmt.Errorf("source-port: invalid number %q", val)
			}
			f.SourcePort = uint16(n)
		case "source-ip":
			f.SourceIP = val
		case "destination-ip":
			f.DestinationIP = val
		case "source-mac":
			f.SourceMAC = val
		case "destination-mac":
			f.DestinationMAC = val
		case "inner-destination-mac":
			f.InnerDestinationMAC = val
		case "redirect-interface":
			f.RedirectInterface = val
		default:
			return fmt.Errorf("unknown tunnel option %q", key)
		}
	}
	return nil
}

// ParseTrace builds a trace request from "program P", "type T",
// "address A" and "limit N" pairs.
func ParseTrace(args []string) (grpcapi.TraceRequest, error) {
	var req grpcapi.TraceRequest
	if len(args)%2 != 0 {
		return req, fmt.Errorf("%s: missing value", args[len(args)-1])
	}
	for i := 0; i < len(args); i += 2 {
		val := args[i+1]
		switch args[i] {
		case "program":
			req.Program = val
		case "type":
			req.Type = val
		case "address":
			req.Addr = val
		case "limit":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return req, fmt.Errorf("limit: invalid count %q", val)
			}
			req.Limit = n
		default:
			return req, fmt.Errorf("unknown trace filter %q", args[i])
		}
	}
	return req, nil
}
