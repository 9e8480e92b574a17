package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/mptm-gw/mptm/pkg/api"
	"github.com/mptm-gw/mptm/pkg/cmdtree"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/grpcapi"
	"github.com/mptm-gw/mptm/pkg/logging"
)

func (c *CLI) handleShow(ctx context.Context, args []string, w io.Writer) error {
	if len(args) == 0 {
		cmdtree.PrintTreeHelp(w, "show: specify what to show", cmdtree.OperationalTree, "show")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch args[0] {
	case "status":
		st, err := c.ctrl.Status(ctx)
		if err != nil {
			return err
		}
		writeStatus(w, st)
		return nil

	case "tunnels":
		tunnels, err := c.ctrl.Tunnels(ctx)
		if err != nil {
			return err
		}
		writeTunnels(w, tunnels)
		return nil

	case "redirects":
		view, err := c.ctrl.Redirects(ctx)
		if err != nil {
			return err
		}
		writeRedirects(w, view)
		return nil

	case "statistics":
		st, err := c.ctrl.Statistics(ctx)
		if err != nil {
			return err
		}
		writeStatistics(w, st)
		return nil

	case "trace":
		req, err := ParseTrace(args[1:])
		if err != nil {
			return err
		}
		events, err := c.ctrl.Trace(ctx, req)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(w, "No trace events")
			return nil
		}
		for i := len(events) - 1; i >= 0; i-- {
			fmt.Fprintln(w, formatEvent(events[i]))
		}
		return nil

	case "configuration":
		op := grpcapi.OpShow
		if len(args) > 1 && args[1] == "set" {
			op = grpcapi.OpShowSet
		}
		res, err := c.ctrl.Configure(ctx, grpcapi.ConfigRequest{Op: op})
		if err != nil {
			return err
		}
		io.WriteString(w, res.Output)
		return nil

	case "history":
		res, err := c.ctrl.Configure(ctx, grpcapi.ConfigRequest{Op: grpcapi.OpHistory})
		if err != nil {
			return err
		}
		if len(res.History) == 0 {
			fmt.Fprintln(w, "No commit history")
			return nil
		}
		fmt.Fprintf(w, "%-6s %-7s %-25s %-8s %-10s %-7s %s\n",
			"Index", "Commit", "Replaced at", "Tunnels", "Redirects", "Groups", "Comment")
		for _, h := range res.History {
			fmt.Fprintf(w, "%-6d %-7d %-25s %-8d %-10d %-7d %s\n",
				h.Index, h.Commit, h.Timestamp, h.Tunnels, h.Redirects, h.Groups, h.Comment)
		}
		return nil

	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (c *CLI) handleEntry(ctx context.Context, args []string, w io.Writer) error {
	if len(args) == 0 {
		cmdtree.PrintTreeHelp(w, "entry: specify an operation", cmdtree.OperationalTree, "entry")
		return nil
	}
	var action dataplane.MapAction
	if err := action.UnmarshalText([]byte(args[0])); err != nil {
		return err
	}
	req, err := ParseEntry(action, args[1:])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	v, err := c.ctrl.Entry(ctx, req)
	if err != nil {
		return err
	}
	if v == nil {
		fmt.Fprintln(w, "entry deleted")
		return nil
	}
	writeEntry(w, v)
	return nil
}

func monitorCommand(words []string, configMode bool) bool {
	if configMode {
		if len(words) < 2 || words[0] != "run" {
			return false
		}
		words = words[1:]
	}
	return len(words) >= 2 && words[0] == "monitor" && words[1] == "trace"
}

// monitor follows trace events until interrupted.
func (c *CLI) monitor(ctx context.Context, words []string, filters filterChain) error {
	if words[0] == "run" {
		words = words[1:]
	}
	if !filters.lineOnly() {
		return fmt.Errorf("monitor: only match and except filters apply")
	}
	req, err := ParseTrace(words[2:])
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	fmt.Fprintln(c.out, "Monitoring trace events, Ctrl-C to stop")
	err = c.ctrl.StreamTrace(ctx, req, func(ev logging.EventRecord) error {
		if line := formatEvent(ev); filters.keep(line) {
			fmt.Fprintln(c.out, line)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func writeStatus(w io.Writer, st *api.StatusResponse) {
	fmt.Fprintf(w, "Uptime:             %s\n", st.Uptime)
	fmt.Fprintf(w, "Dataplane:          %s\n", loadedWord(st.DataplaneLoaded))
	fmt.Fprintf(w, "Configuration:      %s\n", loadedWord(st.ConfigLoaded))
	fmt.Fprintf(w, "Tunnel entries:     %d\n", st.TunnelCount)
	fmt.Fprintf(w, "Attached programs:  %d\n", st.AttachedCount)
	fmt.Fprintf(w, "Trace events:       %d\n", st.EventsTotal)
}

func loadedWord(ok bool) string {
	if ok {
		return "loaded"
	}
	return "not loaded"
}

func writeTunnels(w io.Writer, tunnels []dataplane.TunnelEntry) {
	if len(tunnels) == 0 {
		fmt.Fprintln(w, "No tunnel entries")
		return
	}
	fmt.Fprintf(w, "%-15s %-15s %-7s %-5s %-8s %-15s %-15s %s\n",
		"Source", "Destination", "Type", "VLAN", "VNI", "Outer source", "Outer dest", "Redirect")
	for _, t := range tunnels {
		fmt.Fprintf(w, "%-15s %-15s %-7s %-5s %-8s %-15s %-15s %s\n",
			t.Source, t.Destination, t.Type,
			dashIfZero(uint64(t.VLANID)), dashIfZero(uint64(t.VNI)),
			dashIfEmpty(t.SourceIP), dashIfEmpty(t.DestinationIP), redirectWord(t))
	}
}

func redirectWord(t dataplane.TunnelEntry) string {
	switch {
	case !t.Redirect:
		return "-"
	case t.RedirectIfindex != 0:
		return dataplane.FormatIfindex(t.RedirectIfindex)
	default:
		return "group"
	}
}

func dashIfZero(v uint64) string {
	if v == 0 {
		return "-"
	}
	return strconv.FormatUint(v, 10)
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeRedirects(w io.Writer, v *dataplane.RedirectView) {
	fmt.Fprintln(w, "Destination redirects:")
	if len(v.Destinations) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, d := range v.Destinations {
		fmt.Fprintf(w, "  %-15s -> group %d\n", d.Destination, d.Group)
	}
	fmt.Fprintln(w, "Interface groups:")
	if len(v.Groups) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, g := range v.Groups {
		fmt.Fprintf(w, "  group %-8d -> %s\n", g.Group, ifaceLabel(g.Ifindex, g.Interface))
	}
	fmt.Fprintln(w, "Interface redirects:")
	if len(v.Interfaces) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, r := range v.Interfaces {
		fmt.Fprintf(w, "  %-20s -> %s\n", ifaceLabel(r.Ingress, r.IngressInterface), ifaceLabel(r.Egress, r.EgressInterface))
	}
}

func ifaceLabel(ifindex uint32, name string) string {
	if name == "" {
		return strconv.FormatUint(uint64(ifindex), 10)
	}
	return fmt.Sprintf("%s (%d)", name, ifindex)
}

func writeStatistics(w io.Writer, st *api.StatisticsResponse) {
	fmt.Fprintf(w, "%-12s %20s %20s\n", "Action", "Packets", "Bytes")
	for _, a := range st.Actions {
		fmt.Fprintf(w, "%-12s %20d %20d\n", a.Action, a.Packets, a.Bytes)
	}
	if len(st.Tables) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-24s %10s %10s\n", "Table", "Entries", "Max")
	for _, t := range st.Tables {
		fmt.Fprintf(w, "%-24s %10d %10d\n", t.Name, t.Entries, t.MaxEntries)
	}
}

func writeEntry(w io.Writer, v any) {
	switch e := v.(type) {
	case *dataplane.TunnelEntry:
		writeTunnelEntry(w, e)
	case dataplane.TunnelEntry:
		writeTunnelEntry(w, &e)
	case *dataplane.RedirectEntry:
		fmt.Fprintf(w, "Destination %s -> group %d\n", e.Destination, e.Group)
	case dataplane.RedirectEntry:
		fmt.Fprintf(w, "Destination %s -> group %d\n", e.Destination, e.Group)
	case *dataplane.GroupEntry:
		fmt.Fprintf(w, "Group %d -> %s\n", e.Group, ifaceLabel(e.Ifindex, e.Interface))
	case dataplane.GroupEntry:
		fmt.Fprintf(w, "Group %d -> %s\n", e.Group, ifaceLabel(e.Ifindex, e.Interface))
	case *dataplane.IfaceRedirectEntry:
		fmt.Fprintf(w, "Ingress %s -> %s\n", ifaceLabel(e.Ingress, e.IngressInterface), ifaceLabel(e.Egress, e.EgressInterface))
	case dataplane.IfaceRedirectEntry:
		fmt.Fprintf(w, "Ingress %s -> %s\n", ifaceLabel(e.Ingress, e.IngressInterface), ifaceLabel(e.Egress, e.EgressInterface))
	default:
		fmt.Fprintf(w, "%+v\n", v)
	}
}

func writeTunnelEntry(w io.Writer, e *dataplane.TunnelEntry) {
	fmt.Fprintf(w, "Flow %s -> %s\n", e.Source, e.Destination)
	fmt.Fprintf(w, "  Type:                   %s\n", e.Type)
	if e.VLANID != 0 {
		fmt.Fprintf(w, "  VLAN ID:                %d\n", e.VLANID)
	}
	if e.VNI != 0 {
		fmt.Fprintf(w, "  VNI:                    %d\n", e.VNI)
	}
	if e.SourcePort != 0 {
		fmt.Fprintf(w, "  Source port:            %d\n", e.SourcePort)
	}
	if e.SourceIP != "" {
		fmt.Fprintf(w, "  Outer source:           %s (%s)\n", e.SourceIP, e.SourceMAC)
		fmt.Fprintf(w, "  Outer destination:      %s (%s)\n", e.DestinationIP, e.DestinationMAC)
	}
	if e.InnerDestinationMAC != "" && e.InnerDestinationMAC != "00:00:00:00:00:00" {
		fmt.Fprintf(w, "  Inner destination MAC:  %s\n", e.InnerDestinationMAC)
	}
	fmt.Fprintf(w, "  Redirect:               %s\n", redirectWord(*e))
	if e.Debug {
		fmt.Fprintln(w, "  Debug:                  on")
	}
}

func formatEvent(ev logging.EventRecord) string {
	line := fmt.Sprintf("%s %-8s %-20s %-8s", ev.Time.Format("15:04:05.000"), ev.Program, ev.Type, ev.Action)
	if ev.SrcAddr != "" || ev.DstAddr != "" {
		line += fmt.Sprintf(" %s -> %s", dashIfEmpty(ev.SrcAddr), dashIfEmpty(ev.DstAddr))
	}
	if ev.Ifindex != 0 {
		line += fmt.Sprintf(" if %d", ev.Ifindex)
	}
	if ev.Detail != "" {
		line += " " + ev.Detail
	}
	return line
}
