package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mptm-gw/mptm/pkg/cli"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/grpcapi"
)

var jsonOutput bool

func init() {
	for _, c := range []*cobra.Command{statusCmd, tunnelsCmd, redirectsCmd, statsCmd, entryCmd} {
		c.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print the raw response as JSON")
	}
	traceCmd.Flags().BoolP("follow", "f", false, "stream new events until interrupted")

	configCmd.AddCommand(configShowCmd, configSetCmd, configDeleteCmd, configCompareCmd,
		configCommitCmd, configRollbackCmd, configHistoryCmd)
	configShowCmd.Flags().Bool("set", false, "show as set commands")
	configCommitCmd.Flags().Bool("check", false, "validate without applying")
	configCommitCmd.Flags().StringP("comment", "m", "", "commit comment")

	rootCmd.AddCommand(statusCmd, tunnelsCmd, redirectsCmd, statsCmd, traceCmd,
		entryCmd, configCmd, shellCmd)
}

// printJSON writes v indented to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// query prints fetch's result as JSON with --json, or runs line otherwise.
func query(line string, fetch func(context.Context, *grpcapi.Client) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if !jsonOutput {
				return s.cli.Execute(ctx, line)
			}
			v, err := fetch(ctx, s.client)
			if err != nil {
				return err
			}
			return printJSON(v)
		})
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: query("show status", func(ctx context.Context, c *grpcapi.Client) (any, error) {
		return c.Status(ctx)
	}),
}

var tunnelsCmd = &cobra.Command{
	Use:   "tunnels",
	Short: "List the tunnel table",
	Args:  cobra.NoArgs,
	RunE: query("show tunnels", func(ctx context.Context, c *grpcapi.Client) (any, error) {
		return c.Tunnels(ctx)
	}),
}

var redirectsCmd = &cobra.Command{
	Use:   "redirects",
	Short: "List the redirect, group and interface tables",
	Args:  cobra.NoArgs,
	RunE: query("show redirects", func(ctx context.Context, c *grpcapi.Client) (any, error) {
		return c.Redirects(ctx)
	}),
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	Aliases: []string{"statistics"},
	Short:   "Show per-action packet counters",
	Args:    cobra.NoArgs,
	RunE: query("show statistics", func(ctx context.Context, c *grpcapi.Client) (any, error) {
		return c.Statistics(ctx)
	}),
}

var traceCmd = &cobra.Command{
	Use:   "trace [program P] [type T] [address A] [limit N]",
	Short: "Show recent packet-path events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := cli.ParseTrace(args); err != nil {
			return err
		}
		line := "show trace"
		if follow, _ := cmd.Flags().GetBool("follow"); follow {
			line = "monitor trace"
		}
		return runLine(strings.TrimSpace(line+" "+strings.Join(args, " ")))(cmd, args)
	},
}

var entryCmd = &cobra.Command{
	Use:   "entry add|delete|get <table> <key> [options]",
	Short: "Operate on a single table entry",
	Long: `Operate on a single dataplane table entry.

Tables:
  tunnel <source> <destination> [type vlan|geneve|none] [vlan-id N] [vni N] ...
  redirect <destination> [group N]
  group <index> [ifindex N]
  iface <ingress-ifindex> [egress N]`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := dataplane.ParseMapAction(args[0])
		if err != nil {
			return err
		}
		req, err := cli.ParseEntry(action, args[1:])
		if err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if !jsonOutput {
				return s.cli.Execute(ctx, "entry "+strings.Join(args, " "))
			}
			v, err := s.client.Entry(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(v)
		})
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open the interactive CLI",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if _, err := s.client.Status(ctx); err != nil {
				return fmt.Errorf("cannot reach mptmd at %s: %s", addr, cli.ErrorMessage(err))
			}
			return s.cli.Run(ctx)
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Edit and commit the daemon configuration",
}

// inConfigMode runs line with the daemon in configuration mode, entering
// it first when needed.
func inConfigMode(cmd *cobra.Command, line string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		s.cli.Sync(ctx)
		if !s.cli.ConfigMode() {
			if _, err := s.client.Configure(ctx, grpcapi.ConfigRequest{Op: grpcapi.OpEnter}); err != nil {
				return err
			}
			s.cli.Sync(ctx)
		}
		return s.cli.Execute(ctx, line)
	})
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line := "show configuration"
		if set, _ := cmd.Flags().GetBool("set"); set {
			line += " set"
		}
		return runLine(line)(cmd, args)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <path...>",
	Short: "Set a statement in the candidate configuration",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inConfigMode(cmd, "set "+strings.Join(args, " "))
	},
}

var configDeleteCmd = &cobra.Command{
	Use:   "delete <path...>",
	Short: "Delete a statement from the candidate configuration",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inConfigMode(cmd, "delete "+strings.Join(args, " "))
	},
}

var configCompareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Show the candidate changes against the active configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return inConfigMode(cmd, "compare")
	},
}

var configCommitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit the candidate configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		line := "commit"
		if check, _ := cmd.Flags().GetBool("check"); check {
			line += " check"
		} else if comment, _ := cmd.Flags().GetString("comment"); comment != "" {
			line += fmt.Sprintf(" comment %q", comment)
		}
		return inConfigMode(cmd, line)
	},
}

var configRollbackCmd = &cobra.Command{
	Use:   "rollback [n]",
	Short: "Load a previous configuration into the candidate",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inConfigMode(cmd, strings.TrimSpace("rollback "+strings.Join(args, " ")))
	},
}

var configHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List the commit history",
	Args:  cobra.NoArgs,
	RunE:  runLine("show history"),
}
