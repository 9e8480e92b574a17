// mptmctl is the remote client for mptmd.
//
// Each subcommand runs one request against the daemon's gRPC API; the
// shell subcommand opens the interactive CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mptm-gw/mptm/pkg/cli"
	"github.com/mptm-gw/mptm/pkg/grpcapi"
)

var (
	addr   string
	apiKey string
)

var rootCmd = &cobra.Command{
	Use:           "mptmctl",
	Short:         "Control the mptm tunnel gateway daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:50051", "mptmd gRPC address")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("MPTM_API_KEY"), "API key sent with every request")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mptmctl: %v\n", cli.ErrorMessage(err))
		os.Exit(1)
	}
}

// session is a connected client with a non-interactive CLI on stdout.
type session struct {
	client *grpcapi.Client
	cli    *cli.CLI
}

func connect() (*session, error) {
	client, err := grpcapi.Dial(addr, apiKey)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &session{client: client, cli: cli.New(client, os.Stdout)}, nil
}

func (s *session) Close() error { return s.client.Close() }

// withSession runs fn against a fresh connection.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	s, err := connect()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(cmd.Context(), s)
}

// runLine executes a shell command line.
func runLine(line string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			return s.cli.Execute(ctx, line)
		})
	}
}
