// Package cli implements the Junos-style interactive shell of mptm. It
// talks to the daemon through a Controller, normally the gRPC client.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"google.golang.org/grpc/status"

	"github.com/mptm-gw/mptm/pkg/api"
	"github.com/mptm-gw/mptm/pkg/cmdtree"
	"github.com/mptm-gw/mptm/pkg/config"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/grpcapi"
	"github.com/mptm-gw/mptm/pkg/logging"
)

// Controller is the daemon control surface the shell drives.
type Controller interface {
	Status(ctx context.Context) (*api.StatusResponse, error)
	Entry(ctx context.Context, req dataplane.EntryRequest) (any, error)
	Tunnels(ctx context.Context) ([]dataplane.TunnelEntry, error)
	Redirects(ctx context.Context) (*dataplane.RedirectView, error)
	Statistics(ctx context.Context) (*api.StatisticsResponse, error)
	Trace(ctx context.Context, req grpcapi.TraceRequest) ([]logging.EventRecord, error)
	StreamTrace(ctx context.Context, req grpcapi.TraceRequest, fn func(logging.EventRecord) error) error
	Configure(ctx context.Context, req grpcapi.ConfigRequest) (*grpcapi.ConfigResult, error)
}

var _ Controller = (*grpcapi.Client)(nil)

const defaultTimeout = 10 * time.Second

// CLI is the interactive command-line interface.
type CLI struct {
	ctrl       Controller
	out        io.Writer
	errOut     io.Writer
	rl         *readline.Instance
	configMode bool
	cfg        *config.Config // active configuration, for completion
	timeout    time.Duration
	hostname   string
	username   string
}

// New creates a CLI writing to out.
func New(ctrl Controller, out io.Writer) *CLI {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "mptm"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "root"
	}
	return &CLI{
		ctrl:     ctrl,
		out:      out,
		errOut:   os.Stderr,
		timeout:  defaultTimeout,
		hostname: hostname,
		username: username,
	}
}

// Run starts the interactive CLI loop.
func (c *CLI) Run(ctx context.Context) error {
	c.Sync(ctx)

	var err error
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     "/tmp/mptm_history",
		AutoComplete:    &completer{cli: c},
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer c.rl.Close()
	c.out = c.rl.Stdout()
	c.errOut = c.rl.Stderr()

	fmt.Fprintln(c.out, "mptm tunnel gateway")
	fmt.Fprintln(c.out, "Type '?' for help")
	fmt.Fprintln(c.out)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			return err
		}
		if err := c.Execute(ctx, line); err != nil {
			if err == errExit {
				return nil
			}
			fmt.Fprintf(c.errOut, "error: %s\n", ErrorMessage(err))
		}
	}
	return nil
}

var errExit = errors.New("exit")

// ErrorMessage strips the RPC status wrapping from err.
func ErrorMessage(err error) string {
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}

// Sync picks up the daemon's configuration mode and refreshes the
// configuration used for completion.
func (c *CLI) Sync(ctx context.Context) {
	if res, err := c.configure(ctx, grpcapi.ConfigRequest{Op: grpcapi.OpStatus}); err == nil {
		c.setConfigMode(res.ConfigMode)
	}
	c.refreshConfig(ctx)
}

func (c *CLI) refreshConfig(ctx context.Context) {
	res, err := c.configure(ctx, grpcapi.ConfigRequest{Op: grpcapi.OpShow})
	if err != nil {
		return
	}
	if cfg, err := config.Parse(res.Output); err == nil {
		c.cfg = cfg
	}
}

func (c *CLI) configure(ctx context.Context, req grpcapi.ConfigRequest) (*grpcapi.ConfigResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.ctrl.Configure(ctx, req)
}

func (c *CLI) setConfigMode(on bool) {
	c.configMode = on
	if c.rl != nil {
		c.rl.SetPrompt(c.prompt())
	}
}

// ConfigMode reports whether the shell is in configuration mode.
func (c *CLI) ConfigMode() bool { return c.configMode }

// Execute runs one command line. A trailing "?" lists the possible
// completions instead; "| filter" suffixes post-process the output.
func (c *CLI) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasSuffix(line, "?") {
		c.help(strings.TrimSuffix(line, "?"))
		return nil
	}

	cmd, pipes := splitPipes(line)
	cmd, pipes = displayPipes(cmd, pipes, c.configMode)
	filters, err := parseFilters(pipes)
	if err != nil {
		return err
	}
	words := strings.Fields(cmd)
	if len(words) == 0 {
		return fmt.Errorf("missing command")
	}

	if monitorCommand(words, c.configMode) {
		return c.monitor(ctx, words, filters)
	}

	var buf bytes.Buffer
	if c.configMode {
		err = c.dispatchConfig(ctx, words, &buf)
	} else {
		err = c.dispatchOperational(ctx, words, &buf)
	}
	io.WriteString(c.out, filters.apply(buf.String()))
	return err
}

func (c *CLI) dispatchOperational(ctx context.Context, parts []string, w io.Writer) error {
	switch parts[0] {
	case "configure":
		if _, err := c.configure(ctx, grpcapi.ConfigRequest{Op: grpcapi.OpEnter}); err != nil {
			return err
		}
		c.setConfigMode(true)
		fmt.Fprintln(w, "Entering configuration mode")
		return nil

	case "show":
		return c.handleShow(ctx, parts[1:], w)

	case "entry":
		return c.handleEntry(ctx, parts[1:], w)

	case "quit", "exit":
		return errExit

	case "help":
		cmdtree.PrintTreeHelp(w, "Operational mode commands:", cmdtree.OperationalTree)
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *CLI) dispatchConfig(ctx context.Context, parts []string, w io.Writer) error {
	switch parts[0] {
	case "set", "delete":
		if len(parts) < 2 {
			return fmt.Errorf("%s: missing path", parts[0])
		}
		op := grpcapi.OpSet
		if parts[0] == "delete" {
			op = grpcapi.OpDelete
		}
		_, err := c.configure(ctx, grpcapi.ConfigRequest{Op: op, Input: strings.Join(parts[1:], " ")})
		return err

	case "show":
		op := grpcapi.OpShow
		if len(parts) > 1 && parts[1] == "set" {
			op = grpcapi.OpShowSet
		}
		res, err := c.configure(ctx, grpcapi.ConfigRequest{Op: op, Candidate: true})
		if err != nil {
			return err
		}
		io.WriteString(w, res.Output)
		return nil

	case "compare":
		res, err := c.configure(ctx, grpcapi.ConfigRequest{Op: grpcapi.OpCompare})
		if err != nil {
			return err
		}
		io.WriteString(w, res.Output)
		return nil

	case "commit":
		return c.handleCommit(ctx, parts[1:], w)

	case "rollback":
		n := 0
		if len(parts) >= 2 {
			var err error
			if n, err = strconv.Atoi(parts[1]); err != nil || n < 0 {
				return fmt.Errorf("rollback: invalid index %q", parts[1])
			}
		}
		if _, err := c.configure(ctx, grpcapi.ConfigRequest{Op: grpcapi.OpRollback, N: n}); err != nil {
			return err
		}
		fmt.Fprintln(w, "load complete")
		return nil

	case "run":
		if len(parts) < 2 {
			return fmt.Errorf("run: missing command")
		}
		if parts[1] == "configure" {
			return fmt.Errorf("already in configuration mode")
		}
		return c.dispatchOperational(ctx, parts[1:], w)

	case "exit", "quit":
		res, err := c.configure(ctx, grpcapi.ConfigRequest{Op: grpcapi.OpStatus})
		if err == nil && res.Dirty {
			fmt.Fprintln(w, "warning: uncommitted changes will be discarded")
		}
		if _, err := c.configure(ctx, grpcapi.ConfigRequest{Op: grpcapi.OpExit}); err != nil {
			return err
		}
		c.setConfigMode(false)
		fmt.Fprintln(w, "Exiting configuration mode")
		return nil

	case "help":
		cmdtree.PrintTreeHelp(w, "Configuration mode commands:", cmdtree.ConfigTopLevel)
		return nil

	default:
		return fmt.Errorf("unknown command: %s (in configuration mode)", parts[0])
	}
}

func (c *CLI) handleCommit(ctx context.Context, args []string, w io.Writer) error {
	req := grpcapi.ConfigRequest{Op: grpcapi.OpCommit}
	switch {
	case len(args) == 0:
	case args[0] == "check" && len(args) == 1:
		req.Op = grpcapi.OpCommitCheck
	case args[0] == "comment" && len(args) > 1:
		req.Comment = strings.Trim(strings.Join(args[1:], " "), `"`)
	default:
		return fmt.Errorf("commit: unexpected %q", strings.Join(args, " "))
	}

	res, err := c.configure(ctx, req)
	if err != nil {
		if req.Op == grpcapi.OpCommitCheck {
			return fmt.Errorf("commit check failed: %s", ErrorMessage(err))
		}
		return fmt.Errorf("commit failed: %s", ErrorMessage(err))
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if req.Op == grpcapi.OpCommitCheck {
		fmt.Fprintln(w, "configuration check succeeds")
		return nil
	}
	c.refreshConfig(ctx)
	fmt.Fprintln(w, "commit complete")
	return nil
}

func (c *CLI) prompt() string {
	if c.configMode {
		return fmt.Sprintf("[edit]\n%s@%s# ", c.username, c.hostname)
	}
	return fmt.Sprintf("%s@%s> ", c.username, c.hostname)
}

// help lists what may follow the words of prefix.
func (c *CLI) help(prefix string) {
	words := strings.Fields(prefix)
	partial := ""
	if len(words) > 0 && !strings.HasSuffix(prefix, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	candidates := c.candidates(words, partial)
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "No completions")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}
