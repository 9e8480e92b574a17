// Package daemon implements the mptm daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mptm-gw/mptm/pkg/api"
	"github.com/mptm-gw/mptm/pkg/config"
	"github.com/mptm-gw/mptm/pkg/configstore"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/groupsync"
	"github.com/mptm-gw/mptm/pkg/grpcapi"
	"github.com/mptm-gw/mptm/pkg/logging"
)

// DefaultConfigFile is read when Options.ConfigFile is empty.
const DefaultConfigFile = "/etc/mptm/mptm.conf"

// Listen addresses used when neither the options nor the api block set one.
const (
	DefaultAPIAddr  = "127.0.0.1:8080"
	DefaultGRPCAddr = "127.0.0.1:50051"
)

const eventBufferSize = 1000

// Options configures the daemon.
type Options struct {
	ConfigFile  string
	NoDataplane bool // run without a dataplane (config-only mode)
	// APIAddr and GRPCAddr override the listeners of the api block.
	APIAddr  string
	GRPCAddr string
	// Syslog is the handler returned by logging.Setup. Its clients follow
	// the system syslog configuration. May be nil.
	Syslog *logging.SyslogHandler
	// Resolve maps interface names to ifindexes; nil uses netlink.
	Resolve dataplane.IfaceResolver
	// NewDataPlane creates the backend; nil uses dataplane.NewDataPlane.
	NewDataPlane func(dpType string, opts dataplane.Options) (dataplane.DataPlane, error)
}

// Daemon is the main mptm daemon.
type Daemon struct {
	opts     Options
	store    *configstore.Store
	dp       dataplane.DataPlane
	dpType   string
	eventBuf *logging.EventBuffer

	applyMu sync.Mutex
	syncer  *groupsync.Syncer // guarded by applyMu
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = DefaultConfigFile
	}
	if opts.Resolve == nil {
		opts.Resolve = dataplane.NetlinkResolver
	}
	if opts.NewDataPlane == nil {
		opts.NewDataPlane = dataplane.NewDataPlane
	}
	return &Daemon{
		opts:     opts,
		store:    configstore.New(opts.ConfigFile),
		eventBuf: logging.NewEventBuffer(eventBufferSize),
	}
}

// Run starts the daemon and blocks until ctx is cancelled or a
// termination signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting mptm daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	cfg, err := d.store.Load()
	if err != nil {
		slog.Warn("failed to load config, starting with empty config",
			"err", err)
		cfg = d.store.ActiveConfig()
	} else {
		slog.Info("configuration loaded", "file", d.opts.ConfigFile)
	}
	d.applySyslog(cfg)

	if !d.opts.NoDataplane {
		if err := d.openDataplane(cfg); err != nil {
			slog.Warn("failed to load dataplane, running in config-only mode",
				"err", err)
		} else if err := d.applyConfig(cfg); err != nil {
			slog.Warn("failed to apply configuration", "err", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)

	if d.dp != nil {
		syncer := groupsync.New(d.dp, d.store.ActiveConfig, d.opts.Resolve, cfg.System.GroupSyncInterval)
		d.applyMu.Lock()
		d.syncer = syncer
		d.applyMu.Unlock()
		g.Go(func() error {
			syncer.Run(gctx)
			return nil
		})
	}

	httpSrv := d.newAPIServer(cfg)
	g.Go(func() error {
		if err := httpSrv.Run(gctx); err != nil {
			return fmt.Errorf("HTTP API: %w", err)
		}
		return nil
	})
	grpcSrv := d.newGRPCServer(cfg)
	g.Go(func() error {
		if err := grpcSrv.Run(gctx); err != nil {
			return fmt.Errorf("gRPC: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				d.Reload()
			}
		}
	})

	runErr := g.Wait()
	if runErr == nil {
		slog.Info("signal received, shutting down")
	}

	if d.dp != nil {
		logFinalStats(d.dp)
		d.dp.Close()
	}
	if d.opts.Syslog != nil {
		d.opts.Syslog.SetClients(nil)
	}

	slog.Info("shutdown complete")
	return runErr
}

func (d *Daemon) newAPIServer(cfg *config.Config) *api.Server {
	return api.NewServer(api.Config{
		Addr:     firstNonEmpty(d.opts.APIAddr, cfg.API.HTTPAddr, DefaultAPIAddr),
		Auth:     api.NewAuthConfig(cfg.API.APIKeys),
		Store:    d.store,
		DP:       d.dp,
		EventBuf: d.eventBuf,
		Resolve:  d.opts.Resolve,
		ApplyFn:  d.applyConfig,
	})
}

func (d *Daemon) newGRPCServer(cfg *config.Config) *grpcapi.Server {
	addr := firstNonEmpty(d.opts.GRPCAddr, cfg.API.GRPCAddr, DefaultGRPCAddr)
	return grpcapi.NewServer(addr, grpcapi.Config{
		Store:    d.store,
		DP:       d.dp,
		EventBuf: d.eventBuf,
		Resolve:  d.opts.Resolve,
		ApplyFn:  d.applyConfig,
		APIKeys:  cfg.API.APIKeys,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// openDataplane creates and loads the backend named by the system block.
func (d *Daemon) openDataplane(cfg *config.Config) error {
	pinPath := cfg.System.PinPath
	if pinPath == "" {
		pinPath = dataplane.DefaultPinPath
	}
	dp, err := d.opts.NewDataPlane(cfg.System.DataplaneType, dataplane.Options{
		PinPath:    pinPath,
		ObjectPath: cfg.System.ObjectPath,
		Headroom:   cfg.System.Headroom,
		Events:     d.eventBuf,
	})
	if err != nil {
		return err
	}
	if err := dp.Load(); err != nil {
		return fmt.Errorf("load %s dataplane: %w", typeName(cfg.System.DataplaneType), err)
	}
	d.dp = dp
	d.dpType = cfg.System.DataplaneType
	slog.Info("dataplane loaded", "type", typeName(d.dpType), "pin_path", pinPath)
	return nil
}

func typeName(dpType string) string {
	if dpType == "" {
		return dataplane.TypeEBPF
	}
	return dpType
}

// applyConfig pushes a compiled configuration to the dataplane. It is
// also the commit callback of the API servers.
func (d *Daemon) applyConfig(cfg *config.Config) error {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.applySyslog(cfg)
	if d.dp == nil {
		return nil
	}
	if d.syncer != nil {
		d.syncer.SetInterval(cfg.System.GroupSyncInterval)
	}
	if typeName(cfg.System.DataplaneType) != typeName(d.dpType) {
		slog.Warn("dataplane type change takes effect after restart",
			"running", typeName(d.dpType), "configured", typeName(cfg.System.DataplaneType))
	}
	result, err := dataplane.Compile(cfg, d.dp, d.opts.Resolve)
	if err != nil {
		return fmt.Errorf("compile dataplane: %w", err)
	}
	if len(result.Unattached) > 0 {
		slog.Warn("dataplane has no programs, attach them with an external loader",
			"interfaces", result.Unattached)
	}
	if len(result.Unresolved) > 0 {
		slog.Warn("configuration refers to missing interfaces",
			"interfaces", result.Unresolved)
	}
	return nil
}

// Reload re-reads the configuration file and applies it. A file that
// fails to parse leaves the running configuration in place.
func (d *Daemon) Reload() {
	slog.Info("reloading configuration", "file", d.opts.ConfigFile)
	cfg, err := d.store.Load()
	if err != nil {
		slog.Warn("reload failed, keeping running configuration", "err", err)
		return
	}
	if err := d.applyConfig(cfg); err != nil {
		slog.Warn("failed to apply reloaded configuration", "err", err)
		return
	}
	slog.Info("configuration reloaded")
}

// applySyslog replaces the syslog clients with those of cfg.
func (d *Daemon) applySyslog(cfg *config.Config) {
	if d.opts.Syslog == nil || cfg == nil {
		return
	}
	var clients []*logging.SyslogClient
	for _, target := range cfg.System.Syslog {
		client, err := logging.NewSyslogClient(target.Addr, "mptmd")
		if err != nil {
			slog.Warn("failed to create syslog client",
				"addr", target.Addr, "err", err)
			continue
		}
		client.MinSeverity = logging.ParseSeverity(target.Severity)
		clients = append(clients, client)
	}
	d.opts.Syslog.SetClients(clients)
}

// logFinalStats logs the per-action counters before shutdown.
func logFinalStats(dp dataplane.DataPlane) {
	if !dp.IsLoaded() {
		return
	}
	stats, err := dp.ReadActionStats()
	if err != nil {
		slog.Warn("failed to read action statistics", "err", err)
		return
	}
	attrs := make([]any, 0, 2*len(stats))
	for i, c := range stats {
		attrs = append(attrs, dataplane.Action(i).String(), c.Packets)
	}
	slog.Info("final statistics", attrs...)
}
