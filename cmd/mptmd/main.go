// mptmd is the mptm tunnel gateway daemon.
//
// It compiles the tunnel, redirect and interface policy of its
// configuration into the dataplane tables and serves the HTTP and gRPC
// management APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mptm-gw/mptm/pkg/configstore"
	"github.com/mptm-gw/mptm/pkg/daemon"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/logging"

	_ "github.com/mptm-gw/mptm/pkg/dataplane/fastpath"
)

func main() {
	configFile := flag.String("config", daemon.DefaultConfigFile, "configuration file path")
	noDataplane := flag.Bool("no-dataplane", false, "run without a dataplane (config-only mode)")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (default from config, else "+daemon.DefaultAPIAddr+")")
	grpcAddr := flag.String("grpc-addr", "", "gRPC API listen address (default from config, else "+daemon.DefaultGRPCAddr+")")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	syslog := logging.Setup(os.Stderr, *debug)

	if flag.Arg(0) == "cleanup" {
		if err := cleanup(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("all programs detached and pinned tables removed")
		return
	}

	d := daemon.New(daemon.Options{
		ConfigFile:  *configFile,
		NoDataplane: *noDataplane,
		APIAddr:     *apiAddr,
		GRPCAddr:    *grpcAddr,
		Syslog:      syslog,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "mptmd: %v\n", err)
		os.Exit(1)
	}
}

// cleanup removes the pinned tables a previous daemon left behind. Only
// the eBPF backend keeps state across restarts.
func cleanup(configFile string) error {
	pinPath := dataplane.DefaultPinPath
	cfg, err := configstore.New(configFile).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup: %v, using %s\n", err, pinPath)
	} else if cfg.System.PinPath != "" {
		pinPath = cfg.System.PinPath
	}
	dp := dataplane.New(dataplane.Options{PinPath: pinPath})
	if err := dp.Load(); err != nil {
		return err
	}
	return dp.Teardown()
}
