package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"

	"github.com/10yihang/slotctl/internal/cluster"
	"github.com/10yihang/slotctl/internal/cluster/state"
	"github.com/10yihang/slotctl/internal/metrics"
)

const version = "0.1.0"

type options struct {
	seed        string
	verbosity   int
	metricsAddr string
	dataDir     string
	timeout     time.Duration
}

// parseFlags reads the global flags. They live on their own FlagSet so that
// libraries registering flags on flag.CommandLine (glog's -v) cannot clash.
func parseFlags(args []string, out io.Writer) (*options, []string, error) {
	opts := &options{}
	fs := flag.NewFlagSet("slotctl", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.seed, "seed", "127.0.0.1:7000", "seed node (host:port)")
	fs.IntVar(&opts.verbosity, "v", 0, "log verbosity")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	fs.StringVar(&opts.dataDir, "data-dir", "", "directory for the cluster state journal (disabled if empty)")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "overall deadline for the command")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, nil, usageError("missing command")
	}
	return opts, fs.Args(), nil
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintf(out, "Usage: slotctl [flags] <command> [args...]\n\n")
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  nodes                                 print the cluster topology\n")
	fmt.Fprintf(out, "  add-node [-no-forget-on-error] host:port\n")
	fmt.Fprintf(out, "  del-node [-rebalance] host:port\n")
	fmt.Fprintf(out, "  move-slot from-host:port to-host:port slot\n")
	fmt.Fprintf(out, "  rebalance [-exclude host:port,...] [-dry-run]\n")
	fmt.Fprintf(out, "  check                                 verify slot coverage and agreement\n")
	fmt.Fprintf(out, "  state                                 print the saved state journal\n\n")
	fmt.Fprintf(out, "Flags:\n")
	fs.PrintDefaults()
}

func main() {
	opts, args, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	os.Exit(run(opts, args))
}

func run(opts *options, args []string) int {
	stdr.SetVerbosity(opts.verbosity)
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName("slotctl")

	if args[0] == "state" {
		if err := runState(os.Stdout, opts.dataDir); err != nil {
			logger.Error(err, "state failed")
			return 1
		}
		return 0
	}

	metrics.InitInfo(version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if opts.metricsAddr != "" {
		exporter := metrics.NewExporter(opts.metricsAddr)
		go func() {
			if err := exporter.Start(); err != nil {
				logger.Error(err, "metrics exporter stopped", "addr", opts.metricsAddr)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			exporter.Stop(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	seedAddr, err := cluster.ParseAddr(opts.seed)
	if err != nil {
		logger.Error(err, "invalid -seed")
		return 2
	}

	cfg := cluster.DefaultConfig()
	cfg.Logger = logger

	if opts.dataDir != "" {
		mgr, err := state.NewStateManager(opts.dataDir, logger)
		if err != nil {
			logger.Error(err, "failed to create state manager", "dir", opts.dataDir)
			return 1
		}
		defer func() {
			if err := mgr.Close(); err != nil {
				logger.Error(err, "failed to save state", "path", mgr.FilePath())
			}
		}()
		cfg.StateManager = mgr
	}

	c, err := cluster.InitFromSeed(ctx, seedAddr.Host, seedAddr.Port, cfg)
	if err != nil {
		logger.Error(err, "failed to connect to cluster", "seed", seedAddr.String())
		return 1
	}
	defer func() {
		if err := c.Disconnect(); err != nil {
			logger.Error(err, "disconnect failed")
		}
	}()

	if err := dispatch(ctx, c, logger, args); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, ue.Error())
			return 2
		}
		logger.Error(err, "command failed", "command", args[0])
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func dispatch(ctx context.Context, c *cluster.Cluster, log logr.Logger, args []string) error {
	switch args[0] {
	case "nodes":
		return runNodes(os.Stdout, c)
	case "add-node":
		return runAddNode(ctx, c, args[1:])
	case "del-node":
		return runDelNode(ctx, c, args[1:])
	case "move-slot":
		return runMoveSlot(ctx, c, args[1:])
	case "rebalance":
		return runRebalance(ctx, os.Stdout, c, log, args[1:])
	case "check":
		return runCheck(ctx, os.Stdout, c)
	default:
		return usageError(fmt.Sprintf("unknown command %q", args[0]))
	}
}
