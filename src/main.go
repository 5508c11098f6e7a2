package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"branchdb/src/directors"
	"branchdb/src/helpers"
	"branchdb/src/layout"
	"branchdb/src/settings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// printUsage prints helpful usage information
func printUsage() {
	fmt.Fprintln(os.Stderr, "branchdb - schema branching for multi-tenant SQLite projects")
	fmt.Fprintln(os.Stderr, "\nUsage:")
	fmt.Fprintln(os.Stderr, "  branchdb [options]")
	fmt.Fprintln(os.Stderr, "\nOptions:")
	flag.PrintDefaults()

	fmt.Fprintln(os.Stderr, "\nExamples:")
	fmt.Fprintln(os.Stderr, "  branchdb --project=./app --init")
	fmt.Fprintln(os.Stderr, "  branchdb --project=./app --metrics=127.0.0.1:9464")
}

func main() {
	args := settings.GetSettings()

	var (
		initProject bool
		metricsAddr string
	)
	flag.StringVar(&args.ConfigFile, "config", "", "Path to a TOML settings file")
	flag.StringVar(&args.ProjectDir, "project", args.ProjectDir, "Project directory")
	flag.IntVar(&args.PoolSize, "pool-size", args.PoolSize, "Idle tenant handles kept open")
	flag.BoolVar(&args.CheckpointOnWrite, "checkpoint-on-write", args.CheckpointOnWrite, "Checkpoint the WAL after every write")
	flag.StringVar(&args.LogFile, "logfile", "", "Also write logs to this file")
	flag.BoolVar(&args.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&args.Debug, "debug", false, "Enable debug mode")
	flag.BoolVar(&initProject, "init", false, "Initialize the project directory")
	flag.StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address until interrupted")
	flag.Usage = printUsage
	flag.Parse()

	if args.ConfigFile != "" {
		// Flags given explicitly win over the file.
		explicit := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		fromFlags := *args
		if err := settings.LoadFile(args.ConfigFile, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
			os.Exit(1)
		}
		applyExplicitFlags(args, &fromFlags, explicit)
	}
	if err := args.Normalize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage()
		os.Exit(1)
	}

	logger, err := helpers.NewLogger(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(args, logger, initProject, metricsAddr); err != nil {
		logger.Errorf("%v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func applyExplicitFlags(args, fromFlags *settings.Arguments, explicit map[string]bool) {
	if explicit["project"] {
		args.ProjectDir = fromFlags.ProjectDir
	}
	if explicit["pool-size"] {
		args.PoolSize = fromFlags.PoolSize
	}
	if explicit["checkpoint-on-write"] {
		args.CheckpointOnWrite = fromFlags.CheckpointOnWrite
	}
	if explicit["logfile"] {
		args.LogFile = fromFlags.LogFile
	}
	if explicit["verbose"] {
		args.Verbose = fromFlags.Verbose
	}
	if explicit["debug"] {
		args.Debug = fromFlags.Debug
	}
}

func run(args *settings.Arguments, logger *zap.SugaredLogger, initProject bool, metricsAddr string) error {
	if args.Verbose {
		logger.Infow("branchdb starting",
			"project", args.ProjectDir,
			"pool_size", args.PoolSize,
			"operation_timeout", args.OperationTimeout.Duration,
			"busy_timeout", args.BusyTimeout.Duration,
			"config", args.ConfigFile)
	}

	m, err := directors.InitServiceManager(args, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer directors.ResetServiceManager()

	ctx := context.Background()
	if initProject {
		current, err := m.ProjectService.Init(ctx)
		if err != nil {
			return err
		}
		logger.Infof("Initialized project at %s (current context %s/%s/%s)",
			args.ProjectDir, current.Database, current.Branch, current.Tenant)
	}
	if !m.ProjectService.Initialized() {
		return fmt.Errorf("%s is not a branchdb project, run with --init first", args.ProjectDir)
	}

	if err := printSummary(m); err != nil {
		return err
	}
	if metricsAddr == "" {
		return nil
	}
	return serveMetrics(m, metricsAddr, logger)
}

// printSummary lists every database with its branches and tenants.
func printSummary(m *directors.ServiceManager) error {
	databases, err := m.DatabaseService.List()
	if err != nil {
		return err
	}
	if current, err := m.ProjectService.CurrentContext(); err == nil {
		fmt.Printf("current: %s/%s/%s\n", current.Database, current.Branch, current.Tenant)
	}
	for _, db := range databases {
		fmt.Printf("%s\n", db.Name)
		for _, branch := range db.Branches {
			tenants, err := m.Layout.ListTenants(layout.BranchKey{Database: db.Name, Branch: branch})
			if err != nil {
				return err
			}
			fmt.Printf("  %s: %d tenant(s) %v\n", branch, len(tenants), tenants)
		}
	}
	return nil
}

func serveMetrics(m *directors.ServiceManager, addr string, logger *zap.SugaredLogger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := m.RegisterMetrics(reg); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Handle graceful shutdown
	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-shutdownSignal:
	}

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
