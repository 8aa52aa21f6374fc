package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sluice-io/sluice/internal/config"
	"github.com/sluice-io/sluice/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	// Handle version flag before subcommand parsing
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("sluiced version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Check for subcommand
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "controller":
		runController(os.Args[2:])
	case "admin":
		runAdmin(os.Args[2:])
	case "version":
		fmt.Printf("sluiced version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: sluiced <command> [options]

Commands:
  controller  Start the stream metadata controller
  admin       Administrative commands (scopes, streams, status)
  version     Print version information

Run 'sluiced <command> --help' for more information on a command.`)
}

func runController(args []string) {
	fs := flag.NewFlagSet("controller", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override health/metrics listen address (e.g., :10080)")
	metricsAddr := fs.String("metrics-addr", "", "Override dedicated metrics listener address (e.g., :9090)")
	controllerID := fs.String("controller-id", "", "Override controller ID (default: auto-generated UUID)")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced controller [options]

Start the Sluice controller (stream metadata plane).

The controller serves stream, scale, transaction, and retention
metadata out of the key-value substrate and exposes health and
metrics endpoints over HTTP.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	// Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Apply CLI overrides
	if *listenAddr != "" {
		cfg.Controller.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}

	// Set up the process-wide logger. Packages that log without an
	// injected logger fall back to the same configuration.
	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	// Build controller options
	controllerOpts := ControllerOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	}

	// Set controller ID
	if *controllerID != "" {
		controllerOpts.ControllerID = *controllerID
	} else {
		controllerOpts.ControllerID = uuid.New().String()
	}

	// Create and run controller
	controller, err := NewController(controllerOpts)
	if err != nil {
		logger.Errorf("failed to create controller", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the controller
	errCh := make(chan error, 1)
	go func() {
		errCh <- controller.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Errorf("controller error", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}

	// Graceful shutdown
	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	logger.Info("controller shutdown complete")
}
