// Plantd is the Plantastic telemetry daemon.
//
// It subscribes to the MQTT topics published by field sensor units,
// validates and persists their readings, registers new devices, and
// emails device owners when an AI health analysis of the recent
// readings flags a plant that needs attention. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	plantd serve      Start the ingestion daemon
//	plantd version    Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/plantastic/plantd/internal/analysis"
	"github.com/plantastic/plantd/internal/broker"
	"github.com/plantastic/plantd/internal/buildinfo"
	"github.com/plantastic/plantd/internal/config"
	"github.com/plantastic/plantd/internal/ingest"
	"github.com/plantastic/plantd/internal/notify"
	"github.com/plantastic/plantd/internal/scheduler"
	"github.com/plantastic/plantd/internal/store"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the plantd command. All OS-level
// dependencies are injected as parameters so the full lifecycle can be
// exercised from tests. Arguments are parsed by hand; the flag package
// relies on package-level globals, which makes it impossible to call
// run() concurrently from tests, and the argument surface here is
// small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve", "":
		return runServe(ctx, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata.
func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	info := buildinfo.Info()
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "plantd - Plantastic telemetry daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: plantd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Start the ingestion daemon (default)")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/plantd/config.yaml, /etc/plantd/config.yaml")
	return nil
}

// newLogger builds a text logger at the given level, rendering the
// custom trace level by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates, loads, and validates the configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// runServe handles the "plantd serve" subcommand. It loads config,
// opens the database, connects to the broker, starts the scheduler,
// and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The scheduler loop drains
//  3. The broker session closes with a clean DISCONNECT
//  4. The database closes via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting plantd",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	{
		// ParseLogLevel is already validated by config.Validate(), so
		// this error path should be unreachable in practice.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.Broker.URL,
		"database", cfg.Database.Path,
		"model", cfg.Analysis.Model,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Persistence ---
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := store.NewDeviceStore(db)
	if err != nil {
		return err
	}
	readings, err := store.NewReadingStore(db)
	if err != nil {
		return err
	}
	notifications, err := store.NewNotificationStore(db)
	if err != nil {
		return err
	}
	accounts, err := store.NewAccountStore(db)
	if err != nil {
		return err
	}
	logger.Info("database opened", "path", cfg.Database.Path)

	// --- Analysis and notification ---
	provider := analysis.NewGeminiClient(cfg.Analysis, logger)

	if !cfg.SMTP.Configured() {
		logger.Warn("smtp not configured; health alerts cannot be delivered")
	}
	mailer := notify.NewSMTPMailer(cfg.SMTP, logger)
	runner := notify.NewRunner(readings, accounts, notifications, provider, mailer, logger)

	cooldown := time.Duration(cfg.Analysis.CooldownHours) * time.Hour

	// --- Broker session ---
	// The manager needs its message handler at construction, but the
	// registration handler publishes responses through the manager. The
	// router indirection breaks the cycle; it is assigned before Connect
	// and never reassigned afterwards.
	var router *broker.Router
	manager := broker.NewManager(cfg.Broker, func(mctx context.Context, topic string, payload []byte) {
		router.Dispatch(mctx, topic, payload)
	}, logger)

	registration := ingest.NewRegistrationHandler(devices, manager, logger)
	telemetry := ingest.NewTelemetryHandler(devices, readings, notifications, runner, cooldown, logger)
	router = broker.NewRouter(telemetry.Handle, registration.Handle, logger)

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	logger.Info("broker session established", "url", cfg.Broker.URL)

	// --- Scheduler ---
	sched := scheduler.New(accounts, devices, runner, cfg.Scheduler.PollInterval, logger)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	<-schedDone

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Disconnect(disconnectCtx); err != nil {
		logger.Warn("broker disconnect", "error", err)
	}

	logger.Info("plantd stopped")
	return nil
}
