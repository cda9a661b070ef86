// Sessiond orchestrates long-running autonomous worker sessions: the
// session state machine, checkpoint/restore, pause/resume intervention,
// and epic regression retesting.
//
// Configuration is loaded from an optional YAML file and SESSIOND_*
// environment variables.
//
// Usage:
//
//	# Start the daemon with defaults
//	sessiond
//
//	# Start with a config file
//	sessiond -config /etc/sessiond/config.yaml
//
//	# Configure via environment
//	SESSIOND_SERVER_PORT=9480 sessiond
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/sessiond/internal/checkpoint"
	"github.com/fyrsmithlabs/sessiond/internal/config"
	sessionhttp "github.com/fyrsmithlabs/sessiond/internal/http"
	"github.com/fyrsmithlabs/sessiond/internal/intervention"
	"github.com/fyrsmithlabs/sessiond/internal/logging"
	"github.com/fyrsmithlabs/sessiond/internal/notify"
	"github.com/fyrsmithlabs/sessiond/internal/orchestrator"
	"github.com/fyrsmithlabs/sessiond/internal/project"
	"github.com/fyrsmithlabs/sessiond/internal/retest"
	"github.com/fyrsmithlabs/sessiond/internal/retry"
	"github.com/fyrsmithlabs/sessiond/internal/session"
	"github.com/fyrsmithlabs/sessiond/internal/store"
	"github.com/fyrsmithlabs/sessiond/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  sessiond           Start the sessiond daemon\n")
			fmt.Fprintf(os.Stderr, "  sessiond version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("sessiond by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the sessiond server and blocks until context cancellation.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Build the structured logger
//  3. Open the store and apply migrations
//  4. Build the retry executor and business services
//  5. Wire the service registry and orchestration engine
//  6. Start the stale-session scanner and the HTTP server
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("starting sessiond",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_path", cfg.Storage.Path),
		zap.String("epic_testing_mode", string(cfg.EpicTesting.Mode)),
	)

	tel, err := telemetry.Init(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	db, err := store.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	executor := retry.NewExecutor(&retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      time.Duration(cfg.Retry.BaseDelay),
		MaxDelay:       time.Duration(cfg.Retry.MaxDelay),
		JitterFraction: cfg.Retry.JitterFraction,
	}, logger)

	notifier, closeNotifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize notifier: %w", err)
	}
	defer closeNotifier()

	checkpoints, err := checkpoint.NewService(db, executor, logger)
	if err != nil {
		return fmt.Errorf("initialize checkpoint service: %w", err)
	}

	workUnits, err := project.NewRegistry(db, executor, logger)
	if err != nil {
		return fmt.Errorf("initialize work-unit registry: %w", err)
	}

	sessions, err := session.NewManager(db, executor, checkpoints, workUnits, logger)
	if err != nil {
		return fmt.Errorf("initialize session manager: %w", err)
	}

	interventions, err := intervention.NewCoordinator(&intervention.Config{
		MinNotificationInterval: time.Duration(cfg.Notifications.MinInterval),
	}, db, executor, sessions, notifier, logger)
	if err != nil {
		return fmt.Errorf("initialize intervention coordinator: %w", err)
	}

	retests, err := retest.NewScheduler(&retest.Config{
		Mode:               cfg.EpicTesting.Mode,
		TriggerEvery:       cfg.EpicTesting.TriggerEvery,
		FoundationCount:    cfg.EpicTesting.FoundationCount,
		FreshnessThreshold: time.Duration(cfg.EpicTesting.FreshnessThreshold),
	}, db, executor, sessions, workUnits, logger)
	if err != nil {
		return fmt.Errorf("initialize retest scheduler: %w", err)
	}

	registry := orchestrator.NewRegistry(orchestrator.Options{
		Store:         db,
		Sessions:      sessions,
		Checkpoints:   checkpoints,
		Interventions: interventions,
		Retests:       retests,
		WorkUnits:     workUnits,
		Notifier:      notifier,
	})

	// No in-process test driver: epic test results arrive through the
	// recording API from the external execution driver.
	engine, err := orchestrator.NewEngine(&orchestrator.Config{
		StaleThreshold: time.Duration(cfg.Heartbeat.StaleThreshold),
		ScanInterval:   time.Duration(cfg.Heartbeat.ScanInterval),
	}, registry, nil, logger)
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	srv, err := sessionhttp.NewServer(registry, engine, logger, &sessionhttp.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		Version:        version,
		StaleThreshold: time.Duration(cfg.Heartbeat.StaleThreshold),
	})
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}

	go engine.RunStaleScanner(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// buildNotifier wires the configured notification sink. NATS when a URL
// is configured, a no-op sink otherwise; both are rate limited.
func buildNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, func(), error) {
	if cfg.Notifications.NATSURL == "" {
		logger.Info("notifications disabled, using no-op sink")
		return notify.Nop{}, func() {}, nil
	}

	nats, err := notify.NewNATSNotifier(cfg.Notifications.NATSURL, cfg.Notifications.Subject, logger)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("connected notification sink",
		zap.String("url", cfg.Notifications.NATSURL),
		zap.String("subject", cfg.Notifications.Subject),
	)

	// Hard ceiling against notification storms, on top of the
	// per-project minimum interval the coordinator enforces.
	throttled := notify.NewThrottled(nats, rate.Every(10*time.Second), 5)
	return throttled, nats.Close, nil
}
