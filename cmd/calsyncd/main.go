// Calsyncd keeps chairbook appointments in sync with external calendars
// (Google, Outlook, Apple, generic CalDAV) and serves the sync HTTP API:
// configurations, conflict resolution, webhook ingestion, privacy-filtered
// export, and the WebSocket monitor channel.
//
// Usage:
//
//	calsyncd setup                                    # interactive first-run wizard
//	calsyncd serve [--config <path>] [--verbose]      # run the daemon
//	calsyncd sync-once [--config ...] [--id <config>] # one sync pass then exit
//	calsyncd status [--config <path>]                 # show daemon & store state
//	calsyncd version                                  # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chairbook/calsync/internal/config"
	"github.com/chairbook/calsync/internal/engine"
	"github.com/chairbook/calsync/internal/export"
	"github.com/chairbook/calsync/internal/httpapi"
	"github.com/chairbook/calsync/internal/model"
	"github.com/chairbook/calsync/internal/monitor"
	"github.com/chairbook/calsync/internal/provider"
	"github.com/chairbook/calsync/internal/provider/caldav"
	"github.com/chairbook/calsync/internal/provider/google"
	"github.com/chairbook/calsync/internal/provider/outlook"
	"github.com/chairbook/calsync/internal/scheduler"
	"github.com/chairbook/calsync/internal/setup"
	"github.com/chairbook/calsync/internal/store"
	"github.com/chairbook/calsync/internal/telemetry"
	"github.com/chairbook/calsync/internal/webhook"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup()
	case "serve":
		return runServe(os.Args[2:])
	case "sync-once":
		return runSyncOnce(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("calsyncd", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'calsyncd' for usage", cmd)
	}
}

// printUsage shows help and points at the expected config location.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "calsyncd — chairbook calendar synchronization daemon")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  calsyncd setup                             Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  calsyncd serve [--config ...]              Run scheduler, webhooks, and HTTP API")
	fmt.Fprintln(os.Stderr, "  calsyncd sync-once [--config ...] [--id ..] Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  calsyncd status [--config ...]             Show config & store state")
	fmt.Fprintln(os.Stderr, "  calsyncd version                           Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "No config file found at %s. Run 'calsyncd setup' to get started.\n", cfgPath)
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive configuration wizard.
func runSetup() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger)
	return wiz.Run(ctx)
}

// runServe starts the full daemon: scheduler, webhook ingestor, and HTTP API.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		"listen", cfg.Listen,
		"scheduler_tick", cfg.SchedulerTick,
		"cycle_timeout", cfg.CycleTimeout,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Store ---------------------------------------------------------------

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store at %q: %w", cfg.DBPath, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing store", "error", closeErr)
		}
	}()
	logger.Info("store opened", "path", cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Provider adapters ---------------------------------------------------

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("provider adapters ready", "providers", registry.Providers())

	// --- Engine, scheduler, ingestor, exporter -------------------------------

	hub := monitor.NewHub(logger)
	eng := engine.NewEngine(st, registry, hub, cfg.CycleTimeout, cfg.WriteConcurrency, logger)
	sched := scheduler.New(st, eng, cfg.SchedulerTick, cfg.WriteConcurrency, logger)
	ing := webhook.NewIngestor(st, eng, webhookSecrets(cfg), cfg.WebhookDebounce, logger)
	exporter := export.NewService(st, cfg.ExportSigningKey, cfg.ExportTTL, logger)

	api := httpapi.NewServer(st, eng, exporter, hub, healthReport, ing.HandleDelivery, logger)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Run -----------------------------------------------------------------

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()
	go func() {
		if err := ing.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("webhook ingestor stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runSyncOnce performs one sync pass, either for a single configuration or
// for everything due, then exits.
func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	configID := fs.String("id", "", "sync only this configuration ID")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store at %q: %w", cfg.DBPath, err)
	}
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	eng := engine.NewEngine(st, registry, engine.NoopNotifier{}, cfg.CycleTimeout, cfg.WriteConcurrency, logger)

	var targets []*model.SyncConfiguration
	if *configID != "" {
		c, err := st.GetConfiguration(ctx, *configID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("no configuration with ID %q", *configID)
		}
		targets = append(targets, c)
	} else {
		targets, err = st.DueConfigurations(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			logger.Info("nothing due")
			return nil
		}
	}

	var failed int
	for _, c := range targets {
		res, err := eng.Sync(ctx, c.ID)
		if err != nil {
			logger.Error("sync failed", "config", c.ID, "error", err)
			failed++
			continue
		}
		logger.Info("sync complete",
			"config", c.ID,
			"processed", res.Processed,
			"created", res.Created,
			"updated", res.Updated,
			"deleted", res.Deleted,
			"conflicts", res.ConflictsDetected,
			"errors", len(res.Errors),
		)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d configuration(s) failed", failed, len(targets))
	}
	return nil
}

// runStatus prints the config and store state.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("Calsync Status")
	fmt.Println("──────────────")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Printf("  Config:    %s (invalid: %v)\n", *cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:    %s ✓\n", *cfgPath)
	fmt.Printf("  Listen:    %s\n", cfg.Listen)
	fmt.Printf("  Providers: %s\n", configuredProviders(cfg))

	info, err := os.Stat(cfg.DBPath)
	if err != nil {
		fmt.Printf("  DB:        not found (%s)\n", cfg.DBPath)
		return nil
	}
	fmt.Printf("  DB:        %s (%s)\n", cfg.DBPath, humanSize(info.Size()))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Printf("  Store:     unreadable (%v)\n", err)
		return nil
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	configs, err := st.AllConfigurations(ctx)
	if err != nil {
		return err
	}
	var enabled int
	var lastSync time.Time
	for _, c := range configs {
		if c.Enabled {
			enabled++
		}
		if c.LastSync.After(lastSync) {
			lastSync = c.LastSync
		}
	}
	fmt.Printf("  Configs:   %d total, %d enabled\n", len(configs), enabled)
	if lastSync.IsZero() {
		fmt.Println("  Last sync: never")
	} else {
		fmt.Printf("  Last sync: %s\n", lastSync.Local().Format(time.RFC3339))
	}
	return nil
}

// --- Wiring helpers ----------------------------------------------------------

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// buildRegistry constructs adapters for every provider block in the config.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if g := cfg.Providers.Google; g != nil {
		a, err := google.New(ctx, logger, g.ClientID, g.ClientSecret, g.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("initialising Google adapter: %w", err)
		}
		registry.Register(a)
	}
	if o := cfg.Providers.Outlook; o != nil {
		a, err := outlook.New(ctx, logger, o.ClientID, o.ClientSecret, o.TenantID, o.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("initialising Outlook adapter: %w", err)
		}
		registry.Register(a)
	}
	if ap := cfg.Providers.Apple; ap != nil {
		a, err := caldav.New(model.ProviderApple, logger, ap.Endpoint, ap.Username, ap.Password)
		if err != nil {
			return nil, fmt.Errorf("initialising Apple adapter: %w", err)
		}
		registry.Register(a)
	}
	if cd := cfg.Providers.CalDAV; cd != nil {
		a, err := caldav.New(model.ProviderCalDAV, logger, cd.Endpoint, cd.Username, cd.Password)
		if err != nil {
			return nil, fmt.Errorf("initialising CalDAV adapter: %w", err)
		}
		registry.Register(a)
	}

	if len(registry.Providers()) == 0 {
		return nil, fmt.Errorf("no providers configured — add at least one providers block to the config")
	}
	return registry, nil
}

// webhookSecrets collects the per-provider webhook validation secrets.
func webhookSecrets(cfg *config.Config) webhook.Secrets {
	var s webhook.Secrets
	if g := cfg.Providers.Google; g != nil {
		s.GoogleChannelToken = g.WebhookToken
	}
	if o := cfg.Providers.Outlook; o != nil {
		s.OutlookClientState = o.ClientState
	}
	if ap := cfg.Providers.Apple; ap != nil {
		s.AppleSecret = ap.WebhookSecret
	}
	if cd := cfg.Providers.CalDAV; cd != nil {
		s.CalDAVSecret = cd.WebhookSecret
	}
	return s
}

// healthReport adapts monitor.Health to the API server's health hook.
func healthReport(cfg *model.SyncConfiguration, results []*model.SyncResult, now time.Time) any {
	return monitor.Health(cfg, results, now)
}

func configuredProviders(cfg *config.Config) string {
	var names []string
	if cfg.Providers.Google != nil {
		names = append(names, "google")
	}
	if cfg.Providers.Outlook != nil {
		names = append(names, "outlook")
	}
	if cfg.Providers.Apple != nil {
		names = append(names, "apple")
	}
	if cfg.Providers.CalDAV != nil {
		names = append(names, "caldav")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
