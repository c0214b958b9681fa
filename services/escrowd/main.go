package escrowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"quorumescrow/config"
	"quorumescrow/core/events"
	"quorumescrow/crypto"
	"quorumescrow/native/bank"
	"quorumescrow/native/escrow"
	"quorumescrow/observability"
	"quorumescrow/observability/logging"
	telemetry "quorumescrow/observability/otel"
	"quorumescrow/storage"
)

// Main initialises and runs the escrow daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "escrowd.toml", "path to escrowd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("escrowd", cfg.Logging.Env, logging.Options{
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Logging.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.Open(cfg.Storage.Backend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	ledger, err := bank.OpenLedger(db)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	journal, err := OpenJournal(cfg.Journal.Driver, cfg.Journal.DSN, cfg.Journal.BufferSize, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	idem, err := OpenIdempotencyStore(filepath.Clean(cfg.Idempotency.Path), cfg.IdempotencyTTL())
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer idem.Close()

	metrics := observability.Escrow()
	broadcaster := events.NewBroadcaster(metrics, journal)
	registry := escrow.NewRegistry(
		func(id [32]byte) escrow.Transfer { return ledger.Vault(id) },
		escrow.WithStore(db),
		escrow.WithRegistryEmitter(broadcaster),
	)
	loaded, err := registry.Load()
	if err != nil {
		return fmt.Errorf("load escrows: %w", err)
	}
	metrics.SetPhaseCounts(phaseCounts(registry.Summary()))
	logger.Info("escrows restored", slog.Int("count", loaded), slog.String("backend", cfg.Storage.Backend))

	auth := NewAuthenticator(AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.Secret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, logger)
	if !cfg.Auth.Enabled {
		logger.Warn("authentication disabled; caller identity is taken from the X-Caller header")
	}

	server := NewServer(registry, ledger,
		WithAuthenticator(auth),
		WithRateLimiter(NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, metrics)),
		WithIdempotencyStore(idem),
		WithJournal(journal),
		WithBroadcaster(broadcaster),
		WithMetrics(metrics),
		WithLogger(logger),
	)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Keeper.Enabled {
		identity, err := crypto.ParseAddress(cfg.Keeper.Identity)
		if err != nil {
			return fmt.Errorf("keeper identity: %w", err)
		}
		keeper := NewKeeper(registry, identity, cfg.KeeperInterval(),
			WithKeeperMetrics(metrics),
			WithKeeperIdempotency(idem),
			WithKeeperLogger(logger),
		)
		go keeper.Run(stopCtx)
	}

	errs := make(chan error, 1)
	go func() {
		log.Printf("escrowd listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func phaseCounts(summary map[escrow.Phase]int) map[string]int {
	out := make(map[string]int, len(summary))
	for phase, n := range summary {
		out[phase.String()] = n
	}
	return out
}
