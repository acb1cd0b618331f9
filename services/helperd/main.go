package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"lendhelper/config"
	"lendhelper/core/genesis"
	"lendhelper/core/runtime"
	"lendhelper/core/state"
	nativecommon "lendhelper/native/common"
	"lendhelper/native/helper"
	"lendhelper/observability"
	"lendhelper/observability/logging"
	"lendhelper/observability/metrics"
	telemetry "lendhelper/observability/otel"
	"lendhelper/services/helperd/middleware"
	"lendhelper/services/helperd/receipts"
	"lendhelper/services/helperd/server"
	"lendhelper/storage"
)

const maintenanceInterval = time.Minute

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./helperd.toml", "path to helperd configuration")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "helperd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, config.ErrMissingSecret) {
			return fmt.Errorf("%w (set %s or auth.Secret)", err, config.EnvAuthSecret)
		}
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions("helperd", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()
	logger.Info("configuration loaded", slog.Any("config", cfg.Sanitized()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "helperd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.LedgerPath())
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	defer db.Close()

	ledger, err := state.OpenLedger(db, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	pauses := nativecommon.NewPauseSet()
	pauses.Set(nativecommon.ModuleHelper, cfg.Pauses.Helper)
	pauses.Set(nativecommon.ModuleMarket, cfg.Pauses.Market)
	pauses.Set(nativecommon.ModuleToken, cfg.Pauses.Token)

	rt := runtime.New(ledger, pauses, logger)

	spec, err := genesis.Load(cfg.GenesisFile)
	if err != nil {
		return err
	}
	if ledger.Seq() == 0 {
		root, err := genesis.Apply(ctx, rt, spec)
		if err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
		logger.Info("genesis applied", slog.String("file", cfg.GenesisFile), slog.String("root", root))
	}
	self, err := spec.HelperAddress()
	if err != nil {
		return fmt.Errorf("helper address: %w", err)
	}

	orchestrator := helper.New(self, rt, logger)
	orchestrator.SetPauses(pauses)

	store, err := receipts.Open(cfg.Receipts.Driver, cfg.Receipts.DSN)
	if err != nil {
		return fmt.Errorf("open receipts: %w", err)
	}
	defer store.Close()

	idempotency, err := middleware.OpenIdempotencyStore(cfg.Idempotency.Path, cfg.Idempotency.TTL.Duration)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer idempotency.Close()

	apiMetrics := observability.API()
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, apiMetrics, logger)

	srv := server.New(server.Config{
		Helper:   orchestrator,
		Runtime:  rt,
		Receipts: store,
		Hub:      receipts.NewHub(),
		Pauses:   pauses,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.Auth.Secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger),
		RateLimiter:   limiter,
		Idempotency:   middleware.NewIdempotency(idempotency, cfg.Server.MaxBodyBytes, apiMetrics, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "helperd", LogRequests: true}, apiMetrics, logger),
		Metrics:       metrics.Helper(),
		Logger:        logger,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
	})

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration,
		ReadTimeout:       cfg.Server.ReadTimeout.Duration,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
		IdleTimeout:       cfg.Server.IdleTimeout.Duration,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if cfg.Server.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.Server.MaxConnections)
	}

	go maintain(ctx, limiter, idempotency, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("helperd listening", slog.String("address", listener.Addr().String()), slog.String("helper", self.String()))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}

// maintain evicts idle rate limiter buckets and expired idempotency records.
func maintain(ctx context.Context, limiter *middleware.RateLimiter, store *middleware.IdempotencyStore, logger *slog.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := limiter.Sweep(10 * maintenanceInterval)
			pruned, err := store.Prune()
			if err != nil {
				logger.Warn("prune idempotency records", slog.String("error", err.Error()))
			}
			if evicted > 0 || pruned > 0 {
				logger.Debug("maintenance", slog.Int("limiter_evicted", evicted), slog.Int("idempotency_pruned", pruned))
			}
		}
	}
}
