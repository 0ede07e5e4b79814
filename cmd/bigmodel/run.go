package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"github.com/ForeverLucky0901/bigModel/internal/auth"
	"github.com/ForeverLucky0901/bigModel/internal/config"
	"github.com/ForeverLucky0901/bigModel/internal/keycipher"
	"github.com/ForeverLucky0901/bigModel/internal/keypool"
	"github.com/ForeverLucky0901/bigModel/internal/ratelimit"
	"github.com/ForeverLucky0901/bigModel/internal/server"
	"github.com/ForeverLucky0901/bigModel/internal/storage/sqlite"
	"github.com/ForeverLucky0901/bigModel/internal/telemetry"
	"github.com/ForeverLucky0901/bigModel/internal/tokencount"
	"github.com/ForeverLucky0901/bigModel/internal/upstream"
	"github.com/ForeverLucky0901/bigModel/internal/usage"
	"github.com/ForeverLucky0901/bigModel/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	setupLogging(cfg.Logging.Level)
	slog.Info("starting bigmodel", "version", version, "addr", cfg.Server.Addr)

	cipher, err := keycipher.New(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store, cipher); err != nil {
		return err
	}

	// Optional tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Rate limiter over shared Redis. The limiter itself fails open, so a
	// down Redis degrades enforcement, not availability.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	limiter := ratelimit.New(rdb)

	pool := keypool.New(store, cipher, keypool.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})

	resolver := &dnscache.Resolver{}
	clients := &upstream.Factory{
		BaseURL:    cfg.Upstream.BaseURL,
		APIVersion: cfg.Upstream.APIVersion,
		HTTP:       upstream.NewHTTPClient(resolver, cfg.Upstream.ConnectTimeout, cfg.Upstream.RequestTimeout),
	}

	tracker := usage.New(store)

	authn, err := auth.New(store)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Auth:          authn,
		Limiter:       limiter,
		Pool:          pool,
		Clients:       clients,
		Usage:         tracker,
		Tokens:        tokencount.NewCounter(),
		KeyLimits:     ratelimit.Limits{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM},
		IPLimits:      ratelimit.Limits{RPM: cfg.RateLimits.IPRPM, TPM: cfg.RateLimits.IPTPM},
		UpstreamType:  cfg.UpstreamType(),
		LogPromptBody: cfg.Logging.PromptBody,
		ReadyCheck:    store.Ping,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := telemetry.NewMetrics(reg)
		deps.Metrics = metrics
		deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

		runner := worker.NewRunner(worker.NewPoolStatsWorker(store, metrics))
		go func() {
			if err := runner.Run(workerCtx); err != nil {
				slog.Error("background workers stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("bigmodel ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("bigmodel stopped")
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
