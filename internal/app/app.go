// Package app wires the gateway's components into a runnable HTTP service
// from an already-loaded config: infrastructure connect (with retry), migrations, and the
// middleware stack (cache, coalescer, breaker, quota ledger, upstream
// caller) behind the request router.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/skygateio/skygate/internal/aviationstack"
	"github.com/skygateio/skygate/internal/breaker"
	"github.com/skygateio/skygate/internal/cache"
	"github.com/skygateio/skygate/internal/coalesce"
	"github.com/skygateio/skygate/internal/config"
	"github.com/skygateio/skygate/internal/gateway"
	"github.com/skygateio/skygate/internal/httpserver"
	"github.com/skygateio/skygate/internal/platform"
	"github.com/skygateio/skygate/internal/quota"
	"github.com/skygateio/skygate/internal/store"
	"github.com/skygateio/skygate/internal/telemetry"
)

// Run is the gateway's entry point: connect, migrate, wire, serve, and
// shut down cleanly on ctx cancellation.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting skygate", "listen", cfg.ListenAddr())

	db, err := connectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	rdb, err := connectRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	kv := store.New(rdb, db)
	respCache := cache.New(kv, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	ledger := quota.New(kv, cfg.QuotaMonthlyCeiling, logger)
	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.BreakerRecoverySeconds) * time.Second,
		ProbeCount:       cfg.BreakerProbeCount,
	})
	coalescer := coalesce.New()

	client := aviationstack.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)
	caller := aviationstack.NewCaller(client, respCache, cb, coalescer, ledger, kv, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, metricsReg)

	gw := gateway.New(caller, ledger, cb, respCache, coalescer, kv, logger)
	srv.Router.Mount("/", gw.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// connectPostgres retries the initial connection with exponential backoff:
// in container orchestration the database is frequently not yet accepting
// connections when the gateway starts. Once connected, subsequent failures
// are the store adapter's concern (StoreUnavailable), not this retry loop.
func connectPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*pgxpool.Pool, error) {
	return backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		pool, err := platform.NewPostgresPool(ctx, databaseURL)
		if err != nil {
			logger.Warn("postgres not yet reachable, retrying", "error", err)
			return nil, err
		}
		return pool, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(30*time.Second))
}

// connectRedis retries the initial connection the same way as connectPostgres.
func connectRedis(ctx context.Context, redisURL string, logger *slog.Logger) (*redis.Client, error) {
	return backoff.Retry(ctx, func() (*redis.Client, error) {
		client, err := platform.NewRedisClient(ctx, redisURL)
		if err != nil {
			logger.Warn("redis not yet reachable, retrying", "error", err)
			return nil, err
		}
		return client, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(30*time.Second))
}
