package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/neuroialab/neuroia/config"
	"github.com/neuroialab/neuroia/internal/assistant"
	"github.com/neuroialab/neuroia/internal/chat"
	"github.com/neuroialab/neuroia/internal/entitlement"
	"github.com/neuroialab/neuroia/internal/lock"
	"github.com/neuroialab/neuroia/internal/metrics"
	"github.com/neuroialab/neuroia/internal/runtime"
	"github.com/neuroialab/neuroia/internal/store"
)

// Version is reported to the tracer; set with -ldflags at build time.
var Version = "dev"

const jobLockPrefix = "neuroia:jobs:"

// Run wires the gateway and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tele, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceVersion: Version})
	if err != nil {
		return err
	}
	defer func() { _ = tele.Shutdown(context.Background()) }()

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}
	defer st.Close()

	rdb, err := connectRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		return err
	}
	leases, jobs := lockers(rdb, cfg.Lease.KeyPrefix)
	if rdb != nil {
		defer rdb.Close()
		logger.Info("conversation leases backed by redis", zap.String("addr", cfg.Storage.Redis.Addr()))
	} else {
		logger.Warn("redis not configured; conversation leases are local to this process")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	verifier, err := runtime.NewTokenVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	policy := runtime.NewAllowListPolicy(cfg.Auth)
	checker := entitlement.NewChecker(st, cfg.Entitlement.WarningDays)
	orch := assistant.New(assistant.NewOpenAIClient(cfg.OpenAI), st, cfg.Orchestrator,
		assistant.WithLogger(logger.Named("assistant")),
		assistant.WithMetrics(m),
		assistant.WithTracer(tracer),
		assistant.WithAPIKeyInfo(cfg.OpenAI.APIKey),
	)
	svc := chat.NewService(st, checker, orch, leases,
		chat.WithLogger(logger.Named("chat")),
		chat.WithMetrics(m),
		chat.WithLeaseTTL(cfg.Lease.TTL),
	)

	api := &API{
		Catalog:       &CatalogHandler{Store: st, Checker: checker, Policy: policy},
		Chat:          &ChatHandler{Service: svc},
		Conversations: &ConversationsHandler{Store: st},
		Admin:         &AdminHandler{Store: st},
		Docs:          &DocsHandler{},
		Verifier:      verifier,
		Policy:        policy,
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ready:         st.Ping,
	}
	e := NewEcho(api, cfg.Server, logger)

	if cfg.Scheduler.Enabled {
		sweeper := &Sweeper{
			Store:   st,
			Locker:  jobs,
			Spec:    cfg.Scheduler.SweepCron,
			LockTTL: cfg.Scheduler.LockTTL,
			Logger:  logger.Named("sweeper"),
			Metrics: m,
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	// In-flight turns may still be polling a run.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.MaxWait+10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// SweepOnce runs a single expiry sweep, for the CLI.
func SweepOnce(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.SweepResult, error) {
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return store.SweepResult{}, err
	}
	defer st.Close()

	rdb, err := connectRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		return store.SweepResult{}, err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	_, jobs := lockers(rdb, cfg.Lease.KeyPrefix)
	sweeper := &Sweeper{Store: st, Locker: jobs, LockTTL: cfg.Scheduler.LockTTL, Logger: logger}
	return sweeper.RunOnce(ctx)
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Addr(), err)
	}
	return rdb, nil
}

// lockers returns the conversation and job lockers for rdb, falling back to
// in-process locks without Redis.
func lockers(rdb *redis.Client, leasePrefix string) (lock.Locker, lock.Locker) {
	if rdb == nil {
		return lock.NewLocal(), lock.NewLocal()
	}
	return lock.NewRedis(rdb, leasePrefix), lock.NewRedis(rdb, jobLockPrefix)
}
