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
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"golang.org/x/sync/errgroup"

	"github.com/resellerhub/backend/internal/config"
	"github.com/resellerhub/backend/internal/database"
	"github.com/resellerhub/backend/internal/feed"
	"github.com/resellerhub/backend/internal/licensing"
	"github.com/resellerhub/backend/internal/logging"
	"github.com/resellerhub/backend/internal/metrics"
	"github.com/resellerhub/backend/internal/ratelimit"
	"github.com/resellerhub/backend/internal/reconcile"
	"github.com/resellerhub/backend/internal/repository"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("create database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("cannot reach PostgreSQL, ensure it is running (e.g. docker compose up -d): %w", err)
	}
	logger.Info("Connected to PostgreSQL")

	if err := database.RunMigrations(ctx, pool); err != nil {
		return fmt.Errorf("schema migrations: %w", err)
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create River migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("River migrate up: %w", err)
	}
	logger.Info("River migrations applied")

	// Redis backs the login limiter, the key details cache and the change
	// feed. An unreachable Redis degrades to the in-memory limiter.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	loginLimiter, signupLimiter := newLimiters(ctx, rdb, cfg, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	lic := licensing.NewClient(cfg.Licensing.BaseURL, cfg.Licensing.APIKey,
		licensing.WithHTTPClient(&http.Client{Timeout: cfg.Licensing.Timeout}),
		licensing.WithRateLimit(cfg.Licensing.RPS, int(cfg.Licensing.RPS)+1),
	)

	publisher := feed.NewPublisher(rdb)
	keyRepo := repository.NewKeyRepo(pool)
	reconciler := reconcile.New(keyRepo, lic, reconcile.Options{
		Concurrency: cfg.Reconcile.Concurrency,
		Events:      publisher,
		Logger:      logger,
	})

	workers := river.NewWorkers()
	river.AddWorker(workers, reconcile.NewUserWorker(reconciler))
	river.AddWorker(workers, reconcile.NewStaleWorker(reconciler, cfg.Reconcile.Staleness, cfg.Reconcile.BatchSize))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: reconcile.PeriodicJobs(cfg.Reconcile.Interval),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create River client: %w", err)
	}
	insert := func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error {
		_, err := riverClient.Insert(ctx, args, opts)
		return err
	}

	handler, err := buildRouter(app{
		cfg:           cfg,
		pool:          pool,
		redis:         rdb,
		publisher:     publisher,
		licensing:     lic,
		keyRepo:       keyRepo,
		reconciler:    reconciler,
		insertJob:     insert,
		loginLimiter:  loginLimiter,
		signupLimiter: signupLimiter,
		registry:      registry,
		logger:        logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         "0.0.0.0:" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := riverClient.Start(gctx); err != nil {
			return fmt.Errorf("start River: %w", err)
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return riverClient.Stop(stopCtx)
	})
	g.Go(func() error {
		logger.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLimiters(ctx context.Context, rdb *redis.Client, cfg *config.Config, logger *slog.Logger) (login, signup ratelimit.Limiter) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable, using in-memory rate limits", "addr", cfg.Redis.Addr, "error", err)
		return ratelimit.NewMemory(cfg.Auth.LoginLimit, cfg.Auth.LoginWindow),
			ratelimit.NewMemory(cfg.Auth.LoginLimit, time.Hour)
	}
	return ratelimit.NewRedis(rdb, cfg.Auth.LoginLimit, cfg.Auth.LoginWindow, "rl:login:"),
		ratelimit.NewRedis(rdb, cfg.Auth.LoginLimit, time.Hour, "rl:signup:")
}
