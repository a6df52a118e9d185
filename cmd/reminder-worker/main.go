package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"remindworker/internal/config"
	"remindworker/internal/db"
	httpx "remindworker/internal/http"
	"remindworker/internal/jobs"
	"remindworker/internal/log"
	"remindworker/internal/metrics"
	"remindworker/internal/notify"
	"remindworker/internal/wake"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reminder-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := log.New(cfg.Log.JSON, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Slack.BotToken == "" {
		logger.Warnw("SLACK_BOT_TOKEN is not set; every delivery will fail and be retried")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := cfg.DSN()
	gdb, err := db.ConnectWithRetry(ctx, dsn, db.PoolOptions{
		MinSize:      cfg.Pool.MinSize,
		MaxSize:      cfg.Pool.MaxSize,
		IdleLifetime: cfg.Pool.IdleLifetime(),
	}, logger.Named("db"))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Infow("stopped before database became available")
			return nil
		}
		return err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	defer func() {
		_ = sqlDB.Close()
		logger.Infow("database pool closed")
	}()

	if cfg.Worker.AutoMigrate {
		if err := db.AutoMigrate(gdb, cfg.DB.Schema); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	repo := &jobs.Repo{
		DB:         gdb,
		Lease:      cfg.Worker.Lease(),
		MaxRetries: cfg.Worker.MaxRetries,
		Backoff: jobs.Backoff{
			Base: cfg.Worker.BackoffBaseDuration(),
			Cap:  cfg.Worker.BackoffMaxDuration(),
		},
	}
	m := metrics.New()

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httpx.NewRouter(sqlDB, repo, m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Infow("ops server listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("ops server failed", "error", err)
			}
		}()
	}

	listener := wake.Listen(dsn, logger.Named("wake"))

	initial, lo, hi := cfg.Worker.PollIntervals()
	worker := &jobs.Worker{
		ID:     cfg.WorkerID,
		Store:  repo,
		Sender: notify.NewSlack(cfg.Slack.BotToken, cfg.Slack.APIBase, cfg.Slack.TimeoutDuration()),
		Wake:   listener.C(),
		Config: jobs.WorkerConfig{
			MaxBatch:     cfg.Worker.Batch,
			PollInterval: initial,
			PollMin:      lo,
			PollMax:      hi,
			Concurrency:  cfg.Worker.Concurrency,
		},
		Logger:  logger.Named("dispatch"),
		Metrics: m,
	}

	runErr := worker.Run(ctx)

	// teardown: subscription first, then the ops server, then the pool (deferred)
	if err := listener.Close(); err != nil {
		logger.Warnw("closing wake listener", "error", err)
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	logger.Infow("reminder worker stopped")
	return runErr
}
