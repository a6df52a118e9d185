package db

import (
	"context"
	"fmt"
	"time"

	"remindworker/internal/jobs"
	"remindworker/internal/log"
	"remindworker/internal/todo"

	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type PoolOptions struct {
	MinSize      int
	MaxSize      int
	IdleLifetime time.Duration
}

// Connect opens the pool and pings it. gorm's own log output goes to logger;
// a nil logger discards it.
func Connect(ctx context.Context, dsn string, opts PoolOptions, logger *log.Logger) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:               newGormLogger(logger),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxSize > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxSize)
	}
	sqlDB.SetMaxIdleConns(opts.MinSize)
	if opts.IdleLifetime > 0 {
		sqlDB.SetConnMaxIdleTime(opts.IdleLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return gdb, nil
}

const (
	connectBackoffStart = 1 * time.Second
	connectBackoffMax   = 30 * time.Second
)

// ConnectWithRetry keeps trying until the database answers or ctx is done,
// so a worker started before Postgres does not crash-loop.
func ConnectWithRetry(ctx context.Context, dsn string, opts PoolOptions, logger *log.Logger) (*gorm.DB, error) {
	delay := connectBackoffStart
	for {
		gdb, err := Connect(ctx, dsn, opts, logger)
		if err == nil {
			return gdb, nil
		}
		logger.Warnw("database connect failed", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > connectBackoffMax {
			delay = connectBackoffMax
		}
	}
}

// AutoMigrate creates the schema, tables and indexes the worker reads. In
// production the producing service owns the schema; this exists for local
// development and tests.
func AutoMigrate(gdb *gorm.DB, schema string) error {
	if schema != "" {
		if err := gdb.Exec(`create schema if not exists ` + pq.QuoteIdentifier(schema)).Error; err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if err := gdb.AutoMigrate(
		&todo.User{},
		&todo.Todo{},
		&jobs.Job{},
	); err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_reminders_due on scheduled_reminders(status, scheduled_for);`,
		`create index if not exists idx_reminders_lease on scheduled_reminders(status, visibility_timeout);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}
