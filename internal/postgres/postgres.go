// Package postgres implements the relational store behind the scheduler,
// the token processor, the progress ingester and the HTTP API.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/waterwheel-org/waterwheel/internal/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// schedulerLockKey is the advisory lock that enforces the single-active-
// scheduler assumption. Running two schedulers concurrently would
// double-activate tokens.
const schedulerLockKey = int64(0x77617465727768) // "waterwh"

// ErrSchedulerRunning is returned when another server already holds the
// scheduler lock.
var ErrSchedulerRunning = errors.New("another scheduler already holds the lock")

// Connect opens the connection pool.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

// Migrate applies all pending schema migrations. The DDL is owned by
// this service; migrations are linear.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			logger.Warn(ctx, "failed to close migration connection", "err", err)
		}
	}()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SchedulerLock pins the session holding the advisory lock for the
// server's lifetime. Advisory locks are session scoped, so the
// connection must not return to the pool while the server runs.
type SchedulerLock struct {
	conn *pgxpool.Conn
}

// AcquireSchedulerLock takes the advisory lock on a dedicated
// connection, failing fast when another server instance holds it.
func AcquireSchedulerLock(ctx context.Context, pool *pgxpool.Pool) (*SchedulerLock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRow(ctx,
		"SELECT pg_try_advisory_lock($1)", schedulerLockKey,
	).Scan(&acquired)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, ErrSchedulerRunning
	}
	return &SchedulerLock{conn: conn}, nil
}

// Release gives up the lock and returns the connection to the pool.
func (l *SchedulerLock) Release(ctx context.Context) {
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", schedulerLockKey); err != nil {
		logger.Warn(ctx, "failed to release scheduler lock", "err", err)
	}
	l.conn.Release()
}

// Store implements the store interfaces of the scheduler, the token
// processor, the progress ingester and the HTTP API on one shared pool.
// No method holds a connection across waits on the bus or on other
// components.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}
