// Package store implements the PostgreSQL persistence layer of the broker:
// schema migrations, the message writer with its subscription fan-out, the
// skip-locked reservation engine, and the maintenance sweeps (stale reset,
// retention trim, scheduled message materialization).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn" env:"PG_TRANSIT_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"PG_TRANSIT_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"PG_TRANSIT_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"PG_TRANSIT_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"PG_TRANSIT_CONN_MAX_IDLE_TIME"`
	QueryTimeout    time.Duration `yaml:"query_timeout" env:"PG_TRANSIT_QUERY_TIMEOUT"`
}

// DefaultConfig returns reasonable defaults for database connections.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// timeNow is overridable in tests that need a deterministic clock.
var timeNow = time.Now

// Store executes all broker SQL against one connection pool.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New creates a store around an existing pool. The timeout bounds every
// single-statement operation; batch operations scale it with batch size.
func New(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}
	return &Store{
		db:      db,
		timeout: timeout,
	}
}

// DB returns the underlying pool.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping tests basic connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.db.PingContext(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}
