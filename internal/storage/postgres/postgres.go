// Package postgres implements store.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runharvest/runharvest/internal/store"
)

// Config controls the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// DB is the subset of pgxpool.Pool the store uses. pgxmock satisfies it, so
// tests can run against expectations instead of a live server.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements store.Store backed by Postgres.
type Store struct {
	db DB
}

var _ store.Store = (*Store)(nil)

// New connects a pool, verifies the connection, and ensures the schema
// exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{db: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB constructs a Store from an existing pool, primarily for testing.
func NewWithDB(db DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Store{db: db}, nil
}

// Ping verifies the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		token TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		owner_email TEXT NOT NULL DEFAULT '',
		main_site TEXT NOT NULL DEFAULT '',
		last_synced_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		run_token TEXT PRIMARY KEY,
		project_token TEXT NOT NULL,
		status TEXT NOT NULL,
		pages BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		duration_seconds BIGINT,
		records_count BIGINT NOT NULL DEFAULT 0,
		data_ref TEXT NOT NULL DEFAULT '',
		capture_state TEXT NOT NULL DEFAULT 'pending',
		capture_note TEXT NOT NULL DEFAULT '',
		last_seq BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS runs_project_started_idx
		ON runs (project_token, (COALESCE(started_at, created_at)) DESC)`,
	`CREATE TABLE IF NOT EXISTS scraped_records (
		id BIGSERIAL PRIMARY KEY,
		run_token TEXT NOT NULL REFERENCES runs(run_token) ON DELETE CASCADE,
		project_token TEXT NOT NULL,
		record_index BIGINT NOT NULL,
		field_key TEXT NOT NULL,
		field_value TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS scraped_records_run_idx
		ON scraped_records (run_token, record_index)`,
	`CREATE TABLE IF NOT EXISTS daily_metrics (
		project_token TEXT NOT NULL,
		day DATE NOT NULL,
		runs_count BIGINT NOT NULL DEFAULT 0,
		pages_total BIGINT NOT NULL DEFAULT 0,
		records_total BIGINT NOT NULL DEFAULT 0,
		avg_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (project_token, day)
	)`,
	`CREATE TABLE IF NOT EXISTS run_activity (
		run_token TEXT NOT NULL,
		stage TEXT NOT NULL,
		last_update TIMESTAMPTZ NOT NULL,
		attempts BIGINT NOT NULL DEFAULT 0,
		bytes BIGINT NOT NULL DEFAULT 0,
		records BIGINT NOT NULL DEFAULT 0,
		last_note TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_token, stage)
	)`,
	`CREATE TABLE IF NOT EXISTS scrape_sessions (
		id TEXT PRIMARY KEY,
		project_token TEXT NOT NULL,
		url_template TEXT NOT NULL,
		next_page BIGINT NOT NULL,
		end_page BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS session_iterations (
		session_id TEXT NOT NULL REFERENCES scrape_sessions(id) ON DELETE CASCADE,
		iteration BIGINT NOT NULL,
		run_token TEXT NOT NULL,
		page BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, iteration)
	)`,
}
