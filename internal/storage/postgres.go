package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_logs (
    id             UUID PRIMARY KEY,
    created_at     TIMESTAMPTZ NOT NULL,
    application_id TEXT NOT NULL DEFAULT '',
    device_id      TEXT NOT NULL DEFAULT '',
    type           TEXT NOT NULL,
    level          TEXT NOT NULL,
    code           TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    details        JSONB
);
CREATE INDEX IF NOT EXISTS idx_event_logs_device ON event_logs (device_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_event_logs_created ON event_logs (created_at DESC);
`

// PostgresStore implements Store for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// PoolConfig sizes the database connection pool
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore opens the database and makes sure the event table exists
func NewPostgresStore(ctx context.Context, dsn string, pool PoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
