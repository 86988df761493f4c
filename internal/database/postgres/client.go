// Package postgres stores jobs, share results and blocks.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps the connection pool.
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient opens the pool and pings the server.
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

// Migrate creates the tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id          TEXT PRIMARY KEY,
		height      BIGINT NOT NULL,
		prev_hash   TEXT NOT NULL,
		header_hash TEXT NOT NULL,
		seed_hash   TEXT NOT NULL,
		target      TEXT NOT NULL,
		bits        TEXT NOT NULL,
		clean_jobs  BOOLEAN NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shares (
		id               UUID PRIMARY KEY,
		job_id           TEXT NOT NULL,
		height           BIGINT NOT NULL,
		session_id       TEXT NOT NULL,
		worker_name      TEXT NOT NULL,
		address          TEXT NOT NULL,
		extranonce1      TEXT NOT NULL,
		nonce            TEXT NOT NULL,
		accepted         BOOLEAN NOT NULL,
		error_code       INTEGER NOT NULL DEFAULT 0,
		error_message    TEXT NOT NULL DEFAULT '',
		difficulty       DOUBLE PRECISION NOT NULL,
		share_difficulty DOUBLE PRECISION NOT NULL,
		is_block         BOOLEAN NOT NULL,
		submitted_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS shares_address_submitted_at ON shares (address, submitted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		candidate_id       UUID PRIMARY KEY,
		share_id           UUID NOT NULL,
		height             BIGINT NOT NULL,
		hash               TEXT NOT NULL,
		worker_name        TEXT NOT NULL,
		address            TEXT NOT NULL,
		share_difficulty   DOUBLE PRECISION NOT NULL,
		network_difficulty DOUBLE PRECISION NOT NULL,
		status             TEXT NOT NULL,
		error_message      TEXT NOT NULL DEFAULT '',
		found_at           TIMESTAMPTZ NOT NULL,
		submitted_at       TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS blocks_height ON blocks (height DESC)`,
}
