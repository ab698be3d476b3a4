// Package pgregistry implements store.Registry against Postgres: the
// control-plane tables (projects, vcs_systems) that scope a run, kept
// separate from the Neo4j-backed CES/Commit document store. Its Client also
// hands out the sqlx handle through which internal/dlq manages the
// dead_letter_queue table.
package pgregistry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" for database/sql, used by the sqlx-backed DLQ
	"github.com/jmoiron/sqlx"
)

// Client wraps a pgx pool for the registry tables and an sqlx handle (over
// the same DSN via the pgx stdlib adapter) for struct-scanning DLQ queries.
type Client struct {
	pool   *pgxpool.Pool
	sqlxDB *sqlx.DB
	logger *slog.Logger
}

// NewClient connects to Postgres from a connection string and verifies
// connectivity before returning.
func NewClient(ctx context.Context, dsn string) (*Client, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlxDB, err := sqlx.Open("pgx", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open sqlx handle: %w", err)
	}

	logger := slog.Default().With("component", "pgregistry")
	logger.Info("postgres registry connected")

	return &Client{pool: pool, sqlxDB: sqlxDB, logger: logger}, nil
}

// HealthCheck verifies connectivity.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// SqlxDB exposes the sqlx handle the DLQ package scans its rows through.
func (c *Client) SqlxDB() *sqlx.DB {
	return c.sqlxDB
}

// Close closes both the pgx pool and the sqlx handle.
func (c *Client) Close(ctx context.Context) error {
	c.pool.Close()
	return c.sqlxDB.Close()
}
