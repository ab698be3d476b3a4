// Package neo4jstore implements store.Gateway over Neo4j. Commit and CES
// records are modeled as property-graph nodes — the node's property map is
// the document — linked by PARENT_OF (Commit->Commit), HAS_CES
// (Commit->CES), and CE_PARENT (CES->CES) edges.
package neo4jstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Client wraps the Neo4j driver with the connection-pool tuning and
// fail-fast connectivity check used throughout this stack.
type Client struct {
	driver   neo4j.DriverWithContext
	logger   *slog.Logger
	database string
}

// NewClient opens a pooled connection to Neo4j and verifies connectivity
// before returning, so startup fails fast rather than on the first query.
// realm may be empty for the server's default authentication realm.
func NewClient(ctx context.Context, uri, user, password, realm, database string) (*Client, error) {
	if uri == "" || user == "" {
		return nil, fmt.Errorf("neo4j credentials missing: uri=%s user=%s", uri, user)
	}

	driver, err := neo4j.NewDriverWithContext(uri,
		neo4j.BasicAuth(user, password, realm),
		func(config *neo4j.Config) {
			config.MaxConnectionPoolSize = 50
			config.ConnectionAcquisitionTimeout = 60 * time.Second
			config.MaxConnectionLifetime = 3600 * time.Second
			config.ConnectionLivenessCheckTimeout = 5 * time.Second
			config.SocketConnectTimeout = 5 * time.Second
			config.SocketKeepalive = true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j at %s: %w", uri, err)
	}

	logger := slog.Default().With("component", "neo4jstore")
	logger.Info("neo4j client connected", "uri", uri, "user", user, "database", database)

	return &Client{driver: driver, logger: logger, database: database}, nil
}

// Close closes the underlying driver.
func (c *Client) Close(ctx context.Context) error {
	if err := c.driver.Close(ctx); err != nil {
		return fmt.Errorf("failed to close neo4j driver: %w", err)
	}
	return nil
}

// HealthCheck verifies connectivity without issuing a query.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j health check failed: %w", err)
	}
	return nil
}

// noDeadlineSession opens a session configured with no server-side or
// client-side deadline, per the requirement that long commit-history scans
// not be cut off by a cursor timeout. Callers still honor ctx cancellation.
func (c *Client) noDeadlineSession(ctx context.Context) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		BookmarkManager: nil,
	})
}
