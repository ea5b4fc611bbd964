// Package domain defines the core interfaces and types for txpolicy.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Transaction history used for aggregation is deliberately not persisted.
type Repository interface {
	// Policy documents are versioned; the highest version is active.
	SavePolicy(ctx context.Context, doc *PolicyDocument) (int64, error)
	GetActivePolicy(ctx context.Context) (*PolicyDocument, error)

	// Decision audit trail
	SaveDecision(ctx context.Context, d *Decision) error
	GetDecision(ctx context.Context, id string) (*Decision, error)
	ListDecisionsByTx(ctx context.Context, txID string) ([]*Decision, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	SQLitePath string

	// PostgresDSN overrides the individual Postgres fields when set.
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
