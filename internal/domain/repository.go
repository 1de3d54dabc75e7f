package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, txID string, record TransactionRecord) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (TransactionRecord, error)

	// Prediction results
	SavePrediction(ctx context.Context, tenantID string, pred *PredictionResult) error
	GetPrediction(ctx context.Context, tenantID string, predID string) (*PredictionResult, error)
	ListPredictions(ctx context.Context, tenantID string, limit int) ([]*PredictionResult, error)

	// Alert policy operations
	SavePolicy(ctx context.Context, tenantID string, policy *AlertPolicy) error
	GetPolicy(ctx context.Context, tenantID string, policyID string) (*AlertPolicy, error)
	ListPolicies(ctx context.Context, tenantID string) ([]*AlertPolicy, error)
	DeletePolicy(ctx context.Context, tenantID string, policyID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
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
