// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories and rule sources for missing records.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Rule document operations
	SaveRuleDocument(ctx context.Context, tenantID string, module string, doc *RuleDocument) error
	GetRuleDocument(ctx context.Context, tenantID string, module string) (*RuleDocument, error)
	ListRuleModules(ctx context.Context, tenantID string) ([]string, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, tenantID string, eval *EvaluationResponse) error
	GetEvaluation(ctx context.Context, tenantID string, evalID string) (*EvaluationResponse, error)
	ListEvaluationsByApplication(ctx context.Context, tenantID string, applicationID string) ([]*EvaluationResponse, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RuleSource loads the rule document for a tenant/module.
// Implementations return ErrNotFound when no document exists.
type RuleSource interface {
	Fetch(ctx context.Context, tenantID string, module string) (*RuleDocument, error)
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
