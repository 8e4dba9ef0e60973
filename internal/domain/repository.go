package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that match nothing for the tenant.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Validation runs (audit trail)
	SaveRun(ctx context.Context, tenantID string, run *ValidationRun) error
	GetRun(ctx context.Context, tenantID string, runID string) (*ValidationRun, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]*ValidationRun, error)

	// Per-tenant thresholds
	SaveThresholds(ctx context.Context, tenantID string, t *Thresholds) error
	GetThresholds(ctx context.Context, tenantID string) (*Thresholds, error)

	// Expression rules
	SaveExpressionRule(ctx context.Context, tenantID string, rule *ExpressionRule) error
	ListExpressionRules(ctx context.Context, tenantID string) ([]*ExpressionRule, error)
	DeleteExpressionRule(ctx context.Context, tenantID string, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
