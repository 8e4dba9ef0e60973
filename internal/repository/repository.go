// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// Run listing bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// openTimeout bounds connecting, pinging and migrating at startup.
const openTimeout = 10 * time.Second

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	var db *sql.DB
	var err error
	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// pool holds a driver's connection pool defaults. Non-zero settings in
// RepositoryConfig override them.
type pool struct {
	maxOpen  int
	maxIdle  int
	lifetime time.Duration
}

func (p pool) apply(db *sql.DB, cfg domain.RepositoryConfig) {
	if cfg.MaxOpenConns > 0 {
		p.maxOpen = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		p.maxIdle = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		p.lifetime = cfg.ConnMaxLifetime
	}
	db.SetMaxOpenConns(p.maxOpen)
	db.SetMaxIdleConns(p.maxIdle)
	db.SetConnMaxLifetime(p.lifetime)
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for i, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("schema step %d: %w", i+1, err)
		}
	}
	return nil
}

// SaveRun stores a validation run with tenant isolation.
func (r *SQLRepository) SaveRun(ctx context.Context, tenantID string, run *domain.ValidationRun) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	report, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	decision, _ := json.Marshal(run.Decision)
	metadata, _ := json.Marshal(run.Metadata)

	valid := 0
	if run.Report.IsValid {
		valid = 1
	}

	query := `
		INSERT INTO validation_runs (
			id, tenant_id, batch_id, week_ending_label, record_count, fingerprint,
			is_valid, risk_score, tier, report, decision, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.ID, tenantID, run.BatchID, run.WeekEndingLabel, run.RecordCount, run.Fingerprint,
		valid, run.Report.RiskScore, string(run.Decision.Tier),
		string(report), string(decision), string(metadata), run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `
	id, tenant_id, batch_id, week_ending_label, record_count, fingerprint,
	report, decision, metadata, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.ValidationRun, error) {
	var run domain.ValidationRun
	var weekLabel sql.NullString
	var report, decision, metadata string

	if err := row.Scan(
		&run.ID, &run.TenantID, &run.BatchID, &weekLabel, &run.RecordCount, &run.Fingerprint,
		&report, &decision, &metadata, &run.CreatedAt,
	); err != nil {
		return nil, err
	}

	run.WeekEndingLabel = weekLabel.String
	if err := json.Unmarshal([]byte(report), &run.Report); err != nil {
		return nil, fmt.Errorf("failed to parse report for run %s: %w", run.ID, err)
	}
	json.Unmarshal([]byte(decision), &run.Decision)
	json.Unmarshal([]byte(metadata), &run.Metadata)
	return &run, nil
}

// GetRun retrieves a validation run by ID with tenant isolation.
func (r *SQLRepository) GetRun(ctx context.Context, tenantID string, runID string) (*domain.ValidationRun, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + runColumns + ` FROM validation_runs WHERE tenant_id = ? AND id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the tenant's most recent runs, newest first.
func (r *SQLRepository) ListRuns(ctx context.Context, tenantID string, limit int) ([]*domain.ValidationRun, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `SELECT ` + runColumns + ` FROM validation_runs WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []*domain.ValidationRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// SaveThresholds stores a tenant's threshold overrides.
func (r *SQLRepository) SaveThresholds(ctx context.Context, tenantID string, t *domain.Thresholds) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if t == nil {
		return fmt.Errorf("%w: thresholds are required", ErrInvalidInput)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode thresholds: %w", err)
	}

	query := `
		INSERT INTO tenant_thresholds (tenant_id, thresholds, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			thresholds = excluded.thresholds,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), tenantID, string(data), time.Now().UTC())
	return err
}

// GetThresholds returns the tenant's stored thresholds, or ErrNotFound when
// the tenant runs on defaults.
func (r *SQLRepository) GetThresholds(ctx context.Context, tenantID string) (*domain.Thresholds, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT thresholds FROM tenant_thresholds WHERE tenant_id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// Start from defaults so fields added later keep a sane value.
	t := domain.DefaultThresholds()
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds for %s: %w", tenantID, err)
	}
	return &t, nil
}

// SaveExpressionRule creates or replaces an expression rule.
func (r *SQLRepository) SaveExpressionRule(ctx context.Context, tenantID string, rule *domain.ExpressionRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO expression_rules (
			id, tenant_id, name, description, expression, severity, risk_delta, message, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			severity = excluded.severity,
			risk_delta = excluded.risk_delta,
			message = excluded.message,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Expression,
		string(rule.Severity), rule.RiskDelta, rule.Message, enabled,
		now, now,
	)
	return err
}

// ListExpressionRules returns every expression rule of a tenant, enabled or
// not, ordered by name.
func (r *SQLRepository) ListExpressionRules(ctx context.Context, tenantID string) ([]*domain.ExpressionRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, severity, risk_delta, message, enabled, created_at, updated_at
		FROM expression_rules
		WHERE tenant_id = ?
		ORDER BY name, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*domain.ExpressionRule{}
	for rows.Next() {
		var rule domain.ExpressionRule
		var description, message sql.NullString
		var severity string
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &description, &rule.Expression,
			&severity, &rule.RiskDelta, &message, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.Message = message.String
		rule.Severity = domain.Severity(severity)
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// DeleteExpressionRule removes an expression rule.
func (r *SQLRepository) DeleteExpressionRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM expression_rules WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
