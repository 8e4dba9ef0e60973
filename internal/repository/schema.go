package repository

// Schema definitions for the billguard database.
// Compatible with both SQLite and PostgreSQL.

// schemaValidationRuns is the audit trail of every validate call. The
// report, decision and metadata columns hold JSON.
const schemaValidationRuns = `
CREATE TABLE IF NOT EXISTS validation_runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    batch_id TEXT NOT NULL,
    week_ending_label TEXT,
    record_count INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    is_valid INTEGER NOT NULL,
    risk_score REAL NOT NULL,
    tier TEXT NOT NULL,
    report TEXT NOT NULL,
    decision TEXT NOT NULL,
    metadata TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_validation_runs_tenant ON validation_runs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_validation_runs_batch ON validation_runs(tenant_id, batch_id);
CREATE INDEX IF NOT EXISTS idx_validation_runs_tier ON validation_runs(tenant_id, tier);
CREATE INDEX IF NOT EXISTS idx_validation_runs_created ON validation_runs(tenant_id, created_at);
`

const schemaTenantThresholds = `
CREATE TABLE IF NOT EXISTS tenant_thresholds (
    tenant_id TEXT PRIMARY KEY,
    thresholds TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaExpressionRules = `
CREATE TABLE IF NOT EXISTS expression_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    severity TEXT NOT NULL,
    risk_delta REAL NOT NULL DEFAULT 0,
    message TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_expression_rules_tenant ON expression_rules(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaValidationRuns,
		schemaTenantThresholds,
		schemaExpressionRules,
	}
}
