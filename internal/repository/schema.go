package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    record TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(tenant_id, created_at);
`

const schemaPredictions = `
CREATE TABLE IF NOT EXISTS predictions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT,
    prediction INTEGER NOT NULL,
    is_fraud INTEGER NOT NULL,
    probability_fraud REAL NOT NULL,
    probability_non_fraud REAL NOT NULL,
    anomaly_score REAL NOT NULL DEFAULT 0,
    model_family TEXT NOT NULL,
    model_version TEXT NOT NULL,
    explanation TEXT,
    timestamp TIMESTAMP NOT NULL,
    encode_ms INTEGER NOT NULL DEFAULT 0,
    predict_ms INTEGER NOT NULL DEFAULT 0,
    explain_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_predictions_tenant ON predictions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_predictions_tx ON predictions(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_predictions_fraud ON predictions(tenant_id, is_fraud);
CREATE INDEX IF NOT EXISTS idx_predictions_timestamp ON predictions(tenant_id, timestamp);
`

const schemaAlertPolicies = `
CREATE TABLE IF NOT EXISTS alert_policies (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'medium',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_alert_policies_tenant ON alert_policies(tenant_id);
CREATE INDEX IF NOT EXISTS idx_alert_policies_enabled ON alert_policies(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaPredictions,
		schemaAlertPolicies,
	}
}
