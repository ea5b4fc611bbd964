package repository

// Schema definitions, compatible with both SQLite and PostgreSQL.

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    version BIGINT PRIMARY KEY,
    document TEXT NOT NULL,
    groups_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    allow INTEGER NOT NULL,
    action TEXT NOT NULL,
    reason TEXT,
    rule_index INTEGER NOT NULL,
    matched_rule TEXT,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_tx ON decisions(tx_id);
CREATE INDEX IF NOT EXISTS idx_decisions_request ON decisions(request_id);
CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPolicies,
		schemaDecisions,
	}
}
