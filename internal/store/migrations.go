package store

// Schema migrations, applied in order and tracked in schema_versions.
// The SQL is kept to the dialect intersection of SQLite and PostgreSQL:
// TEXT ids, TIMESTAMP columns, partial unique indexes.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS investigations (
    id              TEXT PRIMARY KEY,
    transaction_id  TEXT NOT NULL,
    mode            TEXT NOT NULL DEFAULT 'FULL',
    status          TEXT NOT NULL DEFAULT 'PENDING',
    priority        INTEGER NOT NULL DEFAULT 3,
    severity        TEXT NOT NULL DEFAULT 'LOW',
    confidence      REAL NOT NULL DEFAULT 0,
    step_count      INTEGER NOT NULL DEFAULT 0,
    max_steps       INTEGER NOT NULL DEFAULT 20,
    planner_model   TEXT NOT NULL DEFAULT '',
    trigger_ref     TEXT NOT NULL DEFAULT '',
    model_mode      TEXT NOT NULL DEFAULT 'deterministic',
    llm_status      TEXT NOT NULL DEFAULT 'disabled',
    llm_error       TEXT NOT NULL DEFAULT '',
    llm_model       TEXT NOT NULL DEFAULT '',
    flags_snapshot  TEXT NOT NULL DEFAULT '{}',
    safeguards      TEXT NOT NULL DEFAULT '{}',
    partial         BOOLEAN NOT NULL DEFAULT FALSE,
    error_summary   TEXT NOT NULL DEFAULT '',
    started_at      TIMESTAMP NOT NULL,
    completed_at    TIMESTAMP,
    duration_ms     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_investigations_txn ON investigations(transaction_id);
CREATE INDEX IF NOT EXISTS idx_investigations_status ON investigations(status);
CREATE INDEX IF NOT EXISTS idx_investigations_started ON investigations(started_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_investigations_active
    ON investigations(transaction_id)
    WHERE status IN ('PENDING', 'IN_PROGRESS');

CREATE TABLE IF NOT EXISTS investigation_state (
    investigation_id TEXT PRIMARY KEY REFERENCES investigations(id) ON DELETE CASCADE,
    version          INTEGER NOT NULL,
    schema_version   INTEGER NOT NULL,
    blob             TEXT NOT NULL,
    updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_executions (
    id               TEXT PRIMARY KEY,
    investigation_id TEXT NOT NULL REFERENCES investigations(id) ON DELETE CASCADE,
    step             INTEGER NOT NULL,
    tool_name        TEXT NOT NULL,
    status           TEXT NOT NULL,
    summary          TEXT NOT NULL DEFAULT '',
    error            TEXT NOT NULL DEFAULT '',
    duration_ms      BIGINT NOT NULL DEFAULT 0,
    started_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_exec_investigation ON tool_executions(investigation_id, step);

CREATE TABLE IF NOT EXISTS insights (
    id                    TEXT PRIMARY KEY,
    investigation_id      TEXT NOT NULL,
    transaction_id        TEXT NOT NULL,
    evaluation_type       TEXT NOT NULL,
    insight_type          TEXT NOT NULL,
    model_mode            TEXT NOT NULL,
    transaction_timestamp TIMESTAMP NOT NULL,
    severity              TEXT NOT NULL,
    summary               TEXT NOT NULL DEFAULT '',
    confidence_score      REAL NOT NULL DEFAULT 0,
    generated_at          TIMESTAMP NOT NULL,
    idempotency_key       TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_insights_txn ON insights(transaction_id);
CREATE INDEX IF NOT EXISTS idx_insights_investigation ON insights(investigation_id);

CREATE TABLE IF NOT EXISTS evidence (
    id               TEXT PRIMARY KEY,
    insight_id       TEXT NOT NULL REFERENCES insights(id) ON DELETE CASCADE,
    investigation_id TEXT NOT NULL,
    kind             TEXT NOT NULL,
    category         TEXT NOT NULL,
    strength         REAL NOT NULL,
    freshness_weight REAL NOT NULL DEFAULT 1,
    description      TEXT NOT NULL DEFAULT '',
    related_txn_ids  TEXT NOT NULL DEFAULT '[]',
    supporting_data  TEXT NOT NULL DEFAULT '{}',
    timestamp        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_insight ON evidence(insight_id);

CREATE TABLE IF NOT EXISTS recommendations (
    id              TEXT PRIMARY KEY,
    insight_id      TEXT NOT NULL REFERENCES insights(id) ON DELETE CASCADE,
    type            TEXT NOT NULL,
    priority        INTEGER NOT NULL DEFAULT 3,
    title           TEXT NOT NULL,
    impact          TEXT NOT NULL DEFAULT '',
    payload         TEXT NOT NULL DEFAULT '{}',
    signature_hash  TEXT NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    status          TEXT NOT NULL DEFAULT 'OPEN',
    acknowledged_by TEXT NOT NULL DEFAULT '',
    acknowledged_at TIMESTAMP,
    created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recommendations_insight ON recommendations(insight_id);
CREATE INDEX IF NOT EXISTS idx_recommendations_status ON recommendations(status);

CREATE TABLE IF NOT EXISTS rule_drafts (
    id                TEXT PRIMARY KEY,
    recommendation_id TEXT NOT NULL UNIQUE REFERENCES recommendations(id) ON DELETE CASCADE,
    rule_name         TEXT NOT NULL,
    draft             TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'DRAFT',
    export_ref        TEXT NOT NULL DEFAULT '',
    exported_at       TIMESTAMP,
    created_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transaction_embeddings (
    transaction_id TEXT PRIMARY KEY,
    embedding      TEXT NOT NULL,
    outcome        TEXT NOT NULL DEFAULT '',
    card_id        TEXT NOT NULL DEFAULT '',
    merchant_id    TEXT NOT NULL DEFAULT '',
    amount         REAL NOT NULL DEFAULT 0,
    occurred_at    TIMESTAMP NOT NULL,
    created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_card ON transaction_embeddings(card_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_embeddings_merchant ON transaction_embeddings(merchant_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS audit_events (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL DEFAULT '',
    event_type     TEXT NOT NULL,
    entity_type    TEXT NOT NULL DEFAULT '',
    entity_id      TEXT NOT NULL DEFAULT '',
    result         TEXT NOT NULL DEFAULT '',
    payload        TEXT NOT NULL DEFAULT '{}',
    timestamp      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
`,
	},
}
