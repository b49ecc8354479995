package repository

// Schema definitions for the Warden database.
// Compatible with both SQLite and PostgreSQL.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    class TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    actor_id TEXT,
    target_id TEXT,
    value REAL NOT NULL DEFAULT 0,
    attrs TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_entity ON events(class, entity_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_class_timestamp ON events(class, timestamp);
`

const schemaThreatStates = `
CREATE TABLE IF NOT EXISTS threat_states (
    class TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    score REAL NOT NULL,
    state TEXT NOT NULL,
    signals TEXT NOT NULL,
    last_evaluated_at TIMESTAMP NOT NULL,
    next_evaluation_at TIMESTAMP NOT NULL,
    PRIMARY KEY (class, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_threat_states_state ON threat_states(class, state);
`

const schemaDetectorConfigs = `
CREATE TABLE IF NOT EXISTS detector_configs (
    id TEXT NOT NULL,
    class TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    kind TEXT NOT NULL,
    severity TEXT NOT NULL,
    expression TEXT NOT NULL,
    min_confidence REAL NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, class)
);

CREATE INDEX IF NOT EXISTS idx_detector_configs_enabled ON detector_configs(class, enabled);
`

const schemaAuditRecords = `
CREATE TABLE IF NOT EXISTS audit_records (
    id TEXT PRIMARY KEY,
    class TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    operation TEXT,
    from_state TEXT,
    to_state TEXT,
    score REAL NOT NULL DEFAULT 0,
    reason TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_records_entity ON audit_records(class, entity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_records_kind ON audit_records(class, kind);
`

const schemaCheckpoints = `
CREATE TABLE IF NOT EXISTS evaluator_checkpoints (
    class TEXT PRIMARY KEY,
    tick_started_at TIMESTAMP NOT NULL,
    cursor TEXT NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaThreatStates,
		schemaDetectorConfigs,
		schemaAuditRecords,
		schemaCheckpoints,
	}
}
