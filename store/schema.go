package store

import "database/sql"

// Schema is the complete server schema. Timestamps are epoch milliseconds
// unless the column holds a privacy bucket, which is an ISO-8601 string.
// execution_logs and user_feedback are append-only, enforced by triggers.
const Schema = `
-- Anonymized events as received from devices
CREATE TABLE IF NOT EXISTS secure_events (
    id                  TEXT PRIMARY KEY,
    session_fingerprint TEXT NOT NULL,
    timestamp_bucket    TEXT NOT NULL,
    intent_vector       BLOB NOT NULL,
    structural_hash     TEXT NOT NULL DEFAULT '',
    org_id              TEXT NOT NULL,
    event_type          TEXT NOT NULL CHECK (event_type IN ('dom_mut','user_int','network','error')),
    intent_label        TEXT NOT NULL,
    intent_confidence   REAL NOT NULL CHECK (intent_confidence BETWEEN 0 AND 1),
    element_signature   TEXT NOT NULL DEFAULT '',
    sequence_number     INTEGER NOT NULL,
    device_fingerprint  TEXT NOT NULL DEFAULT '',
    batch_id            TEXT NOT NULL DEFAULT '',
    ingested_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_secure_events_org_time ON secure_events(org_id, ingested_at DESC);
CREATE INDEX IF NOT EXISTS idx_secure_events_session ON secure_events(session_fingerprint, sequence_number);

-- Workflow patterns discovered by clustering
CREATE TABLE IF NOT EXISTS detected_patterns (
    id                    TEXT PRIMARY KEY,
    org_id                TEXT NOT NULL,
    intent_sequence       TEXT NOT NULL DEFAULT '[]',
    structural_hashes     TEXT NOT NULL DEFAULT '[]',
    occurrences           INTEGER NOT NULL DEFAULT 0,
    confidence            REAL NOT NULL DEFAULT 0 CHECK (confidence BETWEEN 0 AND 1),
    suggested_name        TEXT NOT NULL DEFAULT '',
    suggested_description TEXT NOT NULL DEFAULT '',
    first_seen            TEXT NOT NULL DEFAULT '',
    last_seen             TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT 'needs_review'
        CHECK (status IN ('needs_review','auto_suggested','approved','dismissed')),
    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_detected_patterns_org ON detected_patterns(org_id, status);

-- Approved automations
CREATE TABLE IF NOT EXISTS ghosts (
    id                TEXT PRIMARY KEY,
    org_id            TEXT NOT NULL,
    name              TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    version           INTEGER NOT NULL DEFAULT 1,
    status            TEXT NOT NULL DEFAULT 'pending_approval'
        CHECK (status IN ('pending_approval','approved','active','paused','archived')),
    trigger_json      TEXT NOT NULL DEFAULT '{}',
    parameters_json   TEXT NOT NULL DEFAULT '{}',
    execution_plan    TEXT NOT NULL DEFAULT '[]',
    confidence        REAL,
    source_pattern_id TEXT NOT NULL DEFAULT '',
    created_by        TEXT NOT NULL DEFAULT '',
    approved_by       TEXT NOT NULL DEFAULT '',
    is_active         INTEGER NOT NULL DEFAULT 0,
    usage_stats       TEXT NOT NULL DEFAULT '{}',
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ghosts_org ON ghosts(org_id, status);
CREATE INDEX IF NOT EXISTS idx_ghosts_source_pattern ON ghosts(source_pattern_id) WHERE source_pattern_id != '';

-- Immutable snapshot per approved ghost version
CREATE TABLE IF NOT EXISTS ghost_versions (
    id                 TEXT PRIMARY KEY,
    ghost_id           TEXT NOT NULL REFERENCES ghosts(id) ON DELETE CASCADE,
    version            INTEGER NOT NULL,
    execution_plan     TEXT NOT NULL DEFAULT '[]',
    parameters_json    TEXT NOT NULL DEFAULT '{}',
    trigger_json       TEXT NOT NULL DEFAULT '{}',
    change_description TEXT NOT NULL DEFAULT '',
    created_by         TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL,
    UNIQUE (ghost_id, version)
);

CREATE TABLE IF NOT EXISTS executions (
    id              TEXT PRIMARY KEY,
    ghost_id        TEXT NOT NULL,
    org_id          TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'running'
        CHECK (status IN ('running','completed','failed','cancelled')),
    parameters_json TEXT NOT NULL DEFAULT '{}',
    triggered_by    TEXT NOT NULL DEFAULT '',
    step_count      INTEGER NOT NULL DEFAULT 0,
    started_at      INTEGER NOT NULL,
    completed_at    INTEGER,
    error           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_ghost ON executions(ghost_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_org ON executions(org_id, started_at DESC);

CREATE TABLE IF NOT EXISTS execution_steps (
    id           TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
    node_id      TEXT NOT NULL,
    status       TEXT NOT NULL CHECK (status IN ('completed','failed','skipped')),
    strategy     TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    output_json  TEXT NOT NULL DEFAULT 'null',
    error        TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_steps_execution ON execution_steps(execution_id, created_at);

-- Append-only audit trail, one row per execution
CREATE TABLE IF NOT EXISTS execution_logs (
    id              TEXT PRIMARY KEY,
    execution_id    TEXT NOT NULL,
    ghost_id        TEXT NOT NULL,
    org_id          TEXT NOT NULL,
    status          TEXT NOT NULL,
    steps           INTEGER NOT NULL DEFAULT 0,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    strategies_used TEXT NOT NULL DEFAULT '[]',
    logged_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_org ON execution_logs(org_id, logged_at DESC);

CREATE TRIGGER IF NOT EXISTS execution_logs_no_update BEFORE UPDATE ON execution_logs BEGIN
    SELECT RAISE(ABORT, 'execution_logs is append-only');
END;
CREATE TRIGGER IF NOT EXISTS execution_logs_no_delete BEFORE DELETE ON execution_logs BEGIN
    SELECT RAISE(ABORT, 'execution_logs is append-only');
END;

CREATE TABLE IF NOT EXISTS approval_requests (
    id            TEXT PRIMARY KEY,
    ghost_id      TEXT NOT NULL,
    execution_id  TEXT NOT NULL DEFAULT '',
    org_id        TEXT NOT NULL,
    requested_by  TEXT NOT NULL DEFAULT '',
    approved_by   TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending','approved','rejected','expired')),
    reason        TEXT NOT NULL DEFAULT '',
    decision_note TEXT NOT NULL DEFAULT '',
    expires_at    INTEGER NOT NULL,
    created_at    INTEGER NOT NULL,
    resolved_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_ghost ON approval_requests(ghost_id, status);
CREATE INDEX IF NOT EXISTS idx_approval_requests_org ON approval_requests(org_id, status);

-- Append-only user feedback on executions
CREATE TABLE IF NOT EXISTS user_feedback (
    id                 TEXT PRIMARY KEY,
    execution_id       TEXT NOT NULL,
    ghost_id           TEXT NOT NULL,
    org_id             TEXT NOT NULL,
    user_id            TEXT NOT NULL DEFAULT '',
    satisfaction_score INTEGER CHECK (satisfaction_score BETWEEN 1 AND 5),
    corrected_actions  TEXT NOT NULL DEFAULT 'null',
    notes              TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_feedback_ghost ON user_feedback(ghost_id, created_at DESC);

CREATE TRIGGER IF NOT EXISTS user_feedback_no_update BEFORE UPDATE ON user_feedback BEGIN
    SELECT RAISE(ABORT, 'user_feedback is append-only');
END;
CREATE TRIGGER IF NOT EXISTS user_feedback_no_delete BEFORE DELETE ON user_feedback BEGIN
    SELECT RAISE(ABORT, 'user_feedback is append-only');
END;

CREATE TABLE IF NOT EXISTS org_settings (
    org_id                       TEXT PRIMARY KEY,
    settings_json                TEXT NOT NULL DEFAULT '{}',
    auto_approve_threshold       REAL NOT NULL DEFAULT 0.95,
    max_executions_per_minute    INTEGER NOT NULL DEFAULT 10,
    llm_provider                 TEXT NOT NULL DEFAULT '',
    llm_model                    TEXT NOT NULL DEFAULT '',
    require_approval_above_value REAL,
    updated_at                   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_policies (
    id             TEXT PRIMARY KEY,
    org_id         TEXT NOT NULL,
    name           TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    condition_json TEXT NOT NULL DEFAULT '{}',
    action         TEXT NOT NULL CHECK (action IN ('require_approval','block','notify','allow')),
    is_active      INTEGER NOT NULL DEFAULT 1,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_automation_policies_org ON automation_policies(org_id, is_active);
`

// ApplySchema creates all tables, indexes, and triggers.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
