package observability

import "database/sql"

// Schema contains the DDL for the observability tables. Call Init(db) to
// apply it, or embed the constant in your own schema management. The
// observability database is separate from the application store so metric
// flushes never contend with ingest writes. Timestamps are epoch
// milliseconds, same convention as the application store.
const Schema = `
-- Worker liveness
CREATE TABLE IF NOT EXISTS heartbeats (
    id         TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker     TEXT NOT NULL,
    host       TEXT NOT NULL,
    pid        INTEGER NOT NULL,
    beat_at    INTEGER NOT NULL,
    goroutines INTEGER,
    heap_mb    REAL,
    sys_mb     REAL,
    gc_cycles  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker ON heartbeats(worker, beat_at DESC);
CREATE INDEX IF NOT EXISTS idx_heartbeats_at ON heartbeats(beat_at);

-- Metric datapoints
CREATE TABLE IF NOT EXISTS metric_points (
    id          TEXT PRIMARY KEY DEFAULT ('mp_' || hex(randomblob(16))),
    name        TEXT NOT NULL,
    recorded_at INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT
);
CREATE INDEX IF NOT EXISTS idx_metric_points_name ON metric_points(name, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_metric_points_at ON metric_points(recorded_at);

-- Domain lifecycle events
CREATE TABLE IF NOT EXISTS event_log (
    id          TEXT PRIMARY KEY,
    event       TEXT NOT NULL,
    service     TEXT NOT NULL,
    entity_kind TEXT,
    entity_id   TEXT,
    org_id      TEXT,
    action      TEXT NOT NULL,
    details     TEXT,
    success     INTEGER NOT NULL DEFAULT 1,
    logged_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_event ON event_log(event, logged_at DESC);
CREATE INDEX IF NOT EXISTS idx_event_log_org ON event_log(org_id, logged_at DESC);
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
