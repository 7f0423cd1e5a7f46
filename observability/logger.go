package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/veyra/ghostwork/idgen"
)

// BusinessEvent is a domain-level lifecycle record: a pattern surfaced, a
// ghost approved, a scheduled run submitted. Coarser than metrics, broader
// than the per-request audit trail.
type BusinessEvent struct {
	EventType   string // e.g. "pattern_detected", "ghost_approved", "schedule_tick"
	ServiceName string // e.g. "ghostd"
	EntityType  string // e.g. "pattern", "ghost", "execution"
	EntityID    string
	OrgID       string
	Action      string
	Details     string // optional JSON
	Success     bool
}

// EventLogger writes business events to the observability database.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed(idgen.PrefixEvent, idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

const insertEventSQL = `INSERT INTO event_log
	(id, event, service, entity_kind, entity_id,
	 org_id, action, details, success, logged_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// LogEvent records a business event. Failures are logged and swallowed: a
// broken observability store must never take the pipeline down with it.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	_, err := l.db.ExecContext(ctx, insertEventSQL,
		l.newID(), event.EventType, event.ServiceName, event.EntityType, event.EntityID,
		event.OrgID, event.Action, event.Details, event.Success, time.Now().UnixMilli())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// RetentionConfig specifies per-table retention in days. Zero disables
// cleanup for that table.
type RetentionConfig struct {
	EventLogsDays  int
	HeartbeatsDays int
	RunVacuumAfter bool
}

// Cleanup deletes event logs and heartbeats past their retention windows.
// Metrics have their own retention via MetricsManager.Cleanup.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	sweep := func(table, tsCol string, days int) error {
		if days <= 0 {
			return nil
		}
		cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
		_, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+tsCol+" < ?", cutoff)
		if err != nil {
			return fmt.Errorf("cleanup %s: %w", table, err)
		}
		return nil
	}

	if err := sweep("event_log", "logged_at", cfg.EventLogsDays); err != nil {
		return err
	}
	if err := sweep("heartbeats", "beat_at", cfg.HeartbeatsDays); err != nil {
		return err
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
