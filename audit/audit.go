// Package audit persists an operation-level trail of governance actions:
// who asked for what, over which transport, and how it ended. Approval
// decisions, execution requests and MCP tool calls all land here, next to
// (not instead of) the per-run execution_logs the store keeps.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/veyra/ghostwork/idgen"
	"github.com/veyra/ghostwork/kit"
)

// flushBatch is how many queued entries trigger an early flush.
const flushBatch = 32

// Entry is one audited operation. Zero fields are filled on write: id,
// timestamp, transport ("http") and status ("success" unless Error is set).
type Entry struct {
	EntryID    string
	Timestamp  int64 // epoch ms
	Action     string
	OrgID      string
	UserID     string
	Transport  string
	RequestID  string
	Parameters string // JSON
	Status     string // "success" or "error"
	Error      string
	DurationMs int64
}

// Filter narrows Query results. Zero values mean "any".
type Filter struct {
	OrgID  string
	Action string
	Status string
	Since  int64 // epoch ms, inclusive
	Limit  int   // default 100
}

// SQLiteLogger writes audit entries to SQLite, either synchronously or
// through a buffered background flusher.
type SQLiteLogger struct {
	db    *sql.DB
	newID idgen.Generator
	log   *slog.Logger

	ch   chan *Entry
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator overrides the entry ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithLogger sets the slog logger for flush failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.log = log }
}

// NewSQLiteLogger builds a logger over db and starts its flush goroutine.
// Call Init once before logging and Close on shutdown.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:    db,
		newID: idgen.Prefixed(idgen.PrefixAudit, idgen.Default),
		log:   slog.Default(),
		ch:    make(chan *Entry, 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	go l.flushLoop()
	return l
}

// Init creates the audit_log table and its indexes. Idempotent.
func (l *SQLiteLogger) Init() error {
	_, err := l.db.Exec(`
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    action        TEXT NOT NULL,
    org_id        TEXT NOT NULL DEFAULT '',
    user_id       TEXT NOT NULL DEFAULT '',
    transport     TEXT NOT NULL DEFAULT 'http',
    request_id    TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'success',
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_log_org_time ON audit_log(org_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action, timestamp DESC);`)
	if err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Log writes an entry synchronously, filling defaults first.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	return l.insert(ctx, e)
}

// LogAsync queues an entry for the background flusher. When the buffer is
// full the write degrades to synchronous so no entry is dropped.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		l.log.Warn("audit: buffer full, sync fallback", "action", e.Action)
		if err := l.insert(context.Background(), e); err != nil {
			l.log.Error("audit: sync fallback failed", "error", err, "entry_id", e.EntryID)
		}
	}
}

// Query returns entries matching f, newest first.
func (l *SQLiteLogger) Query(ctx context.Context, f *Filter) ([]*Entry, error) {
	q := `SELECT entry_id, timestamp, action, org_id, user_id, transport,
		request_id, parameters, status, error_message, duration_ms
		FROM audit_log WHERE 1=1`
	var args []any
	if f.OrgID != "" {
		q += " AND org_id = ?"
		args = append(args, f.OrgID)
	}
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Since > 0 {
		q += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Action, &e.OrgID,
			&e.UserID, &e.Transport, &e.RequestID, &e.Parameters,
			&e.Status, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retentionDays and reports how many.
func (l *SQLiteLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer, flushes, and stops the background goroutine.
func (l *SQLiteLogger) Close() error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
	})
	return nil
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

func (l *SQLiteLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			l.log.Error("audit: begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if _, err := tx.ExecContext(ctx, insertSQL, insertArgs(e)...); err != nil {
				l.log.Error("audit: insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			l.log.Error("audit: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

const insertSQL = `INSERT INTO audit_log
	(entry_id, timestamp, action, org_id, user_id, transport,
	 request_id, parameters, status, error_message, duration_ms)
	VALUES (?,?,?,?,?,?,?,?,?,?,?)`

func insertArgs(e *Entry) []any {
	return []any{e.EntryID, e.Timestamp, e.Action, e.OrgID, e.UserID,
		e.Transport, e.RequestID, e.Parameters, e.Status, e.Error, e.DurationMs}
}

func (l *SQLiteLogger) insert(ctx context.Context, e *Entry) error {
	if _, err := l.db.ExecContext(ctx, insertSQL, insertArgs(e)...); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Middleware audits every invocation of the wrapped endpoint under the given
// action name. Identity and transport come from the request context; the
// request itself is recorded as JSON. Entries are queued asynchronously so
// auditing never blocks the call path.
func Middleware(logger *SQLiteLogger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := &Entry{
				Action:     action,
				OrgID:      kit.GetOrgID(ctx),
				UserID:     kit.GetUserID(ctx),
				Transport:  kit.GetTransport(ctx),
				RequestID:  kit.GetRequestID(ctx),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if req != nil {
				if b, merr := json.Marshal(req); merr == nil {
					e.Parameters = truncate(string(b), 4096)
				}
			}
			if err != nil {
				e.Error = err.Error()
			}
			logger.LogAsync(e)
			return resp, err
		}
	}
}

// truncate keeps parameters bounded; an audit row is a record, not a dump.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "") + "..."
}
