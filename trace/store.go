package trace

import (
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Schema for the sql_traces table. Call Store.Init() or apply manually
// alongside the observability tables.
const Schema = `
CREATE TABLE IF NOT EXISTS sql_traces (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT,
	op TEXT NOT NULL,
	query TEXT NOT NULL,
	duration_us INTEGER NOT NULL,
	error TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sql_traces_ts ON sql_traces(timestamp);
CREATE INDEX IF NOT EXISTS idx_sql_traces_rid ON sql_traces(request_id) WHERE request_id != '';
CREATE INDEX IF NOT EXISTS idx_sql_traces_slow ON sql_traces(duration_us) WHERE duration_us > 100000;
`

const (
	intakeDepth = 1024
	batchCap    = 64
	flushEvery  = time.Second
)

// Store persists SQL trace entries to a SQLite table asynchronously.
// It MUST be opened with the raw "sqlite" driver (not "sqlite-trace") to
// avoid infinite recursion; ghostd points it at the observability DB.
type Store struct {
	db   *sql.DB
	in   chan *Entry
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewStore creates a trace store backed by the given database connection.
// The db should use the raw "sqlite" driver to avoid tracing its own writes.
func NewStore(db *sql.DB) *Store {
	s := &Store{
		db:   db,
		in:   make(chan *Entry, intakeDepth),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.collect()
	return s
}

// Init creates the sql_traces table if it doesn't exist.
func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// RecordAsync queues an entry for async persistence. Non-blocking; drops
// if the buffer is full so tracing never backpressures the app. Safe to
// call after Close (the entry just goes nowhere).
func (s *Store) RecordAsync(e *Entry) {
	select {
	case s.in <- e:
	default:
	}
}

// Close drains the buffer, flushes and stops the collector. Idempotent.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

// Cleanup deletes traces older than retentionDays and returns the count
// removed. Zero days disables cleanup.
func (s *Store) Cleanup(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMicro()
	res, err := s.db.Exec(`DELETE FROM sql_traces WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) collect() {
	defer close(s.done)

	batch := make([]*Entry, 0, batchCap)
	flush := func() {
		s.flush(batch)
		batch = batch[:0]
	}

	tick := time.NewTicker(flushEvery)
	defer tick.Stop()
	for {
		select {
		case e := <-s.in:
			batch = append(batch, e)
			if len(batch) >= batchCap {
				flush()
			}
		case <-tick.C:
			flush()
		case <-s.stop:
			for {
				select {
				case e := <-s.in:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) flush(batch []*Entry) {
	for off := 0; off < len(batch); off += batchCap {
		end := min(off+batchCap, len(batch))
		if err := s.insertRows(batch[off:end]); err != nil {
			slog.Error("trace store: flush failed", "error", err, "dropped", end-off)
		}
	}
}

func (s *Store) insertRows(entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO sql_traces (request_id, op, query, duration_us, error, timestamp) VALUES ")
	args := make([]any, 0, len(entries)*6)
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?,?,?,?,?,?)")
		args = append(args, e.RequestID, e.Op, e.Query, e.DurationUs, e.Error, e.Timestamp)
	}
	_, err := s.db.Exec(sb.String(), args...)
	return err
}
