// Package observability provides SQLite-native monitoring for ghostd:
// metric timeseries, worker heartbeats and business events, with no
// external monitoring stack to deploy alongside.
//
// Each component writes to a shared observability database (separate from
// the application store to avoid write contention). Call Init() on the
// shared *sql.DB first, then pass it to the individual constructors.
//
// All persistence is async and non-blocking: buffer overflow silently drops
// datapoints rather than applying backpressure to the application.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string // e.g. "detect_cycle_ms", "ingest_event_count"
	Timestamp time.Time
	Value     float64
	Labels    map[string]string // optional key/value pairs
	Unit      string            // "milliseconds", "count", "bytes"
}

// MetricsManager accepts metrics on a channel and batches them into
// SQLite from a single collector goroutine, so recording never takes a
// lock on the hot path.
type MetricsManager struct {
	db       *sql.DB
	batchMax int
	every    time.Duration
	in       chan *Metric
	stop     chan struct{}
	done     chan struct{}
}

// NewMetricsManager starts the collector. bufferSize bounds both the batch
// size and the intake channel; flushInterval caps how stale a buffered
// datapoint can get. ghostd uses 100 / 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	mm := &MetricsManager{
		db:       db,
		batchMax: bufferSize,
		every:    flushInterval,
		in:       make(chan *Metric, bufferSize*2),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go mm.collect()
	return mm
}

// Record queues a metric for async persistence. Never blocks: when the
// intake channel is full the datapoint is dropped.
func (mm *MetricsManager) Record(m *Metric) {
	select {
	case mm.in <- m:
	default:
	}
}

// RecordSimple is a convenience helper for metrics without labels.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Unit: unit})
}

// Close drains the intake channel, flushes everything buffered and stops
// the collector. After Close returns all recorded metrics are on disk.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) collect() {
	defer close(mm.done)

	pending := make([]*Metric, 0, mm.batchMax)
	flush := func() {
		mm.persist(pending)
		pending = pending[:0]
	}

	tick := time.NewTicker(mm.every)
	defer tick.Stop()
	for {
		select {
		case m := <-mm.in:
			pending = append(pending, m)
			if len(pending) >= mm.batchMax {
				flush()
			}
		case <-tick.C:
			flush()
		case <-mm.stop:
			for {
				select {
				case m := <-mm.in:
					pending = append(pending, m)
				default:
					flush()
					return
				}
			}
		}
	}
}

// persist writes one batch in a single transaction, chunked so the
// multi-row insert stays under SQLite's bound-parameter ceiling.
func (mm *MetricsManager) persist(batch []*Metric) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("metrics flush: begin tx", "error", err)
		return
	}
	const rowsPerStmt = 100
	for off := 0; off < len(batch); off += rowsPerStmt {
		end := min(off+rowsPerStmt, len(batch))
		if err := insertMetricRows(ctx, tx, batch[off:end]); err != nil {
			tx.Rollback()
			slog.Error("metrics flush failed", "error", err, "dropped", len(batch))
			return
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("metrics flush: commit", "error", err)
	}
}

func insertMetricRows(ctx context.Context, tx *sql.Tx, ms []*Metric) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO metric_points (name, recorded_at, value, labels, unit) VALUES ")
	args := make([]any, 0, len(ms)*5)
	for i, m := range ms {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?,?,?,?,?)")
		args = append(args, m.Name, m.Timestamp.UnixMilli(), m.Value, encodeLabels(m.Labels), m.Unit)
	}
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// encodeLabels returns nil (SQL NULL) for empty or unmarshalable label sets.
func encodeLabels(labels map[string]string) any {
	if len(labels) == 0 {
		return nil
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return nil
	}
	return string(b)
}

// Query retrieves metrics filtered by name, time range and limit, newest
// first. Empty metricName matches all; nil time pointers mean unbounded;
// limit <= 0 means no limit.
func (mm *MetricsManager) Query(metricName string, startTime, endTime *time.Time, limit int) ([]*Metric, error) {
	var (
		conds []string
		args  []any
	)
	if metricName != "" {
		conds = append(conds, "name = ?")
		args = append(args, metricName)
	}
	if startTime != nil {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, startTime.UnixMilli())
	}
	if endTime != nil {
		conds = append(conds, "recorded_at <= ?")
		args = append(args, endTime.UnixMilli())
	}

	q := "SELECT name, recorded_at, value, labels, unit FROM metric_points"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY recorded_at DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			name, unit string
			ts         int64
			value      float64
			rawLabels  sql.NullString
		)
		if err := rows.Scan(&name, &ts, &value, &rawLabels, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m := &Metric{Name: name, Timestamp: time.UnixMilli(ts), Value: value, Unit: unit}
		if rawLabels.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(rawLabels.String), &labels) == nil {
				m.Labels = labels
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than retentionDays and reports how many
// rows went away.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := mm.db.ExecContext(ctx, `DELETE FROM metric_points WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Standard metric name constants, one set per pipeline stage.
const (
	MetricIngestBatchCount   = "ingest_batch_count"
	MetricIngestEventCount   = "ingest_event_count"
	MetricIngestRejectCount  = "ingest_reject_count"
	MetricDetectCycleMs      = "detect_cycle_ms"
	MetricDetectPatternCount = "detect_pattern_count"
	MetricExecuteDurationMs  = "execute_duration_ms"
	MetricExecuteStepCount   = "execute_step_count"
	MetricExecuteHealCount   = "execute_heal_count"
	MetricScheduleTickCount  = "schedule_tick_count"
)
