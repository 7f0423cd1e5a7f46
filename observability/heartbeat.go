package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// RuntimeMetrics is a point-in-time snapshot of the Go process.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	MemorySysMB     float64
	GCCount         uint32
}

func toMB(b uint64) float64 { return float64(b) / (1 << 20) }

// CollectRuntimeMetrics samples goroutine count, heap usage and GC activity.
// Cheap enough to call on every heartbeat.
func CollectRuntimeMetrics() RuntimeMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   toMB(ms.Alloc),
		MemorySysMB:     toMB(ms.Sys),
		GCCount:         ms.NumGC,
	}
}

const insertBeatSQL = `INSERT INTO heartbeats
	(worker, host, pid, beat_at, goroutines, heap_mb, sys_mb, gc_cycles)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// HeartbeatWriter periodically records that a named worker is alive.
// ghostd runs one for the API process and one for the pattern worker;
// a dashboard that sees no fresh beat knows the loop is wedged, not idle.
type HeartbeatWriter struct {
	db     *sql.DB
	worker string
	host   string
	pid    int
	every  time.Duration
	quit   chan struct{}
	ended  chan struct{}
}

// NewHeartbeatWriter builds a writer for the given worker name. Beats are
// written every interval; 15s is the usual choice.
func NewHeartbeatWriter(db *sql.DB, worker string, interval time.Duration) *HeartbeatWriter {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &HeartbeatWriter{
		db:     db,
		worker: worker,
		host:   host,
		pid:    os.Getpid(),
		every:  interval,
		quit:   make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

// WriteHeartbeat records a single beat with a fresh runtime snapshot.
func (w *HeartbeatWriter) WriteHeartbeat() error {
	return w.record(CollectRuntimeMetrics())
}

func (w *HeartbeatWriter) record(rm RuntimeMetrics) error {
	_, err := w.db.Exec(insertBeatSQL,
		w.worker, w.host, w.pid, time.Now().UnixMilli(),
		rm.GoroutinesCount, rm.MemoryAllocMB, rm.MemorySysMB, rm.GCCount)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Start begins beating in a background goroutine. The first beat lands
// immediately so a freshly started worker never looks stale.
func (w *HeartbeatWriter) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the beat goroutine and waits until it has exited.
func (w *HeartbeatWriter) Stop() {
	close(w.quit)
	<-w.ended
}

func (w *HeartbeatWriter) run(ctx context.Context) {
	defer close(w.ended)

	beat := func() {
		if err := w.WriteHeartbeat(); err != nil {
			slog.Error("heartbeat insert failed", "worker", w.worker, "error", err)
		}
	}
	beat()

	tick := time.NewTicker(w.every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-tick.C:
			beat()
		}
	}
}

// HeartbeatStatus reports the newest beat for a worker together with the
// alive/stale verdict, so callers don't redo the arithmetic.
type HeartbeatStatus struct {
	WorkerName      string         `json:"worker_name"`
	Hostname        string         `json:"hostname"`
	PID             int            `json:"pid"`
	Timestamp       time.Time      `json:"timestamp"`
	GoroutinesCount int            `json:"goroutines_count"`
	MemoryAllocMB   float64        `json:"memory_alloc_mb"`
	MemorySysMB     float64        `json:"memory_sys_mb"`
	GCCount         int            `json:"gc_count"`
	Alive           bool           `json:"alive"`
	StaleSince      *time.Duration `json:"stale_since,omitempty"`
}

// LatestHeartbeat fetches the most recent beat for worker and judges it
// against maxAge (commonly 3× the beat interval). A worker that never beat
// returns (nil, nil) rather than an error: absence is a valid answer.
func LatestHeartbeat(ctx context.Context, db *sql.DB, worker string, maxAge time.Duration) (*HeartbeatStatus, error) {
	var (
		name, host string
		pid, gr    int
		ts         int64
		allocMB    float64
		sysMB      float64
		gc         int
	)
	err := db.QueryRowContext(ctx, `SELECT worker, host, pid, beat_at,
		goroutines, heap_mb, sys_mb, gc_cycles
		FROM heartbeats WHERE worker = ?
		ORDER BY beat_at DESC LIMIT 1`, worker).
		Scan(&name, &host, &pid, &ts, &gr, &allocMB, &sysMB, &gc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}

	st := &HeartbeatStatus{
		WorkerName:      name,
		Hostname:        host,
		PID:             pid,
		Timestamp:       time.UnixMilli(ts),
		GoroutinesCount: gr,
		MemoryAllocMB:   allocMB,
		MemorySysMB:     sysMB,
		GCCount:         gc,
	}
	age := time.Since(st.Timestamp)
	st.Alive = age <= maxAge
	if !st.Alive {
		over := age - maxAge
		st.StaleSince = &over
	}
	return st, nil
}

// CleanupHeartbeats removes beats older than retentionDays. Old beats have
// no diagnostic value; only the recent trail matters.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := db.ExecContext(ctx, `DELETE FROM heartbeats WHERE beat_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup heartbeats: %w", err)
	}
	return res.RowsAffected()
}
