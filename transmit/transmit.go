// Package transmit batches secure events and ships them to the ingestion
// endpoint. It owns an in-memory buffer, a failed-batch queue with a spool
// file for crash durability, and a per-minute send budget. Batches may
// arrive out of order across retries; sequence numbers carry intra-session
// order, so the transmitter never reorders or waits.
package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/veyra/ghostwork/event"
	"github.com/veyra/ghostwork/idgen"
)

// maxFailedBatches caps the failed queue; older batches are discarded first.
const maxFailedBatches = 10

// Config controls batching and delivery. Zero values take the defaults
// noted per field.
type Config struct {
	Endpoint       string
	APIKey         string
	MaxBatchSize   int           // 100
	FlushInterval  time.Duration // 10s
	MaxRetries     int           // 3
	RetryBase      time.Duration // 1s
	PerMinuteLimit int           // 1000
	SpoolPath      string        // empty disables the spool file
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.PerMinuteLimit <= 0 {
		c.PerMinuteLimit = 1000
	}
}

// Stats is a point-in-time snapshot of transmitter counters.
type Stats struct {
	TotalSent        uint64 `json:"totalSent"`
	TotalFailed      uint64 `json:"totalFailed"`
	TotalDropped     uint64 `json:"totalDropped"`
	TotalBatches     uint64 `json:"totalBatches"`
	BufferSize       int    `json:"bufferSize"`
	FailedBatchCount int    `json:"failedBatchCount"`
	EventsThisMinute int    `json:"eventsThisMinute"`
}

// Transmitter is safe for concurrent use.
type Transmitter struct {
	cfg    Config
	device string
	client *http.Client
	newID  idgen.Generator
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool

	mu        sync.Mutex
	buffer    []event.Secure
	failed    []event.Batch
	flushing  bool
	minuteKey int64
	minuteCnt int

	totalSent    uint64
	totalFailed  uint64
	totalDropped uint64
	totalBatches uint64
}

// Option configures a Transmitter.
type Option func(*Transmitter)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transmitter) { t.client = c }
}

// WithLogger sets the transmitter logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transmitter) { t.logger = l }
}

// WithGenerator replaces the batch id generator.
func WithGenerator(g idgen.Generator) Option {
	return func(t *Transmitter) { t.newID = g }
}

// WithClock replaces the wall clock used for the minute window and sentAt.
func WithClock(now func() time.Time) Option {
	return func(t *Transmitter) { t.now = now }
}

// New returns a Transmitter for one device. Failed batches persisted by an
// earlier run are restored from the spool file, which is then cleared.
func New(device string, cfg Config, opts ...Option) *Transmitter {
	cfg.applyDefaults()
	t := &Transmitter{
		cfg:    cfg,
		device: device,
		client: &http.Client{Timeout: 30 * time.Second},
		newID:  idgen.Default,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.restoreSpool()
	return t
}

// Enqueue buffers one event. Events beyond the per-minute send budget are
// dropped. Filling the buffer to MaxBatchSize triggers an asynchronous
// flush.
func (t *Transmitter) Enqueue(ev event.Secure) {
	t.mu.Lock()
	if t.minuteCountLocked() >= t.cfg.PerMinuteLimit {
		t.totalDropped++
		t.mu.Unlock()
		return
	}
	t.buffer = append(t.buffer, ev)
	full := len(t.buffer) >= t.cfg.MaxBatchSize
	t.mu.Unlock()

	if full {
		go t.Flush(context.Background())
	}
}

// Flush sends up to one batch from the buffer, then tries to drain the
// failed queue. A flush already in progress makes this a no-op.
func (t *Transmitter) Flush(ctx context.Context) {
	t.mu.Lock()
	if t.flushing || len(t.buffer) == 0 {
		t.mu.Unlock()
		return
	}
	t.flushing = true
	n := len(t.buffer)
	if n > t.cfg.MaxBatchSize {
		n = t.cfg.MaxBatchSize
	}
	events := make([]event.Secure, n)
	copy(events, t.buffer[:n])
	m := copy(t.buffer, t.buffer[n:])
	t.buffer = t.buffer[:m]
	t.mu.Unlock()

	batch := event.Batch{
		Events:            events,
		DeviceFingerprint: t.device,
		BatchID:           t.newID(),
		SentAt:            t.now().UTC().Format(time.RFC3339),
	}
	t.sendBatch(ctx, batch)
	t.drainFailed(ctx)

	t.mu.Lock()
	t.flushing = false
	t.mu.Unlock()
}

// Run flushes on a fixed interval until ctx is canceled, then performs a
// final flush and persists whatever could not be delivered.
func (t *Transmitter) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Close()
			return
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Close flushes once with a short deadline and persists the failed queue.
func (t *Transmitter) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Flush(ctx)

	t.mu.Lock()
	t.persistLocked()
	t.mu.Unlock()
}

// Stats returns a snapshot of the transmitter counters.
func (t *Transmitter) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		TotalSent:        t.totalSent,
		TotalFailed:      t.totalFailed,
		TotalDropped:     t.totalDropped,
		TotalBatches:     t.totalBatches,
		BufferSize:       len(t.buffer),
		FailedBatchCount: len(t.failed),
		EventsThisMinute: t.minuteCountLocked(),
	}
}

// sendBatch delivers one batch. 429 retries after Retry-After without
// consuming retry budget; transport errors and 5xx retry with exponential
// backoff up to MaxRetries; everything else lands in the failed queue.
func (t *Transmitter) sendBatch(ctx context.Context, batch event.Batch) {
	if t.cfg.Endpoint == "" {
		t.queueFailed(batch)
		return
	}
	retry := 0
	for {
		status, wait, err := t.post(ctx, batch)
		switch {
		case err == nil && (status == http.StatusOK || status == http.StatusAccepted):
			t.recordSent(len(batch.Events))
			return
		case err == nil && status == http.StatusTooManyRequests:
			if !t.sleep(ctx, wait) {
				t.queueFailed(batch)
				return
			}
		case (err != nil || status >= 500) && retry < t.cfg.MaxRetries:
			if !t.sleep(ctx, t.cfg.RetryBase<<retry) {
				t.queueFailed(batch)
				return
			}
			retry++
		default:
			if err != nil {
				t.logger.Warn("batch delivery failed", slog.String("batch_id", batch.BatchID), slog.Any("error", err))
			}
			t.queueFailed(batch)
			return
		}
	}
}

// post performs a single delivery attempt.
func (t *Transmitter) post(ctx context.Context, batch event.Batch) (status int, retryAfter time.Duration, err error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return 0, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
	req.Header.Set("X-Ghost-Batch-Id", batch.BatchID)
	req.Header.Set("X-Ghost-Device", batch.DeviceFingerprint)

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	retryAfter = t.cfg.RetryBase
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, perr := strconv.Atoi(s); perr == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return resp.StatusCode, retryAfter, nil
}

// drainFailed retries queued batches oldest first, one attempt each,
// stopping at the first batch that still cannot be delivered.
func (t *Transmitter) drainFailed(ctx context.Context) {
	if t.cfg.Endpoint == "" {
		return
	}
	for {
		t.mu.Lock()
		if len(t.failed) == 0 {
			t.mu.Unlock()
			return
		}
		batch := t.failed[0]
		t.failed = t.failed[1:]
		t.persistLocked()
		t.mu.Unlock()

		status, _, err := t.post(ctx, batch)
		if err == nil && (status == http.StatusOK || status == http.StatusAccepted) {
			t.recordSent(len(batch.Events))
			continue
		}

		t.mu.Lock()
		t.failed = append([]event.Batch{batch}, t.failed...)
		t.persistLocked()
		t.mu.Unlock()
		return
	}
}

func (t *Transmitter) recordSent(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalSent += uint64(n)
	t.totalBatches++
	t.minuteCountLocked()
	t.minuteCnt += n
}

func (t *Transmitter) queueFailed(batch event.Batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalFailed += uint64(len(batch.Events))
	t.failed = append(t.failed, batch)
	if len(t.failed) > maxFailedBatches {
		t.failed = t.failed[len(t.failed)-maxFailedBatches:]
	}
	t.persistLocked()
	t.logger.Warn("batch queued for retry",
		slog.String("batch_id", batch.BatchID),
		slog.Int("queued", len(t.failed)))
}

// minuteCountLocked rolls the fixed one-minute window and returns the count
// of events sent inside it. Callers must hold t.mu.
func (t *Transmitter) minuteCountLocked() int {
	k := t.now().Unix() / 60
	if k != t.minuteKey {
		t.minuteKey = k
		t.minuteCnt = 0
	}
	return t.minuteCnt
}

// persistLocked writes the failed queue to the spool file via a temp-file
// rename. Callers must hold t.mu.
func (t *Transmitter) persistLocked() {
	if t.cfg.SpoolPath == "" {
		return
	}
	if len(t.failed) == 0 {
		os.Remove(t.cfg.SpoolPath)
		return
	}
	data, err := json.Marshal(t.failed)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.cfg.SpoolPath), 0o755); err != nil {
		t.logger.Warn("spool dir", slog.Any("error", err))
		return
	}
	tmp := t.cfg.SpoolPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		t.logger.Warn("spool write", slog.Any("error", err))
		return
	}
	if err := os.Rename(tmp, t.cfg.SpoolPath); err != nil {
		t.logger.Warn("spool rename", slog.Any("error", err))
	}
}

// restoreSpool loads failed batches persisted by an earlier run and clears
// the file. Corrupt spool contents are discarded.
func (t *Transmitter) restoreSpool() {
	if t.cfg.SpoolPath == "" {
		return
	}
	data, err := os.ReadFile(t.cfg.SpoolPath)
	if err != nil {
		return
	}
	os.Remove(t.cfg.SpoolPath)

	var restored []event.Batch
	if err := json.Unmarshal(data, &restored); err != nil {
		t.logger.Warn("spool restore", slog.Any("error", err))
		return
	}
	t.mu.Lock()
	t.failed = append(t.failed, restored...)
	if len(t.failed) > maxFailedBatches {
		t.failed = t.failed[len(t.failed)-maxFailedBatches:]
	}
	t.mu.Unlock()
	t.logger.Info("restored spooled batches", slog.Int("count", len(restored)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
