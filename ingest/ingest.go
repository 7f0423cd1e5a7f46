// Package ingest is the HTTP front door for secure event batches.
//
// The extension's transmitter POSTs SecureEventBatch payloads here. The
// handler validates the frame, charges the device's event budget, persists
// the rows, answers 202, and then — strictly after the response is on the
// wire path — drops one pattern-scan job per org the batch touched.
// Detection never holds up ingestion.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/veyra/ghostwork/event"
	"github.com/veyra/ghostwork/idgen"
	"github.com/veyra/ghostwork/kit"
	"github.com/veyra/ghostwork/observability"
	"github.com/veyra/ghostwork/shield"
	"github.com/veyra/ghostwork/store"
	"github.com/veyra/ghostwork/vtq"
)

// Error codes returned in the envelope.
const (
	CodeInvalidBatch     = "INVALID_BATCH"
	CodeBatchTooLarge    = "BATCH_TOO_LARGE"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeInsertFailed     = "INSERT_FAILED"
)

// MaxBatchEvents is the largest batch the endpoint accepts. The edge
// transmitter caps its batches at the same number.
const MaxBatchEvents = 100

// Service handles event ingestion.
type Service struct {
	store   *store.Store
	limiter *shield.DeviceRateLimiter
	scans   *vtq.Q
	metrics *observability.MetricsManager
	log     *slog.Logger
	wg      sync.WaitGroup
}

// Option configures the Service.
type Option func(*Service)

// WithScanQueue sets the queue that fans detection work out per org.
// Without one, batches are stored but never trigger detection.
func WithScanQueue(q *vtq.Q) Option {
	return func(s *Service) { s.scans = q }
}

// WithLimiter replaces the default per-device event limiter.
func WithLimiter(l *shield.DeviceRateLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithMetrics enables metric recording.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = mm }
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// New builds the ingestion service.
func New(st *store.Store, opts ...Option) *Service {
	s := &Service{
		store:   st,
		limiter: shield.NewDeviceRateLimiter(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close waits for in-flight scan publishes to finish.
func (s *Service) Close() {
	s.wg.Wait()
}

// batchFrame is the decode probe. Events stays raw so "missing" and
// "not an array" can be told apart from "empty".
type batchFrame struct {
	Events            json.RawMessage `json:"events"`
	DeviceFingerprint string          `json:"deviceFingerprint"`
	BatchID           string          `json:"batchId"`
	SentAt            string          `json:"sentAt"`
}

// Handler returns the http.Handler for POST /ingest-events. Method
// handling lives here rather than in the router so the 405 wears the
// same envelope as every other error.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.serveIngest)
}

func (s *Service) serveIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		kit.WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "use POST")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, CodeInvalidBatch, "unreadable body")
		return
	}

	var frame batchFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, CodeInvalidBatch, "body is not a batch object")
		return
	}
	if len(frame.Events) == 0 || string(frame.Events) == "null" {
		kit.WriteError(w, r, http.StatusBadRequest, CodeInvalidBatch, "events array is required")
		return
	}
	var events []event.Secure
	if err := json.Unmarshal(frame.Events, &events); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, CodeInvalidBatch, "events must be an array of secure events")
		return
	}
	if len(events) > MaxBatchEvents {
		kit.WriteError(w, r, http.StatusBadRequest, CodeBatchTooLarge,
			"batch exceeds the 100 event limit")
		return
	}

	// The device key prefers the header; body fallback covers clients
	// that cannot set custom headers.
	device := r.Header.Get("X-Ghost-Device")
	if device == "" {
		device = frame.DeviceFingerprint
	}
	if !s.limiter.AllowN(r.Context(), device, len(events)) {
		w.Header().Set("Retry-After", shield.RetryAfterSecs)
		s.recordMetric(observability.MetricIngestRejectCount, 1, "count")
		kit.WriteError(w, r, http.StatusTooManyRequests, CodeRateLimited,
			"device exceeded 1000 events per minute")
		return
	}

	batchID := r.Header.Get("X-Ghost-Batch-Id")
	if batchID == "" {
		batchID = frame.BatchID
	}
	if batchID == "" {
		batchID = idgen.Prefixed(idgen.PrefixBatch, idgen.UUIDv7())()
	}

	if err := s.store.InsertEvents(r.Context(), batchID, device, events); err != nil {
		if errors.Is(err, store.ErrMissingOrgScope) {
			kit.WriteError(w, r, http.StatusBadRequest, CodeInvalidBatch, "every event needs an orgId")
			return
		}
		s.log.Error("ingest: insert failed", "batch", batchID, "error", err)
		kit.WriteError(w, r, http.StatusInternalServerError, CodeInsertFailed, "could not persist batch")
		return
	}

	s.recordMetric(observability.MetricIngestBatchCount, 1, "count")
	s.recordMetric(observability.MetricIngestEventCount, float64(len(events)), "count")
	s.log.Info("ingest: batch accepted",
		"batch", batchID, "events", len(events), "device", device)

	kit.WriteData(w, r, http.StatusAccepted, map[string]any{
		"accepted": len(events),
		"batchId":  batchID,
	})

	s.fanOut(r.Context(), batchID, events)
}

// fanOut publishes one scan job per distinct org in the batch. It runs on
// a detached context: the 202 is already written and a canceled request
// must not strand detection.
func (s *Service) fanOut(reqCtx context.Context, batchID string, events []event.Secure) {
	if s.scans == nil {
		return
	}
	orgs := make(map[string]struct{})
	for _, ev := range events {
		if ev.OrgID != "" {
			orgs[ev.OrgID] = struct{}{}
		}
	}
	if len(orgs) == 0 {
		return
	}

	ctx := context.WithoutCancel(reqCtx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		for org := range orgs {
			err := s.scans.PublishScan(pubCtx, vtq.ScanJob{OrgID: org, BatchID: batchID})
			if err != nil {
				s.log.Warn("ingest: scan publish failed", "org", org, "batch", batchID, "error", err)
			}
		}
	}()
}

func (s *Service) recordMetric(name string, value float64, unit string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSimple(name, value, unit)
}
