package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/veyra/ghostwork/dbopen"
	"github.com/veyra/ghostwork/event"
	"github.com/veyra/ghostwork/shield"
	"github.com/veyra/ghostwork/store"
	"github.com/veyra/ghostwork/vec"
	"github.com/veyra/ghostwork/vtq"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	return New(st, opts...), st
}

func secureEvent(org string, seq uint64) event.Secure {
	v := make([]float32, vec.Dim)
	v[0] = 1
	return event.Secure{
		SessionFingerprint: strings.Repeat("cd", 32),
		TimestampBucket:    "2026-08-25T10:05:00Z",
		IntentVector:       v,
		StructuralHash:     "0badf00d",
		OrgID:              org,
		Type:               event.TypeInteraction,
		IntentLabel:        event.IntentDataEntry,
		IntentConfidence:   0.9,
		SequenceNumber:     seq,
	}
}

func postBatch(t *testing.T, svc *Service, body []byte, hdrs map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ingest-events", bytes.NewReader(body))
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return env
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	env := decodeEnvelope(t, rec)
	errObj, _ := env["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func TestIngestAcceptsBatch(t *testing.T) {
	// WHAT: A valid batch returns 202 with the accepted count and batch
	// id, and the rows land in secure_events.
	svc, st := newTestService(t)

	batch := event.Batch{
		Events:            []event.Secure{secureEvent("org-1", 1), secureEvent("org-1", 2)},
		DeviceFingerprint: "dev-1",
		BatchID:           "bat_test1",
		SentAt:            time.Now().UTC().Format(time.RFC3339),
	}
	body, _ := json.Marshal(batch)
	rec := postBatch(t, svc, body, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data := env["data"].(map[string]any)
	if data["accepted"].(float64) != 2 {
		t.Errorf("accepted = %v, want 2", data["accepted"])
	}
	if data["batchId"] != "bat_test1" {
		t.Errorf("batchId = %v", data["batchId"])
	}

	n, err := st.CountEvents(context.Background(), "org-1")
	if err != nil || n != 2 {
		t.Errorf("stored events = %d (%v), want 2", n, err)
	}
}

func TestIngestRejectsNonPost(t *testing.T) {
	// WHAT: GET gets 405 wearing the standard envelope.
	svc, _ := newTestService(t)
	req := httptest.NewRequest(http.MethodGet, "/ingest-events", nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeMethodNotAllowed {
		t.Errorf("code = %q", code)
	}
}

func TestIngestRejectsMalformedBatches(t *testing.T) {
	// WHAT: Missing events, null events, non-array events and non-JSON
	// bodies are all 400 INVALID_BATCH.
	// WHY: The contract names the code; clients branch on it.
	svc, _ := newTestService(t)
	cases := []string{
		`{}`,
		`{"events": null}`,
		`{"events": "nope"}`,
		`{"events": 7}`,
		`not json at all`,
	}
	for _, body := range cases {
		rec := postBatch(t, svc, []byte(body), nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
			continue
		}
		if code := errorCode(t, rec); code != CodeInvalidBatch {
			t.Errorf("body %q: code = %q", body, code)
		}
	}
}

func TestIngestRejectsOversizeBatch(t *testing.T) {
	// WHAT: 101 events → 400 BATCH_TOO_LARGE.
	svc, _ := newTestService(t)
	events := make([]event.Secure, 101)
	for i := range events {
		events[i] = secureEvent("org-1", uint64(i))
	}
	body, _ := json.Marshal(event.Batch{Events: events, DeviceFingerprint: "dev-1"})
	rec := postBatch(t, svc, body, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeBatchTooLarge {
		t.Errorf("code = %q", code)
	}
}

func TestIngestRateLimitsPerDevice(t *testing.T) {
	// WHAT: A device that spends its event budget gets 429 with
	// Retry-After: 60; a different device still passes.
	limiter := shield.NewDeviceRateLimiter(shield.WithLimit(10))
	svc, _ := newTestService(t, WithLimiter(limiter))

	mkBody := func(n int) []byte {
		events := make([]event.Secure, n)
		for i := range events {
			events[i] = secureEvent("org-1", uint64(i))
		}
		b, _ := json.Marshal(event.Batch{Events: events})
		return b
	}

	rec := postBatch(t, svc, mkBody(10), map[string]string{"X-Ghost-Device": "dev-a"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first batch: status = %d", rec.Code)
	}
	rec = postBatch(t, svc, mkBody(1), map[string]string{"X-Ghost-Device": "dev-a"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over budget: status = %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "60" {
		t.Errorf("Retry-After = %q", ra)
	}
	if code := errorCode(t, rec); code != CodeRateLimited {
		t.Errorf("code = %q", code)
	}
	rec = postBatch(t, svc, mkBody(1), map[string]string{"X-Ghost-Device": "dev-b"})
	if rec.Code != http.StatusAccepted {
		t.Errorf("other device: status = %d", rec.Code)
	}
}

func TestIngestDeviceFallsBackToBody(t *testing.T) {
	// WHAT: Without an X-Ghost-Device header, the body fingerprint
	// charges the budget.
	limiter := shield.NewDeviceRateLimiter(shield.WithLimit(1))
	svc, _ := newTestService(t, WithLimiter(limiter))

	body, _ := json.Marshal(event.Batch{
		Events:            []event.Secure{secureEvent("org-1", 1), secureEvent("org-1", 2)},
		DeviceFingerprint: "dev-body",
	})
	rec := postBatch(t, svc, body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 (2 events > budget 1)", rec.Code)
	}
}

func TestIngestGeneratesBatchID(t *testing.T) {
	// WHAT: A batch without an id gets a bat_-prefixed one in the reply.
	svc, _ := newTestService(t)
	body, _ := json.Marshal(event.Batch{Events: []event.Secure{secureEvent("org-1", 1)}})
	rec := postBatch(t, svc, body, nil)

	env := decodeEnvelope(t, rec)
	data := env["data"].(map[string]any)
	id, _ := data["batchId"].(string)
	if !strings.HasPrefix(id, "bat_") {
		t.Errorf("batchId = %q, want bat_ prefix", id)
	}
}

func TestIngestRejectsUnscopedEvents(t *testing.T) {
	// WHAT: An event without orgId fails the whole batch with 400.
	// WHY: Tenanted tables never accept unscoped rows; surfacing it as a
	// client error tells the edge which batch to fix.
	svc, _ := newTestService(t)
	ev := secureEvent("", 1)
	body, _ := json.Marshal(event.Batch{Events: []event.Secure{ev}})
	rec := postBatch(t, svc, body, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeInvalidBatch {
		t.Errorf("code = %q", code)
	}
}

func TestIngestFansOutScanJobsPerOrg(t *testing.T) {
	// WHAT: A two-org batch queues exactly one scan job per org, and the
	// 202 does not wait for them.
	// WHY: Detection is decoupled; the contract only promises
	// eventual fan-out.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	q := vtq.NewScanQueue(db, nil)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc := New(st, WithScanQueue(q))

	body, _ := json.Marshal(event.Batch{
		Events:  []event.Secure{secureEvent("org-1", 1), secureEvent("org-2", 1), secureEvent("org-1", 2)},
		BatchID: "bat_fan",
	})
	rec := postBatch(t, svc, body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	svc.Close() // wait for the async publish

	n, err := q.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("queued jobs = %d, want 2", n)
	}
	orgs := map[string]bool{}
	for i := 0; i < 2; i++ {
		job, err := q.Claim(context.Background())
		if err != nil || job == nil {
			t.Fatalf("claim %d: %v %v", i, job, err)
		}
		scan, err := vtq.DecodeScan(job)
		if err != nil {
			t.Fatal(err)
		}
		if scan.BatchID != "bat_fan" {
			t.Errorf("scan batch = %q", scan.BatchID)
		}
		orgs[scan.OrgID] = true
	}
	if !orgs["org-1"] || !orgs["org-2"] {
		t.Errorf("orgs = %v", orgs)
	}
}

func TestIngestEmptyEventsArray(t *testing.T) {
	// WHAT: An explicit empty array is ingestible: 202, accepted=0.
	// WHY: Flush-on-shutdown clients may race their own buffer; an empty
	// flush is not a protocol violation.
	svc, _ := newTestService(t)
	rec := postBatch(t, svc, []byte(`{"events": [], "deviceFingerprint": "dev-1"}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data := env["data"].(map[string]any)
	if data["accepted"].(float64) != 0 {
		t.Errorf("accepted = %v", data["accepted"])
	}
}

func TestIngestEnvelopeMeta(t *testing.T) {
	// WHAT: Responses carry meta.timestamp and echo the request id when
	// the shield middleware ran.
	svc, _ := newTestService(t)
	body, _ := json.Marshal(event.Batch{Events: []event.Secure{secureEvent("org-1", 1)}})

	handler := shield.RequestID(svc.Handler())
	req := httptest.NewRequest(http.MethodPost, "/ingest-events", bytes.NewReader(body))
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec)
	meta, _ := env["meta"].(map[string]any)
	if meta == nil {
		t.Fatal("meta missing")
	}
	if meta["requestId"] != "req-7" {
		t.Errorf("meta.requestId = %v", meta["requestId"])
	}
	if ts, _ := meta["timestamp"].(string); ts == "" {
		t.Error("meta.timestamp missing")
	}
}

func benchBatch(n int) []byte {
	events := make([]event.Secure, n)
	for i := range events {
		events[i] = secureEvent("org-1", uint64(i))
	}
	b, _ := json.Marshal(event.Batch{Events: events, DeviceFingerprint: "dev-bench"})
	return b
}

func BenchmarkIngestBatch100(b *testing.B) {
	db := dbopen.OpenMemory(b, dbopen.WithSchema(store.Schema))
	svc := New(store.New(db), WithLimiter(shield.NewDeviceRateLimiter(shield.WithLimit(1<<40))))
	body := benchBatch(100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/ingest-events", bytes.NewReader(body))
		req.Header.Set("X-Ghost-Batch-Id", fmt.Sprintf("bat_%d", i))
		rec := httptest.NewRecorder()
		svc.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			b.Fatalf("status = %d", rec.Code)
		}
	}
}
