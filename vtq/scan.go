package vtq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// QueuePatternScan is the queue carrying detection work from the ingest
// path to the clustering workers.
const QueuePatternScan = "pattern_scan"

// ScanJob asks a detection worker to run a clustering cycle for one org.
// BatchID records which ingest batch triggered the request; detection
// itself always reads the org's recent window, so replaying a stale job
// is harmless.
type ScanJob struct {
	OrgID   string `json:"orgId"`
	BatchID string `json:"batchId,omitempty"`
}

// NewScanQueue returns a queue handle configured for pattern-scan jobs.
// Detection cycles run LLM calls, so the visibility window is generous.
func NewScanQueue(db *sql.DB, log *slog.Logger) *Q {
	return New(db, Options{
		Queue:      QueuePatternScan,
		Visibility: 2 * time.Minute,
		Logger:     log,
	})
}

// PublishScan enqueues a scan request for the org. The job ID folds in the
// org so one org's backlog collapses per batch: publishing the same
// org+batch twice is a no-op rather than duplicate work.
func (q *Q) PublishScan(ctx context.Context, job ScanJob) error {
	if job.OrgID == "" {
		return fmt.Errorf("vtq: scan job requires an org id")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("vtq: marshal scan job: %w", err)
	}
	id := "scan:" + job.OrgID
	if job.BatchID != "" {
		id += ":" + job.BatchID
	}
	err = q.Publish(ctx, id, payload)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// DecodeScan unpacks a claimed job's payload.
func DecodeScan(j *Job) (ScanJob, error) {
	var job ScanJob
	if err := json.Unmarshal(j.Payload, &job); err != nil {
		return ScanJob{}, fmt.Errorf("vtq: decode scan job %s: %w", j.ID, err)
	}
	if job.OrgID == "" {
		return ScanJob{}, fmt.Errorf("vtq: scan job %s has no org id", j.ID)
	}
	return job, nil
}

// isUniqueViolation matches the modernc.org/sqlite constraint error text.
// The driver has no exported sentinel for it.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
