// Package vtq implements the visibility-timeout queue that decouples event
// ingestion from pattern detection.
//
// The ingest handler answers 202 as soon as a batch is stored, then drops a
// scan job here for every org the batch touched. Detection workers claim
// jobs, run the clustering cycle, and ack. A claimed job is invisible to
// other workers for the visibility window; if the worker crashes or stalls
// past it, the job reappears and another worker picks it up. No broker, no
// second datastore: the queue lives in the same SQLite file as the events
// it points at.
//
// Expected schema (created automatically by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
//	CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
package vtq

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues can coexist in the
	// same table; pattern scans use QueuePatternScan. Default: "" (the
	// default queue).
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits how many times a job can be redelivered before
	// being discarded. 0 means unlimited. Default: 0.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup, then Publish
// and Claim (or Run) as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the vtq_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
	`)
	return err
}

// Publish inserts a job that is immediately visible.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO vtq_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	return err
}

// claimSQL claims the n oldest visible jobs in one atomic statement: the
// CTE selects, the UPDATE hides them and bumps attempts, RETURNING hands
// the rows back. Two workers can never claim the same job.
const claimSQL = `
	WITH ready AS (
		SELECT id FROM vtq_jobs
		WHERE queue = ? AND visible_at <= ?
		ORDER BY visible_at ASC
		LIMIT ?
	)
	UPDATE vtq_jobs
	SET visible_at = ?, attempts = attempts + 1
	WHERE id IN (SELECT id FROM ready)
	RETURNING id, queue, payload, visible_at, created_at, attempts`

func (q *Q) claimN(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	rows, err := q.db.QueryContext(ctx, claimSQL,
		q.opts.Queue, now.UnixMilli(), n, now.Add(q.opts.Visibility).UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*Job
	for rows.Next() {
		var (
			j            Job
			visMS, creMS int64
		)
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &visMS, &creMS, &j.Attempts); err != nil {
			return nil, err
		}
		j.VisibleAt = time.UnixMilli(visMS)
		j.CreatedAt = time.UnixMilli(creMS)
		claimed = append(claimed, &j)
	}
	return claimed, rows.Err()
}

// Claim picks the oldest visible job, marks it invisible for the configured
// visibility duration, and returns it. Returns nil, nil when the queue has
// nothing visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	jobs, err := q.claimN(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// BatchClaim atomically claims up to n visible jobs. It returns an empty
// (non-nil) slice when no jobs are available.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	jobs, err := q.claimN(ctx, n)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	return jobs, nil
}

// Ack deletes a successfully processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Nack makes a job immediately visible again so another consumer can pick it up.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Extend pushes the visibility timeout forward for a job that needs more
// processing time (heartbeat pattern).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(extra).UnixMilli(), id, q.opts.Queue,
	)
	return err
}

// Purge deletes all jobs in the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM vtq_jobs WHERE queue = ?`, q.opts.Queue)
	return err
}

// Len returns the total number of jobs (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// dispatch settles one claimed job: discard past MaxAttempts, otherwise run
// the handler and ack or nack on its verdict. Acks and nacks use a fresh
// context so a cancelled consumer still settles the jobs it claimed.
func (q *Q) dispatch(ctx context.Context, job *Job, handler Handler) {
	log := q.opts.Logger
	if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
		log.Warn("vtq: dropping job after too many attempts",
			"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
		_ = q.Ack(context.Background(), job.ID)
		return
	}
	if err := handler(ctx, job); err != nil {
		log.Warn("vtq: handler failed, returning job",
			"id", job.ID, "error", err, "queue", q.opts.Queue)
		_ = q.Nack(context.Background(), job.ID)
		return
	}
	_ = q.Ack(context.Background(), job.ID)
}

// Run polls for visible jobs and calls handler for each one, serially. It
// blocks until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started",
		"queue", q.opts.Queue, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	tick := time.NewTicker(q.opts.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-tick.C:
			// Work the backlog down to empty before sleeping again.
			for ctx.Err() == nil {
				job, err := q.Claim(ctx)
				if err != nil {
					log.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
					break
				}
				if job == nil {
					break
				}
				q.dispatch(ctx, job, handler)
			}
		}
	}
}

// RunBatch polls in batches and spreads jobs across a fixed worker pool.
// It blocks until ctx is cancelled, letting in-flight handlers finish
// before returning; jobs claimed but never handed to a worker are nacked.
func (q *Q) RunBatch(ctx context.Context, batchSize, workers int, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: batch consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"workers", workers,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	feed := make(chan *Job)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for job := range feed {
				q.dispatch(ctx, job, handler)
			}
		}()
	}

	tick := time.NewTicker(q.opts.PollInterval)
	defer tick.Stop()
poll:
	for {
		select {
		case <-ctx.Done():
			break poll
		case <-tick.C:
			jobs, err := q.BatchClaim(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					break poll
				}
				log.Warn("vtq: batch claim failed", "error", err, "queue", q.opts.Queue)
				continue
			}
			for i, job := range jobs {
				select {
				case feed <- job:
				case <-ctx.Done():
					for _, left := range jobs[i:] {
						_ = q.Nack(context.Background(), left.ID)
					}
					break poll
				}
			}
		}
	}

	log.Info("vtq: batch consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
	close(feed)
	wg.Wait()
	log.Info("vtq: batch consumer stopped", "queue", q.opts.Queue)
}
