package vtq_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veyra/ghostwork/dbopen"
	"github.com/veyra/ghostwork/vtq"
)

// testQueue opens an in-memory database and returns a ready queue on it.
func testQueue(t *testing.T, opts vtq.Options) *vtq.Q {
	t.Helper()
	q := vtq.New(dbopen.OpenMemory(t), opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func mustPublish(t *testing.T, q *vtq.Q, id string, payload []byte) {
	t.Helper()
	if err := q.Publish(context.Background(), id, payload); err != nil {
		t.Fatalf("publish %s: %v", id, err)
	}
}

func TestClaimHidesJob(t *testing.T) {
	q := testQueue(t, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	mustPublish(t, q, "scan:org-1", []byte(`{"orgId":"org-1"}`))

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != "scan:org-1" {
		t.Fatalf("claimed %q, want scan:org-1", job.ID)
	}
	if string(job.Payload) != `{"orgId":"org-1"}` {
		t.Fatalf("payload = %q", job.Payload)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}

	// The job is now inside its visibility window; nobody else can claim it.
	if again, _ := q.Claim(ctx); again != nil {
		t.Fatalf("claimed %q while invisible", again.ID)
	}
}

func TestSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("ack deletes the job", func(t *testing.T) {
		q := testQueue(t, vtq.Options{Visibility: time.Second})
		mustPublish(t, q, "j1", nil)
		job, _ := q.Claim(ctx)
		if err := q.Ack(ctx, job.ID); err != nil {
			t.Fatal(err)
		}
		if n, _ := q.Len(ctx); n != 0 {
			t.Fatalf("len = %d after ack, want 0", n)
		}
	})

	t.Run("nack makes the job claimable again", func(t *testing.T) {
		q := testQueue(t, vtq.Options{Visibility: 10 * time.Second})
		mustPublish(t, q, "j1", []byte("retry-me"))
		job, _ := q.Claim(ctx)
		if err := q.Nack(ctx, job.ID); err != nil {
			t.Fatal(err)
		}
		redelivered, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if redelivered == nil {
			t.Fatal("nacked job did not come back")
		}
		if redelivered.Attempts != 2 {
			t.Fatalf("attempts = %d, want 2", redelivered.Attempts)
		}
	})
}

func TestVisibilityExpiryRedelivers(t *testing.T) {
	q := testQueue(t, vtq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	mustPublish(t, q, "j1", nil)
	q.Claim(ctx)

	if job, _ := q.Claim(ctx); job != nil {
		t.Fatal("job should be invisible right after claim")
	}

	// A worker that claimed and then died: once the window lapses the job
	// must come back for someone else.
	time.Sleep(80 * time.Millisecond)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("job never reappeared after visibility expiry")
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
}

func TestExtendKeepsJobHidden(t *testing.T) {
	q := testQueue(t, vtq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	mustPublish(t, q, "j1", nil)
	job, _ := q.Claim(ctx)

	if err := q.Extend(ctx, job.ID, 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	// Past the original window but inside the extension.
	time.Sleep(80 * time.Millisecond)

	if job, _ := q.Claim(ctx); job != nil {
		t.Fatal("extended job leaked back into visibility")
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	scans := vtq.New(db, vtq.Options{Queue: "scans", Visibility: time.Second})
	if err := scans.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}
	sweeps := vtq.New(db, vtq.Options{Queue: "sweeps", Visibility: time.Second})

	scans.Publish(ctx, "s1", []byte("scan"))
	sweeps.Publish(ctx, "w1", []byte("sweep"))

	got, _ := scans.Claim(ctx)
	if got == nil || got.ID != "s1" {
		t.Fatalf("scans claimed %v, want s1", got)
	}
	got, _ = sweeps.Claim(ctx)
	if got == nil || got.ID != "w1" {
		t.Fatalf("sweeps claimed %v, want w1", got)
	}

	// Same table, separate backlogs.
	if leak, _ := scans.Claim(ctx); leak != nil {
		t.Fatalf("scans claimed %q from another queue", leak.ID)
	}
}

func TestRunDiscardsAfterMaxAttempts(t *testing.T) {
	q := testQueue(t, vtq.Options{
		Visibility:   10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  2,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mustPublish(t, q, "j1", nil)

	// Burn through the attempt budget by claim+nack.
	for i := range 2 {
		time.Sleep(15 * time.Millisecond)
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("no job on attempt %d", i+1)
		}
		q.Nack(ctx, job.ID)
	}

	// Next delivery would be attempt 3 of a budget of 2: the consumer must
	// drop the job without invoking the handler.
	var handled atomic.Bool
	runCtx, stop := context.WithTimeout(ctx, 200*time.Millisecond)
	defer stop()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run(runCtx, func(context.Context, *vtq.Job) error {
			handled.Store(true)
			return nil
		})
	}()
	wg.Wait()

	if handled.Load() {
		t.Fatal("handler ran for a job past its attempt budget")
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("discarded job still in table, len = %d", n)
	}
}

func TestRunWorksBacklog(t *testing.T) {
	q := testQueue(t, vtq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		mustPublish(t, q, id, []byte(id))
	}

	var (
		mu  sync.Mutex
		got []string
	)
	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *vtq.Job) error {
		mu.Lock()
		got = append(got, j.ID)
		done := len(got) == 3
		mu.Unlock()
		if done {
			cancel()
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("processed %d jobs (%v), want 3", len(got), got)
	}
}

func TestRunRetriesFailedHandler(t *testing.T) {
	q := testQueue(t, vtq.Options{
		Visibility:   50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	mustPublish(t, q, "j1", nil)

	var (
		mu       sync.Mutex
		attempts int
	)
	runCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	q.Run(runCtx, func(context.Context, *vtq.Job) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return errors.New("transient failure")
		}
		cancel()
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Fatalf("attempts = %d, want the nacked job redelivered", attempts)
	}
}

func TestPurgeEmptiesQueue(t *testing.T) {
	q := testQueue(t, vtq.Options{})
	ctx := context.Background()

	mustPublish(t, q, "j1", nil)
	mustPublish(t, q, "j2", nil)

	if err := q.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d after purge, want 0", n)
	}
}

func TestBatchClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("claims up to n and leaves the rest visible", func(t *testing.T) {
		q := testQueue(t, vtq.Options{Visibility: time.Second})
		for i := range 5 {
			mustPublish(t, q, fmt.Sprintf("j%d", i+1), nil)
		}

		first, err := q.BatchClaim(ctx, 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(first) != 3 {
			t.Fatalf("claimed %d, want 3", len(first))
		}
		// Claimed jobs stay in the table until acked.
		if n, _ := q.Len(ctx); n != 5 {
			t.Fatalf("len = %d, want 5", n)
		}

		rest, err := q.BatchClaim(ctx, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(rest) != 2 {
			t.Fatalf("second claim got %d, want the remaining 2", len(rest))
		}
	})

	t.Run("empty queue yields empty non-nil slice", func(t *testing.T) {
		q := testQueue(t, vtq.Options{Visibility: time.Second})
		jobs, err := q.BatchClaim(ctx, 5)
		if err != nil {
			t.Fatal(err)
		}
		if jobs == nil || len(jobs) != 0 {
			t.Fatalf("jobs = %v, want empty non-nil slice", jobs)
		}
	})

	t.Run("n larger than backlog returns what exists", func(t *testing.T) {
		q := testQueue(t, vtq.Options{Visibility: time.Second})
		mustPublish(t, q, "j1", nil)
		mustPublish(t, q, "j2", nil)
		jobs, err := q.BatchClaim(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 2 {
			t.Fatalf("claimed %d, want 2", len(jobs))
		}
	})
}

func TestRunBatchDrainsQueue(t *testing.T) {
	q := testQueue(t, vtq.Options{
		Visibility:   5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	const total = 10
	for i := range total {
		mustPublish(t, q, fmt.Sprintf("j%d", i+1), nil)
	}

	var processed atomic.Int32
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	q.RunBatch(runCtx, 5, 3, func(context.Context, *vtq.Job) error {
		if processed.Add(1) >= total {
			cancel()
		}
		return nil
	})

	if got := processed.Load(); got != total {
		t.Fatalf("processed %d, want %d", got, total)
	}
	// RunBatch settles every in-flight job before returning.
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d after drain, want 0", n)
	}
}

func TestRunBatchHonorsWorkerCap(t *testing.T) {
	q := testQueue(t, vtq.Options{
		Visibility:   5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	const (
		total   = 10
		workers = 2
	)
	for i := range total {
		mustPublish(t, q, fmt.Sprintf("j%d", i+1), nil)
	}

	var inFlight, peak, processed atomic.Int32
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	q.RunBatch(runCtx, 5, workers, func(context.Context, *vtq.Job) error {
		now := inFlight.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)

		inFlight.Add(-1)
		if processed.Add(1) >= total {
			cancel()
		}
		return nil
	})

	if got := processed.Load(); got != total {
		t.Fatalf("processed %d, want %d", got, total)
	}
	if p := peak.Load(); p > workers {
		t.Fatalf("peak in-flight = %d, exceeds worker cap %d", p, workers)
	}
}
