package queue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/replyd/internal/storage"
)

func openQueue(t *testing.T) (*Queue, *sql.DB, *time.Time) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := New(db)
	q.now = func() time.Time { return now }
	return q, db, &now
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()
	q, _, _ := openQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, EnqueueRequest{Task: "enrich_profile", SubmittedBy: "ingest"})
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	id2, err := q.Enqueue(ctx, EnqueueRequest{Task: "sync_crm", SubmittedBy: "ingest"})
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	j1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if j1 == nil || j1.ID != id1 || j1.Status != StatusRunning || j1.StartedAt == nil {
		t.Fatalf("unexpected job1: %#v", j1)
	}

	j2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if j2 == nil || j2.ID != id2 || j2.Task != "sync_crm" {
		t.Fatalf("unexpected job2: %#v", j2)
	}

	j3, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 3: %v", err)
	}
	if j3 != nil {
		t.Fatalf("expected empty queue, got %#v", j3)
	}
}

func TestQueueDelayedJobNotDueYet(t *testing.T) {
	t.Parallel()
	q, _, now := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{
		Task:        "welcome_dm",
		Payload:     []byte(`{"subject_id":"u1"}`),
		Delay:       5 * time.Minute,
		SubmittedBy: "ingest",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if j, err := q.Dequeue(ctx); err != nil || j != nil {
		t.Fatalf("expected nothing due, got %#v, %v", j, err)
	}

	*now = now.Add(5 * time.Minute)
	j, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if j == nil || j.ID != id {
		t.Fatalf("expected delayed job, got %#v", j)
	}
	if string(j.Payload) != `{"subject_id":"u1"}` {
		t.Fatalf("payload = %s", j.Payload)
	}
}

func TestQueueDedupeKey(t *testing.T) {
	t.Parallel()
	q, _, _ := openQueue(t)
	ctx := context.Background()

	req := EnqueueRequest{Task: "enrich_profile", SubmittedBy: "ingest", DedupeKey: "enrich_profile:m1"}
	first, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, err = q.Enqueue(ctx, req)
	var dedupeErr *DedupeDropError
	if !errors.As(err, &dedupeErr) {
		t.Fatalf("expected DedupeDropError, got %v", err)
	}
	if dedupeErr.ExistingJobID != first || dedupeErr.DedupeKey != "enrich_profile:m1" {
		t.Fatalf("unexpected dedupe error: %#v", dedupeErr)
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Complete(ctx, first, StatusSucceeded, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := q.Enqueue(ctx, req); err != nil {
		t.Fatalf("key should be free once the job is terminal: %v", err)
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	t.Parallel()
	q, _, _ := openQueue(t)
	ctx := context.Background()

	cases := []EnqueueRequest{
		{SubmittedBy: "ingest"},
		{Task: "sync_crm"},
		{Task: "sync_crm", SubmittedBy: "ingest", Delay: -time.Second},
	}
	for _, req := range cases {
		if _, err := q.Enqueue(ctx, req); err == nil {
			t.Fatalf("expected error for %#v", req)
		}
	}
}

func TestQueueCompleteWritesJobLog(t *testing.T) {
	t.Parallel()
	q, db, _ := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{Task: "sync_crm", SubmittedBy: "ingest"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	lastErr := "boom"
	if err := q.Complete(ctx, id, StatusFailed, &lastErr); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM job_log WHERE task='sync_crm' AND job_id=?;", id).Scan(&count); err != nil {
		t.Fatalf("count job_log: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 job_log row, got %d", count)
	}

	if err := q.Complete(ctx, id, StatusRunning, nil); err == nil {
		t.Fatalf("expected error for non-terminal status")
	}
	if err := q.Complete(ctx, "missing", StatusSucceeded, nil); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestQueueRetryBacksOffThenDies(t *testing.T) {
	t.Parallel()
	q, db, now := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{Task: "sync_crm", SubmittedBy: "ingest", MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue: %#v, %v", job, err)
	}
	status, err := q.Retry(ctx, job, "handle not yet known", 30*time.Second)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if status != StatusQueued {
		t.Fatalf("status = %s, want queued", status)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Attempt != 2 || !got.RunAt.Equal(now.Add(30*time.Second)) || got.StartedAt != nil {
		t.Fatalf("unexpected requeued job: %#v", got)
	}

	if j, _ := q.Dequeue(ctx); j != nil {
		t.Fatalf("job should wait for its backoff")
	}
	*now = now.Add(30 * time.Second)
	job, err = q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue after backoff: %#v, %v", job, err)
	}

	status, err = q.Retry(ctx, job, "still failing", 30*time.Second)
	if err != nil {
		t.Fatalf("Retry 2: %v", err)
	}
	if status != StatusDead {
		t.Fatalf("status = %s, want dead", status)
	}

	var logs int
	if err := db.QueryRow("SELECT COUNT(*) FROM job_log WHERE job_id=?;", id).Scan(&logs); err != nil {
		t.Fatalf("count job_log: %v", err)
	}
	if logs != 2 {
		t.Fatalf("expected a log row per attempt, got %d", logs)
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{20, time.Hour},
	}
	for _, tc := range cases {
		if got := Backoff(30*time.Second, tc.attempt); got != tc.want {
			t.Fatalf("Backoff(30s, %d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestQueueRecoverOrphans(t *testing.T) {
	t.Parallel()
	q, _, _ := openQueue(t)
	ctx := context.Background()

	retryable, err := q.Enqueue(ctx, EnqueueRequest{Task: "enrich_profile", SubmittedBy: "ingest", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	exhausted, err := q.Enqueue(ctx, EnqueueRequest{Task: "sync_crm", SubmittedBy: "ingest", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for range 2 {
		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
	}

	requeued, dead, err := q.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if requeued != 1 || dead != 1 {
		t.Fatalf("requeued=%d dead=%d", requeued, dead)
	}

	j, err := q.Get(ctx, retryable)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusQueued || j.Attempt != 2 {
		t.Fatalf("unexpected recovered job: %#v", j)
	}
	j, err = q.Get(ctx, exhausted)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusDead || j.LastError == nil {
		t.Fatalf("unexpected exhausted job: %#v", j)
	}
}

func TestQueueDepthAndPrune(t *testing.T) {
	t.Parallel()
	q, db, now := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{Task: "sync_crm", SubmittedBy: "ingest"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, EnqueueRequest{Task: "enrich_profile", SubmittedBy: "ingest"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if depth, err := q.Depth(ctx); err != nil || depth != 2 {
		t.Fatalf("Depth = %d, %v", depth, err)
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Complete(ctx, id, StatusSucceeded, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if depth, err := q.Depth(ctx); err != nil || depth != 1 {
		t.Fatalf("Depth = %d, %v", depth, err)
	}

	*now = now.Add(48 * time.Hour)
	if err := q.PruneJobLogs(ctx, 24*time.Hour); err != nil {
		t.Fatalf("PruneJobLogs: %v", err)
	}
	var logs int
	if err := db.QueryRow("SELECT COUNT(*) FROM job_log;").Scan(&logs); err != nil {
		t.Fatalf("count job_log: %v", err)
	}
	if logs != 0 {
		t.Fatalf("expected job_log pruned, got %d", logs)
	}
	if _, err := q.Get(ctx, id); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected completed job pruned, got %v", err)
	}
	if depth, err := q.Depth(ctx); err != nil || depth != 1 {
		t.Fatalf("pending job must survive prune: %d, %v", depth, err)
	}
}
