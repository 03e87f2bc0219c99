package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/replyd/internal/storage"
)

const (
	defaultMaxAttempts = 4
	maxErrorBytes      = 4 * 1024
	maxBackoff         = time.Hour
)

const jobColumns = `id, task, payload, status, attempt, max_attempts, submitted_by, dedupe_key,
  created_at, run_at, started_at, completed_at, last_error`

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// Enqueue stores a job and returns its id. With a dedupe key, a pending job
// holding the same key makes Enqueue return a *DedupeDropError instead.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Task == "" {
		return "", fmt.Errorf("task is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}
	if req.Delay < 0 {
		return "", fmt.Errorf("delay is negative")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}
	var dedupeKey any
	if req.DedupeKey != "" {
		dedupeKey = req.DedupeKey
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.DedupeKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx, `
SELECT id FROM job_queue
WHERE dedupe_key = ? AND status IN (?, ?)
ORDER BY created_at ASC
LIMIT 1;
`, req.DedupeKey, StatusQueued, StatusRunning).Scan(&existing)
		if err == nil {
			return "", &DedupeDropError{DedupeKey: req.DedupeKey, ExistingJobID: existing}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("check dedupe key: %w", err)
		}
	}

	id := uuid.NewString()
	now := q.now()
	_, err = tx.ExecContext(ctx, `
INSERT INTO job_queue(
  id, task, payload, status, attempt, max_attempts, submitted_by, dedupe_key, created_at, run_at
)
VALUES(?, ?, ?, ?, 1, ?, ?, ?, ?, ?);
`, id, req.Task, payload, StatusQueued, maxAttempts, req.SubmittedBy, dedupeKey,
		storage.FormatTime(now), storage.FormatTime(now.Add(req.Delay)))
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest due job and marks it running. Returns (nil, nil)
// if nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := storage.FormatTime(q.now())

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE status = ? AND run_at <= ?
  ORDER BY run_at ASC, rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusQueued, nowS, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = ?;`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Complete marks a job terminal and appends a row to job_log.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	completedAt := storage.FormatTime(q.now())
	lastError = truncateError(lastError)
	res, err := tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, completedAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}

	if err := appendLog(ctx, tx, jobID, status, completedAt, lastError); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Retry records a failed attempt. The job is re-queued with exponential
// backoff from base, or marked dead once its attempts are used up. The
// resulting status is returned.
func (q *Queue) Retry(ctx context.Context, job *Job, lastError string, base time.Duration) (Status, error) {
	if job == nil || job.ID == "" {
		return "", fmt.Errorf("job is empty")
	}
	if job.Attempt >= job.MaxAttempts {
		msg := fmt.Sprintf("max attempts (%d) reached: %s", job.MaxAttempts, lastError)
		if err := q.Complete(ctx, job.ID, StatusDead, &msg); err != nil {
			return "", err
		}
		return StatusDead, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now()
	errPtr := truncateError(&lastError)
	if err := appendLog(ctx, tx, job.ID, StatusFailed, storage.FormatTime(now), errPtr); err != nil {
		return "", err
	}

	runAt := now.Add(Backoff(base, job.Attempt))
	_, err = tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, attempt = attempt + 1, run_at = ?, started_at = NULL, last_error = ?
WHERE id = ?;
`, StatusQueued, storage.FormatTime(runAt), errPtr, job.ID)
	if err != nil {
		return "", fmt.Errorf("requeue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return StatusQueued, nil
}

// Backoff is base doubled for every attempt after the first, capped at an hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// RecoverOrphans returns jobs left running by a previous process to the
// queue, or marks them dead when they have no attempts left. It reports how
// many jobs were requeued and how many were marked dead.
func (q *Queue) RecoverOrphans(ctx context.Context) (requeued, dead int, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowS := storage.FormatTime(q.now())
	msg := "interrupted while running and out of attempts"

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM job_queue WHERE status = ? AND attempt >= max_attempts;
`, StatusRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("find exhausted orphans: %w", err)
	}
	var exhausted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, 0, fmt.Errorf("scan orphan: %w", err)
		}
		exhausted = append(exhausted, id)
	}
	if err := rows.Close(); err != nil {
		return 0, 0, fmt.Errorf("close orphan rows: %w", err)
	}

	for _, id := range exhausted {
		if _, err := tx.ExecContext(ctx, `
UPDATE job_queue SET status = ?, completed_at = ?, last_error = ? WHERE id = ?;
`, StatusDead, nowS, msg, id); err != nil {
			return 0, 0, fmt.Errorf("mark orphan dead: %w", err)
		}
		if err := appendLog(ctx, tx, id, StatusDead, nowS, &msg); err != nil {
			return 0, 0, err
		}
	}

	res, err := tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, attempt = attempt + 1, run_at = ?, started_at = NULL
WHERE status = ?;
`, StatusQueued, nowS, StatusRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue orphans: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}
	return int(n), len(exhausted), nil
}

// Depth counts jobs that are queued or running.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM job_queue WHERE status IN (?, ?);
`, StatusQueued, StatusRunning).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue depth: %w", err)
	}
	return n, nil
}

// PruneJobLogs deletes job_log rows, and terminal job_queue rows, completed
// before now minus retention.
func (q *Queue) PruneJobLogs(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := storage.FormatTime(q.now().Add(-retention))
	if _, err := q.db.ExecContext(ctx, `DELETE FROM job_log WHERE completed_at < ?;`, cutoff); err != nil {
		return fmt.Errorf("prune job_log: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `
DELETE FROM job_queue WHERE status IN (?, ?, ?, ?) AND completed_at < ?;
`, StatusSucceeded, StatusFailed, StatusTimedOut, StatusDead, cutoff); err != nil {
		return fmt.Errorf("prune job_queue: %w", err)
	}
	return nil
}

func appendLog(ctx context.Context, tx *sql.Tx, jobID string, status Status, completedAt string, lastError *string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO job_log(
  id, job_id, task, status, attempt, submitted_by, created_at, completed_at, last_error
)
SELECT id || '-' || attempt, id, task, ?, attempt, submitted_by, created_at, ?, ?
FROM job_queue
WHERE id = ?
ON CONFLICT(id) DO NOTHING;
`, status, completedAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		payload      sql.NullString
		dedupeKey    sql.NullString
		createdAtS   string
		runAtS       string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
		statusS      string
	)
	if err := row.Scan(
		&j.ID, &j.Task, &payload, &statusS, &j.Attempt, &j.MaxAttempts, &j.SubmittedBy, &dedupeKey,
		&createdAtS, &runAtS, &startedAtS, &completedAtS, &lastError,
	); err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if dedupeKey.Valid {
		j.DedupeKey = &dedupeKey.String
	}
	if t, err := storage.ParseTime(createdAtS); err == nil {
		j.CreatedAt = t
	}
	if t, err := storage.ParseTime(runAtS); err == nil {
		j.RunAt = t
	}
	if startedAtS.Valid {
		if t, err := storage.ParseTime(startedAtS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := storage.ParseTime(completedAtS.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

func truncateError(s *string) *string {
	if s == nil || len(*s) <= maxErrorBytes {
		return s
	}
	t := (*s)[:maxErrorBytes]
	return &t
}
