// Package worker runs background jobs from the durable queue.
//
// A Pool polls the queue with a fixed number of goroutines, hands each job to
// the handler registered for its task and settles the job: success completes
// it, an error schedules a retry with backoff, and a Permanent error or an
// exhausted attempt budget marks it dead. Handlers must be idempotent; a job
// interrupted by shutdown runs again after restart.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mattjoyce/replyd/internal/activity"
	"github.com/mattjoyce/replyd/internal/log"
	"github.com/mattjoyce/replyd/internal/metrics"
	"github.com/mattjoyce/replyd/internal/queue"
)

// cooldownRetention is how long expired cooldown rows are kept before purge.
const cooldownRetention = 24 * time.Hour

// Handler executes one job.
type Handler func(ctx context.Context, job *queue.Job) error

// Queue is the subset of *queue.Queue the pool needs.
type Queue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, jobID string, status queue.Status, lastError *string) error
	Retry(ctx context.Context, job *queue.Job, lastError string, base time.Duration) (queue.Status, error)
	RecoverOrphans(ctx context.Context) (requeued, dead int, err error)
	Depth(ctx context.Context) (int, error)
	PruneJobLogs(ctx context.Context, retention time.Duration) error
}

// Purger removes long-expired cooldown entries.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds worker pool settings.
type Config struct {
	Count                int
	PollInterval         time.Duration
	JobTimeout           time.Duration
	BackoffBase          time.Duration
	JobLogRetention      time.Duration
	HousekeepingInterval time.Duration
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Pool runs queued jobs on a fixed number of workers.
type Pool struct {
	queue     Queue
	cfg       Config
	handlers  map[string]Handler
	cooldowns Purger
	metrics   *metrics.Metrics
	activity  *activity.Hub
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a pool over q. Handlers are added with Handle before Start.
func New(q Queue, cfg Config, m *metrics.Metrics) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60 * time.Second
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = time.Minute
	}
	return &Pool{
		queue:    q,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		metrics:  m,
		logger:   log.WithComponent("worker"),
		now:      time.Now,
	}
}

// Handle registers h for task. It must be called before Start.
func (p *Pool) Handle(task string, h Handler) {
	p.handlers[task] = h
}

// SetCooldownPurger enables cooldown cleanup during housekeeping.
func (p *Pool) SetCooldownPurger(c Purger) {
	p.cooldowns = c
}

// SetActivity publishes settled jobs to h.
func (p *Pool) SetActivity(h *activity.Hub) {
	p.activity = h
}

// Start recovers orphaned jobs and runs the workers until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	requeued, dead, err := p.queue.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	if requeued > 0 || dead > 0 {
		p.logger.Warn("recovered orphaned jobs", "requeued", requeued, "dead", dead)
	}

	p.logger.Info("worker pool started", "workers", p.cfg.Count)
	defer p.logger.Info("worker pool stopped")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeepingLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain everything that is due before waiting again.
			for ctx.Err() == nil {
				ran, err := p.RunOnce(ctx)
				if err != nil {
					p.logger.Error("failed to process job", "worker", id, "error", err)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

func (p *Pool) housekeepingLoop(ctx context.Context) {
	p.Housekeep(ctx)

	ticker := time.NewTicker(p.cfg.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Housekeep(ctx)
		}
	}
}

// RunOnce claims and executes one due job. It reports whether a job ran.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}
	p.execute(ctx, job)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(job.ID, job.Task).With("attempt", job.Attempt)
	jobLogger.Debug("executing job")

	h, ok := p.handlers[job.Task]
	if !ok {
		errMsg := fmt.Sprintf("no handler registered for task %q", job.Task)
		jobLogger.Error(errMsg)
		p.complete(ctx, job, queue.StatusDead, &errMsg)
		return
	}

	jctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	err := p.invoke(jctx, h, job)
	timedOut := errors.Is(jctx.Err(), context.DeadlineExceeded)
	cancel()

	if ctx.Err() != nil {
		// Shutting down. The job stays running and is recovered on restart.
		jobLogger.Warn("job interrupted by shutdown")
		return
	}

	switch {
	case err == nil:
		jobLogger.Info("job completed successfully")
		p.complete(ctx, job, queue.StatusSucceeded, nil)
	case errors.Is(err, errPanicked):
		errMsg := err.Error()
		jobLogger.Error("job handler panicked", "error", errMsg)
		p.complete(ctx, job, queue.StatusFailed, &errMsg)
	case IsPermanent(err):
		errMsg := err.Error()
		jobLogger.Error("job failed permanently", "error", errMsg)
		p.complete(ctx, job, queue.StatusDead, &errMsg)
	default:
		errMsg := err.Error()
		if timedOut {
			errMsg = fmt.Sprintf("job timed out after %v: %s", p.cfg.JobTimeout, errMsg)
		}
		status, rerr := p.queue.Retry(ctx, job, errMsg, p.cfg.BackoffBase)
		if rerr != nil {
			jobLogger.Error("failed to schedule retry", "error", rerr)
			return
		}
		jobLogger.Warn("job failed", "error", errMsg, "status", status)
		label := string(status)
		if status == queue.StatusQueued {
			label = "retried"
		}
		p.settled(job, label, &errMsg)
	}
}

var errPanicked = errors.New("handler panicked")

func (p *Pool) invoke(ctx context.Context, h Handler, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Debug("handler stack", "job_id", job.ID, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()
	return h(ctx, job)
}

func (p *Pool) complete(ctx context.Context, job *queue.Job, status queue.Status, lastError *string) {
	if err := p.queue.Complete(ctx, job.ID, status, lastError); err != nil {
		p.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		return
	}
	p.settled(job, string(status), lastError)
}

func (p *Pool) settled(job *queue.Job, label string, lastError *string) {
	p.metrics.ObserveJob(job.Task, label)
	entry := map[string]any{
		"job_id":  job.ID,
		"task":    job.Task,
		"status":  label,
		"attempt": job.Attempt,
	}
	if lastError != nil {
		entry["error"] = *lastError
	}
	p.activity.Publish(activity.TypeJobFinished, entry)
}

// Housekeep prunes old job logs, purges long-expired cooldowns and refreshes
// the queue depth gauge.
func (p *Pool) Housekeep(ctx context.Context) {
	if p.cfg.JobLogRetention > 0 {
		if err := p.queue.PruneJobLogs(ctx, p.cfg.JobLogRetention); err != nil {
			p.logger.Error("failed to prune job logs", "error", err)
		}
	}
	if p.cooldowns != nil {
		n, err := p.cooldowns.Purge(ctx, p.now().Add(-cooldownRetention))
		if err != nil {
			p.logger.Error("failed to purge cooldowns", "error", err)
		} else if n > 0 {
			p.logger.Debug("purged expired cooldowns", "count", n)
		}
	}
	depth, err := p.queue.Depth(ctx)
	if err != nil {
		p.logger.Error("failed to read queue depth", "error", err)
		return
	}
	p.metrics.SetQueueDepth(depth)
}
