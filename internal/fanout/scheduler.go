package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/replyd/internal/event"
	"github.com/mattjoyce/replyd/internal/inbox"
	"github.com/mattjoyce/replyd/internal/log"
	"github.com/mattjoyce/replyd/internal/queue"
	"github.com/mattjoyce/replyd/internal/settings"
)

// syncAfterEnrichDelay gives enrichment a head start when the CRM sync needs
// a handle that is not known yet.
const syncAfterEnrichDelay = 10 * time.Second

// Enqueuer accepts jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// SettingsReader reads operator settings.
type SettingsReader interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// Options selects which follow-up tasks are scheduled.
type Options struct {
	CRMEnabled     bool
	WelcomeFirstDM bool
	MaxAttempts    int
	SubmittedBy    string
}

// Scheduler enqueues the follow-up tasks for a stored message.
type Scheduler struct {
	queue    Enqueuer
	settings SettingsReader
	opts     Options
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler that enqueues onto q.
func NewScheduler(q Enqueuer, s SettingsReader, opts Options) *Scheduler {
	if opts.SubmittedBy == "" {
		opts.SubmittedBy = "ingest"
	}
	return &Scheduler{
		queue:    q,
		settings: s,
		opts:     opts,
		logger:   log.WithComponent("fanout"),
	}
}

// Schedule enqueues the follow-up jobs msg needs and returns how many were
// enqueued. Failures are logged, never returned: the webhook response must
// not depend on background work.
func (s *Scheduler) Schedule(ctx context.Context, msg *inbox.Message, firstContact bool) int {
	n := 0
	logger := s.logger.With("message_id", msg.ID, "subject_id", msg.SubjectID)

	if msg.NeedsEnrichment() {
		if s.enqueue(ctx, logger, TaskEnrichProfile, EnrichProfilePayload{MessageID: msg.ID}, 0, TaskEnrichProfile+":"+msg.ID) {
			n++
		}
	}

	if s.opts.CRMEnabled && !msg.SyncedToCRM {
		var delay time.Duration
		if msg.SubjectHandle == "" {
			delay = syncAfterEnrichDelay
		}
		payload := SyncCRMPayload{
			MessageID: msg.ID,
			SubjectID: msg.SubjectID,
			Handle:    msg.SubjectHandle,
			Text:      msg.Text,
			Source:    SourceLabel(msg.Kind),
		}
		if s.enqueue(ctx, logger, TaskSyncCRM, payload, delay, TaskSyncCRM+":"+msg.ID) {
			n++
		}
	}

	if s.opts.WelcomeFirstDM && firstContact && msg.Kind == event.KindDirectMessage {
		delay := s.welcomeDelay(ctx, logger)
		if s.enqueue(ctx, logger, TaskWelcomeDM, WelcomeDMPayload{SubjectID: msg.SubjectID}, delay, TaskWelcomeDM+":"+msg.SubjectID) {
			n++
		}
	}
	return n
}

func (s *Scheduler) enqueue(ctx context.Context, logger *slog.Logger, task string, payload any, delay time.Duration, dedupeKey string) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to encode job payload", "task", task, "error", err)
		return false
	}

	jobID, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Task:        task,
		Payload:     raw,
		Delay:       delay,
		MaxAttempts: s.opts.MaxAttempts,
		SubmittedBy: s.opts.SubmittedBy,
		DedupeKey:   dedupeKey,
	})
	if err != nil {
		var dedupeErr *queue.DedupeDropError
		if errors.As(err, &dedupeErr) {
			logger.Debug("skipped enqueue due to dedupe hit", "task", task, "existing_job_id", dedupeErr.ExistingJobID)
			return false
		}
		logger.Error("failed to enqueue job", "task", task, "error", err)
		return false
	}
	logger.Debug("enqueued job", "task", task, "job_id", jobID, "delay", delay)
	return true
}

// welcomeDelay reads the welcome_dm_delay setting, in minutes.
func (s *Scheduler) welcomeDelay(ctx context.Context, logger *slog.Logger) time.Duration {
	raw, ok, err := s.settings.Get(ctx, settings.KeyWelcomeDMDelay)
	if err != nil {
		logger.Warn("failed to read welcome delay, sending without delay", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || minutes < 0 {
		logger.Warn("invalid welcome_dm_delay, sending without delay", "value", raw)
		return 0
	}
	return time.Duration(minutes) * time.Minute
}
