package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/replyd/internal/automation"
	"github.com/mattjoyce/replyd/internal/graph"
	"github.com/mattjoyce/replyd/internal/inbox"
	"github.com/mattjoyce/replyd/internal/log"
	"github.com/mattjoyce/replyd/internal/queue"
	"github.com/mattjoyce/replyd/internal/worker"
)

// MessageStore is the subset of *inbox.Messages the handlers use.
type MessageStore interface {
	Get(ctx context.Context, id string) (*inbox.Message, error)
	UpdateProfile(ctx context.Context, id, handle, avatarURL string) (bool, error)
	MarkSynced(ctx context.Context, id string) (bool, error)
}

// ProfileFetcher resolves user profiles.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, subjectID string) (*graph.Profile, error)
}

// ContactLogger finds CRM contacts and appends notes to them.
type ContactLogger interface {
	FindContactByHandle(ctx context.Context, handle string) (string, bool, error)
	AppendNote(ctx context.Context, contactID, text, source string) error
}

// Firer runs an automation action.
type Firer interface {
	Fire(ctx context.Context, t automation.Trigger) (*automation.Result, error)
}

// Handlers executes fan-out jobs. CRM and Automation may be nil, in which
// case their tasks are not registered.
type Handlers struct {
	Messages   MessageStore
	Profiles   ProfileFetcher
	CRM        ContactLogger
	Automation Firer
}

// Register wires the handlers into a worker pool.
func (h *Handlers) Register(p *worker.Pool) {
	p.Handle(TaskEnrichProfile, h.EnrichProfile)
	if h.CRM != nil {
		p.Handle(TaskSyncCRM, h.SyncCRM)
	}
	if h.Automation != nil {
		p.Handle(TaskWelcomeDM, h.WelcomeDM)
	}
}

func jobLogger(job *queue.Job) *slog.Logger {
	return log.WithJob(job.ID, job.Task)
}

// EnrichProfile fills a message's missing handle and avatar from the
// platform profile.
func (h *Handlers) EnrichProfile(ctx context.Context, job *queue.Job) error {
	var p EnrichProfilePayload
	if err := decode(job.Payload, &p); err != nil {
		return err
	}
	logger := jobLogger(job).With("message_id", p.MessageID)

	msg, err := h.Messages.Get(ctx, p.MessageID)
	if errors.Is(err, inbox.ErrNotFound) {
		logger.Warn("message not found for profile fetch")
		return nil
	}
	if err != nil {
		return err
	}
	if !msg.NeedsEnrichment() {
		return nil
	}

	profile, err := h.Profiles.GetProfile(ctx, msg.SubjectID)
	if errors.Is(err, graph.ErrNotConfigured) {
		return worker.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("fetch profile for %s: %w", msg.SubjectID, err)
	}

	changed, err := h.Messages.UpdateProfile(ctx, msg.ID, profile.Username, profile.AvatarURL)
	if err != nil {
		return err
	}
	if changed {
		logger.Info("updated message profile")
	}
	return nil
}

// SyncCRM logs a message as a note on the matching CRM contact. Subjects
// without a contact are skipped; contacts are never created.
func (h *Handlers) SyncCRM(ctx context.Context, job *queue.Job) error {
	var p SyncCRMPayload
	if err := decode(job.Payload, &p); err != nil {
		return err
	}
	logger := jobLogger(job).With("message_id", p.MessageID, "subject_id", p.SubjectID)

	msg, err := h.Messages.Get(ctx, p.MessageID)
	if errors.Is(err, inbox.ErrNotFound) {
		logger.Warn("message not found for crm sync")
		return nil
	}
	if err != nil {
		return err
	}
	if msg.SyncedToCRM {
		return nil
	}

	handle := p.Handle
	if handle == "" {
		handle = msg.SubjectHandle
	}
	if handle == "" {
		return fmt.Errorf("handle for subject %s is not known yet", p.SubjectID)
	}

	contactID, found, err := h.CRM.FindContactByHandle(ctx, handle)
	if err != nil {
		return fmt.Errorf("find crm contact: %w", err)
	}
	if !found {
		logger.Info("no crm contact for handle, skipping", "handle", handle)
		return nil
	}

	if err := h.CRM.AppendNote(ctx, contactID, p.Text, p.Source); err != nil {
		return fmt.Errorf("append crm note: %w", err)
	}
	if _, err := h.Messages.MarkSynced(ctx, msg.ID); err != nil {
		return err
	}
	logger.Info("message synced to crm", "contact_id", contactID)
	return nil
}

// WelcomeDM fires the welcome_dm action. A failed send is already in the
// attempt log and is not retried.
func (h *Handlers) WelcomeDM(ctx context.Context, job *queue.Job) error {
	var p WelcomeDMPayload
	if err := decode(job.Payload, &p); err != nil {
		return err
	}
	res, err := h.Automation.Fire(ctx, automation.Trigger{SubjectID: p.SubjectID, Action: automation.ActionWelcomeDM})
	if err != nil {
		return err
	}
	jobLogger(job).Info("welcome dm dispatched", "subject_id", p.SubjectID, "outcome", res.Outcome, "skip", res.Skip)
	return nil
}
