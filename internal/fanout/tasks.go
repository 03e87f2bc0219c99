// Package fanout defines the background work that follows an inbound
// message: profile enrichment, CRM logging and the delayed welcome DM.
//
// Scheduler decides which jobs a stored message needs and enqueues them;
// Handlers executes them on the worker pool. Every handler tolerates running
// more than once for the same message.
package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mattjoyce/replyd/internal/event"
	"github.com/mattjoyce/replyd/internal/worker"
)

// Task names.
const (
	TaskEnrichProfile = "enrich_profile"
	TaskSyncCRM       = "sync_crm"
	TaskWelcomeDM     = "welcome_dm"
)

type EnrichProfilePayload struct {
	MessageID string `json:"message_id" validate:"required"`
}

type SyncCRMPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	SubjectID string `json:"subject_id" validate:"required"`
	Handle    string `json:"handle,omitempty"`
	Text      string `json:"text"`
	Source    string `json:"source" validate:"required"`
}

type WelcomeDMPayload struct {
	SubjectID string `json:"subject_id" validate:"required"`
}

var validate = validator.New()

// SourceLabel names where a message came from in CRM notes.
func SourceLabel(kind event.Kind) string {
	switch kind {
	case event.KindComment:
		return "Instagram Comment"
	case event.KindStoryReply:
		return "Instagram Story Reply"
	case event.KindStoryMention:
		return "Instagram Story Mention"
	case event.KindMention:
		return "Instagram Mention"
	default:
		return "Instagram DM"
	}
}

// decode unmarshals and validates a job payload. Failures are permanent:
// retrying cannot fix a malformed payload.
func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return worker.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if err := validate.Struct(v); err != nil {
		return worker.Permanent(fmt.Errorf("invalid payload: %w", err))
	}
	return nil
}
