package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/replyd/internal/activity"
	"github.com/mattjoyce/replyd/internal/automation"
	"github.com/mattjoyce/replyd/internal/event"
	"github.com/mattjoyce/replyd/internal/inbox"
	"github.com/mattjoyce/replyd/internal/signature"
)

// Ack is the body of every accepted delivery.
const Ack = "EVENT_RECEIVED"

// Webhook results reported to metrics.
const (
	resultAccepted        = "accepted"
	resultMalformed       = "malformed"
	resultForbidden       = "forbidden"
	resultTooLarge        = "too_large"
	resultHandshake       = "handshake"
	resultHandshakeDenied = "handshake_denied"
)

// Summary counts what processing one delivery did.
type Summary struct {
	Events     int
	Stored     int
	Duplicates int
	Scheduled  int
	Dispatched int
	Errors     int
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	challenge, ok := signature.Handshake(r.URL.Query(), s.config.VerifyToken)
	if !ok {
		s.logger.Warn("webhook verification failed", "mode", r.URL.Query().Get("hub.mode"))
		s.deps.Metrics.ObserveWebhook(resultHandshakeDenied)
		respondText(w, http.StatusForbidden, "Forbidden")
		return
	}
	s.logger.Info("webhook verified")
	s.deps.Metrics.ObserveWebhook(resultHandshake)
	respondText(w, http.StatusOK, challenge)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// The signature covers the exact bytes received, so the body is read
	// whole before anything decodes it.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.deps.Metrics.ObserveWebhook(resultTooLarge)
			respondText(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respondText(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	result := signature.Verify(body, r.Header.Get(signature.Header), s.config.AppSecret)
	if !s.config.Policy.Admit(result) {
		s.logger.Warn("webhook signature rejected",
			"result", result.String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
		s.deps.Metrics.ObserveWebhook(resultForbidden)
		respondText(w, http.StatusForbidden, "Forbidden")
		return
	}
	if result != signature.Valid {
		s.logger.Warn("processing unverified webhook", "result", result.String())
	}

	env, err := event.Parse(body)
	if err != nil {
		s.logger.Warn("webhook payload is not a valid envelope", "error", err, "bytes", len(body))
		s.deps.Metrics.ObserveWebhook(resultMalformed)
		respondText(w, http.StatusOK, Ack)
		return
	}

	sum := s.Process(r.Context(), env)
	s.logger.Debug("webhook processed",
		"events", sum.Events,
		"stored", sum.Stored,
		"duplicates", sum.Duplicates,
		"scheduled", sum.Scheduled,
		"dispatched", sum.Dispatched,
		"errors", sum.Errors,
	)
	s.deps.Metrics.ObserveWebhook(resultAccepted)
	respondText(w, http.StatusOK, Ack)
}

// Process handles every event in env in order. A failing event never stops
// its siblings.
func (s *Server) Process(ctx context.Context, env *event.Envelope) Summary {
	var sum Summary
	for ev := range s.classifier.Events(env) {
		sum.Events++
		s.deps.Metrics.ObserveEvent(string(ev.Kind()))
		logger := s.logger.With("kind", ev.Kind(), "subject_id", ev.Subject())
		if err := s.processEvent(ctx, ev, logger, &sum); err != nil {
			sum.Errors++
			logger.Error("failed to process event", "error", err)
		}
	}
	return sum
}

func (s *Server) processEvent(ctx context.Context, ev event.Event, logger *slog.Logger, sum *Summary) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	msg := inbox.FromEvent(ev)
	created, err := s.deps.Messages.Create(ctx, msg)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if !created {
		sum.Duplicates++
		logger.Info("skipping redelivered event", "message_id", msg.ID)
		return nil
	}
	sum.Stored++
	s.deps.Activity.Publish(activity.TypeEventReceived, map[string]string{
		"message_id": msg.ID,
		"kind":       string(msg.Kind),
		"subject_id": msg.SubjectID,
	})

	if s.deps.FanOut != nil {
		first, err := s.deps.Messages.IsFirstContact(ctx, msg)
		if err != nil {
			logger.Warn("failed to check first contact", "error", err)
		}
		sum.Scheduled += s.deps.FanOut.Schedule(ctx, msg, first)
	}

	res, err := s.deps.Automation.Dispatch(ctx, ev, msg.ID)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if res.Outcome == automation.OutcomeSkipped {
		logger.Debug("no automated reply", "reason", res.Skip)
		return nil
	}
	sum.Dispatched++
	s.deps.Activity.Publish(activity.TypeAutomation, map[string]string{
		"message_id": msg.ID,
		"subject_id": msg.SubjectID,
		"action":     res.Action,
		"outcome":    string(res.Outcome),
		"detail":     res.Detail,
	})
	return nil
}
