// Package automation decides whether an inbound event earns an automated
// reply and sends it.
//
// A dispatch runs cooldown check, template lookup, personalisation, send,
// attempt log and cooldown record in that order, serialized per subject and
// action. Messaging failures end up in the attempt log; only storage errors
// are returned to the caller.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/replyd/internal/cooldown"
	"github.com/mattjoyce/replyd/internal/event"
	"github.com/mattjoyce/replyd/internal/graph"
	"github.com/mattjoyce/replyd/internal/inbox"
	"github.com/mattjoyce/replyd/internal/log"
	"github.com/mattjoyce/replyd/internal/metrics"
	"github.com/mattjoyce/replyd/internal/settings"
)

//go:generate mockgen -destination=mocks/mock_automation.go -package=mocks github.com/mattjoyce/replyd/internal/automation Messenger,CooldownStore,Templates,AttemptRecorder

// Action kinds.
const (
	ActionStoryReply   = "story_reply"
	ActionStoryMention = "story_mention"
	ActionCommentDM    = "comment_dm"
	ActionWelcomeDM    = "welcome_dm"
)

// FirstNamePlaceholder is replaced with the recipient's first name.
const FirstNamePlaceholder = "{first_name}"

const defaultFallbackName = "there"

// Messenger sends messages and looks up profiles on the messaging platform.
type Messenger interface {
	SendMessage(ctx context.Context, to graph.Recipient, text string) (*graph.SendResult, error)
	GetProfile(ctx context.Context, subjectID string) (*graph.Profile, error)
}

// CooldownStore gates repeat sends.
type CooldownStore interface {
	IsActive(ctx context.Context, subject, action string) (bool, error)
	ActiveUntil(ctx context.Context, subject, action string) (time.Time, error)
	Record(ctx context.Context, subject, action string, ttl time.Duration) (bool, error)
}

// Templates returns operator-configured settings by key.
type Templates interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// AttemptRecorder appends to the attempt log.
type AttemptRecorder interface {
	Record(ctx context.Context, a *inbox.Attempt) error
}

// Outcome of a dispatch.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// SkipReason explains an OutcomeSkipped result.
type SkipReason string

const (
	SkipNoAction        SkipReason = "no_action"
	SkipKeywordMismatch SkipReason = "keyword_mismatch"
	SkipCooldown        SkipReason = "cooldown_active"
	SkipNoTemplate      SkipReason = "template_missing"
)

// Trigger is a request to run one action for one subject. CommentID, when
// set, addresses the reply privately to that comment instead of the subject.
type Trigger struct {
	SubjectID       string
	Action          string
	CommentID       string
	SourceMessageID string
}

// Result describes what a dispatch did.
type Result struct {
	Action  string
	Outcome Outcome
	Skip    SkipReason
	Text    string
	Detail  string
}

// Options tunes dispatch behaviour.
type Options struct {
	CooldownTTL  time.Duration
	FallbackName string
	// RecordSuppressed writes a suppressed attempt when a cooldown or a
	// missing template stops a dispatch.
	RecordSuppressed bool
}

// Deps are the dispatcher's collaborators. Metrics may be nil.
type Deps struct {
	Messenger Messenger
	Cooldowns CooldownStore
	Templates Templates
	Attempts  AttemptRecorder
	Metrics   *metrics.Metrics
}

// Dispatcher fires cooldown-gated automated replies.
type Dispatcher struct {
	deps   Deps
	opts   Options
	locks  keyedMutex
	logger *slog.Logger
}

// New creates a Dispatcher, filling unset options with defaults.
func New(deps Deps, opts Options) *Dispatcher {
	if opts.CooldownTTL <= 0 {
		opts.CooldownTTL = cooldown.DefaultTTL
	}
	if opts.FallbackName == "" {
		opts.FallbackName = defaultFallbackName
	}
	return &Dispatcher{
		deps:   deps,
		opts:   opts,
		logger: log.WithComponent("automation"),
	}
}

// Dispatch maps ev to an action and fires it. Direct messages and mentions
// never trigger; comments trigger only on a keyword match.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event, sourceMessageID string) (*Result, error) {
	t := Trigger{SubjectID: ev.Subject(), SourceMessageID: sourceMessageID}

	switch ev.Kind() {
	case event.KindStoryReply:
		t.Action = ActionStoryReply
	case event.KindStoryMention:
		t.Action = ActionStoryMention
	case event.KindComment:
		keyword, _, err := d.deps.Templates.Get(ctx, settings.KeyCommentKeyword)
		if err != nil {
			return nil, fmt.Errorf("load comment keyword: %w", err)
		}
		if !MatchesKeyword(ev.Text(), keyword) {
			return &Result{Action: ActionCommentDM, Outcome: OutcomeSkipped, Skip: SkipKeywordMismatch}, nil
		}
		t.Action = ActionCommentDM
		t.CommentID = ev.CommentID()
	default:
		return &Result{Outcome: OutcomeSkipped, Skip: SkipNoAction}, nil
	}
	return d.Fire(ctx, t)
}

// MatchesKeyword reports whether keyword is non-empty and occurs in text,
// ignoring case.
func MatchesKeyword(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}

// Fire runs an action for a subject regardless of event kind.
func (d *Dispatcher) Fire(ctx context.Context, t Trigger) (*Result, error) {
	if t.SubjectID == "" || t.Action == "" {
		return nil, fmt.Errorf("trigger needs a subject and an action")
	}
	logger := log.WithSubject(t.SubjectID).With("component", "automation", "action", t.Action)

	unlock := d.locks.Lock(t.SubjectID + "\x00" + t.Action)
	defer unlock()

	res := &Result{Action: t.Action}
	defer func() { d.observe(res) }()

	active, err := d.deps.Cooldowns.IsActive(ctx, t.SubjectID, t.Action)
	if err != nil {
		return nil, fmt.Errorf("check cooldown: %w", err)
	}
	if active {
		until, err := d.deps.Cooldowns.ActiveUntil(ctx, t.SubjectID, t.Action)
		if err != nil {
			return nil, fmt.Errorf("read cooldown expiry: %w", err)
		}
		res.Detail = "cooldown active until " + until.UTC().Format(time.RFC3339)
		logger.Info("cooldown active, skipping", "until", until)
		return d.suppress(ctx, t, res, SkipCooldown)
	}

	key := settings.TemplateKey(t.Action)
	tmpl, ok, err := d.deps.Templates.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", key, err)
	}
	if !ok || strings.TrimSpace(tmpl) == "" {
		logger.Warn("no template configured", "template_key", key)
		return d.suppress(ctx, t, res, SkipNoTemplate)
	}

	res.Text = strings.ReplaceAll(tmpl, FirstNamePlaceholder, d.firstName(ctx, t.SubjectID, logger))

	to := graph.Recipient{ID: t.SubjectID}
	if t.CommentID != "" {
		to = graph.Recipient{CommentID: t.CommentID}
	}

	attempt := &inbox.Attempt{
		SubjectID: t.SubjectID,
		Action:    t.Action,
		Payload:   snapshot(to, key, res.Text, t.SourceMessageID),
	}
	_, sendErr := d.deps.Messenger.SendMessage(ctx, to, res.Text)
	// Once the send has been attempted the outcome must be recorded even if
	// the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	if sendErr != nil {
		res.Outcome = OutcomeFailed
		res.Detail = graph.Describe(sendErr)
		attempt.Outcome = inbox.OutcomeFailed
		attempt.ErrorDetail = res.Detail
		logger.Warn("automated reply failed", "detail", res.Detail, "error", sendErr)
	} else {
		res.Outcome = OutcomeSent
		attempt.Outcome = inbox.OutcomeSuccess
		logger.Info("automated reply sent", "private_reply", t.CommentID != "")
	}

	if err := d.deps.Attempts.Record(ctx, attempt); err != nil {
		return res, fmt.Errorf("record attempt: %w", err)
	}
	if res.Outcome != OutcomeSent {
		return res, nil
	}

	recorded, err := d.deps.Cooldowns.Record(ctx, t.SubjectID, t.Action, d.opts.CooldownTTL)
	if err != nil {
		return res, fmt.Errorf("record cooldown: %w", err)
	}
	if !recorded {
		logger.Warn("cooldown already recorded for this action")
	}
	return res, nil
}

func (d *Dispatcher) suppress(ctx context.Context, t Trigger, res *Result, reason SkipReason) (*Result, error) {
	res.Outcome = OutcomeSkipped
	res.Skip = reason
	if !d.opts.RecordSuppressed {
		return res, nil
	}
	err := d.deps.Attempts.Record(ctx, &inbox.Attempt{
		SubjectID:   t.SubjectID,
		Action:      t.Action,
		Outcome:     inbox.OutcomeSuppressed,
		ErrorDetail: string(reason),
		Payload:     snapshot(graph.Recipient{}, settings.TemplateKey(t.Action), "", t.SourceMessageID),
	})
	if err != nil {
		return res, fmt.Errorf("record suppressed attempt: %w", err)
	}
	return res, nil
}

func (d *Dispatcher) firstName(ctx context.Context, subjectID string, logger *slog.Logger) string {
	profile, err := d.deps.Messenger.GetProfile(ctx, subjectID)
	if err != nil {
		logger.Debug("profile lookup failed, using fallback name", "error", err)
		return d.opts.FallbackName
	}
	if name := profile.GivenName(); name != "" {
		return name
	}
	return d.opts.FallbackName
}

func (d *Dispatcher) observe(res *Result) {
	if res.Outcome == "" {
		return
	}
	outcome := string(res.Outcome)
	if res.Outcome == OutcomeSkipped {
		outcome = string(res.Skip)
	}
	d.deps.Metrics.ObserveDispatch(res.Action, outcome)
}

func snapshot(to graph.Recipient, templateKey, text, sourceMessageID string) json.RawMessage {
	b, err := json.Marshal(map[string]any{
		"recipient":         to,
		"template_key":      templateKey,
		"text":              text,
		"source_message_id": sourceMessageID,
	})
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
