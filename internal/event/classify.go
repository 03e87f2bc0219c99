package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
)

// ErrMalformed marks an item that claimed to be an event but lacked a required field.
var ErrMalformed = errors.New("malformed event")

const (
	attachmentStoryMention = "story_mention"
	fieldComments          = "comments"
	fieldMentions          = "mentions"
)

// Parse decodes a webhook body into an envelope. Items are not inspected.
func Parse(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Classifier turns envelope items into events.
type Classifier struct {
	logger *slog.Logger
}

// NewClassifier creates a classifier that reports dropped items to logger.
func NewClassifier(logger *slog.Logger) *Classifier {
	return &Classifier{logger: logger}
}

// Events yields classified events in delivery order: entries in order, and
// within an entry messaging items before change items. Malformed items are
// logged and skipped. The sequence is single pass.
func (c *Classifier) Events(env *Envelope) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if env == nil {
			return
		}
		for i, entry := range env.Entry {
			for j, raw := range entry.Messaging {
				ev, err := ClassifyMessaging(raw)
				if !c.emit(ev, err, "messaging", i, j, yield) {
					return
				}
			}
			for j, raw := range entry.Changes {
				ev, err := ClassifyChange(raw)
				if !c.emit(ev, err, "changes", i, j, yield) {
					return
				}
			}
		}
	}
}

func (c *Classifier) emit(ev Event, err error, section string, entry, item int, yield func(Event) bool) bool {
	if err != nil {
		c.logger.Warn("dropping webhook item",
			"section", section,
			"entry", entry,
			"item", item,
			"error", err,
		)
		return true
	}
	if ev == nil {
		return true
	}
	return yield(ev)
}

// ClassifyMessaging classifies one messaging item. A nil event with a nil
// error means the item is not actionable and is skipped silently.
func ClassifyMessaging(raw json.RawMessage) (Event, error) {
	var item messagingItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: decode messaging item: %v", ErrMalformed, err)
	}
	msg := item.Message
	if msg == nil || msg.IsEcho {
		return nil, nil
	}

	var ev Event
	b := Base{SubjectID: item.Sender.ID, Payload: raw}
	switch {
	case hasAttachment(item, attachmentStoryMention):
		sm := StoryMention{Base: b}
		for _, a := range msg.Attachments {
			if a.Type == attachmentStoryMention {
				sm.MediaURL = a.Payload.URL
				break
			}
		}
		ev = sm
	case msg.ReplyTo != nil && msg.ReplyTo.Story != nil:
		ev = StoryReply{Base: b, Body: msg.Text, StoryID: msg.ReplyTo.Story.ID}
	case msg.Text != "":
		ev = DirectMessage{Base: b, Body: msg.Text, MID: msg.MID}
	default:
		return nil, nil
	}

	if b.SubjectID == "" {
		return nil, fmt.Errorf("%w: %s without sender.id", ErrMalformed, ev.Kind())
	}
	return ev, nil
}

func hasAttachment(item messagingItem, kind string) bool {
	for _, a := range item.Message.Attachments {
		if a.Type == kind {
			return true
		}
	}
	return false
}

// ClassifyChange classifies one change item. Unknown fields yield a nil event
// and a nil error.
func ClassifyChange(raw json.RawMessage) (Event, error) {
	var item changeItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: decode change item: %v", ErrMalformed, err)
	}
	if item.Field != fieldComments && item.Field != fieldMentions {
		return nil, nil
	}

	var v changeValue
	if len(item.Value) > 0 {
		if err := json.Unmarshal(item.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: decode %s value: %v", ErrMalformed, item.Field, err)
		}
	}
	if v.From.ID == "" {
		return nil, fmt.Errorf("%w: %s without from.id", ErrMalformed, item.Field)
	}

	b := Base{SubjectID: v.From.ID, Username: v.From.Username, Payload: raw}
	if item.Field == fieldComments {
		if v.ID == "" {
			return nil, fmt.Errorf("%w: comment without id", ErrMalformed)
		}
		media := v.Media.ID
		if media == "" {
			media = v.MediaID
		}
		return Comment{Base: b, Body: v.Text, ID: v.ID, OnMedia: media}, nil
	}

	media := v.MediaID
	if media == "" {
		media = v.Media.ID
	}
	return Mention{Base: b, Body: v.Text, InComment: v.CommentID, OnMedia: media}, nil
}
