// Package event decodes webhook envelopes and classifies their items into
// domain events.
//
// An envelope holds entries, each with messaging items (direct messages,
// story replies, story mentions) and change items (comments, mentions). Items
// are kept as raw JSON until classification so that one malformed item can be
// dropped without affecting its siblings, and so that each event keeps the
// exact bytes it arrived as.
package event

import "encoding/json"

// Kind identifies a classified event variant.
type Kind string

const (
	KindDirectMessage Kind = "dm"
	KindComment       Kind = "comment"
	KindStoryReply    Kind = "story_reply"
	KindStoryMention  Kind = "story_mention"
	KindMention       Kind = "mention"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDirectMessage, KindComment, KindStoryReply, KindStoryMention, KindMention:
		return true
	}
	return false
}

// Event is one classified item from a webhook delivery.
type Event interface {
	Kind() Kind
	// Subject is the platform-scoped id of the user who triggered the event. Never empty.
	Subject() string
	// Handle is the username when the payload carried one.
	Handle() string
	Text() string
	// MediaID and CommentID are empty when not applicable.
	MediaID() string
	CommentID() string
	// Raw is the single messaging or change item as received.
	Raw() json.RawMessage
}

// Base carries the fields every variant shares.
type Base struct {
	SubjectID string
	Username  string
	Payload   json.RawMessage
}

func (b Base) Subject() string { return b.SubjectID }
func (b Base) Handle() string { return b.Username }
func (b Base) Raw() json.RawMessage { return b.Payload }

// DirectMessage is a plain text message to the account.
type DirectMessage struct {
	Base
	Body string
	MID  string
}

func (DirectMessage) Kind() Kind { return KindDirectMessage }
func (e DirectMessage) Text() string { return e.Body }
func (DirectMessage) MediaID() string { return "" }
func (DirectMessage) CommentID() string { return "" }

// StoryReply is a message sent in reply to one of the account's stories.
type StoryReply struct {
	Base
	Body    string
	StoryID string
}

func (StoryReply) Kind() Kind { return KindStoryReply }
func (e StoryReply) Text() string { return e.Body }
func (e StoryReply) MediaID() string { return e.StoryID }
func (StoryReply) CommentID() string { return "" }

// StoryMention is a message notifying that a user mentioned the account in their story.
type StoryMention struct {
	Base
	MediaURL string
}

func (StoryMention) Kind() Kind { return KindStoryMention }
func (StoryMention) Text() string { return "" }
func (StoryMention) MediaID() string { return "" }
func (StoryMention) CommentID() string { return "" }

// Comment is a comment left on one of the account's media.
type Comment struct {
	Base
	Body    string
	ID      string
	OnMedia string
}

func (Comment) Kind() Kind { return KindComment }
func (e Comment) Text() string { return e.Body }
func (e Comment) MediaID() string { return e.OnMedia }
func (e Comment) CommentID() string { return e.ID }

// Mention is an @mention of the account in a caption or comment.
type Mention struct {
	Base
	Body      string
	InComment string
	OnMedia   string
}

func (Mention) Kind() Kind { return KindMention }
func (e Mention) Text() string { return e.Body }
func (e Mention) MediaID() string { return e.OnMedia }
func (e Mention) CommentID() string { return e.InComment }

// Envelope is the top-level webhook body.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the items delivered for one account.
type Entry struct {
	ID        string            `json:"id"`
	Messaging []json.RawMessage `json:"messaging"`
	Changes   []json.RawMessage `json:"changes"`
}

type messagingItem struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
		ReplyTo *struct {
			MID   string `json:"mid"`
			Story *struct {
				ID  string `json:"id"`
				URL string `json:"url"`
			} `json:"story"`
		} `json:"reply_to"`
	} `json:"message"`
}

type changeItem struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type changeValue struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CommentID string `json:"comment_id"`
	MediaID   string `json:"media_id"`
	From      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Media struct {
		ID string `json:"id"`
	} `json:"media"`
}
