// Package inbox persists inbound messages and the automation attempt log.
//
// Messages are written once at ingestion and afterwards touched only by
// profile enrichment (handle and avatar) and CRM sync (the synced flag).
// Each message carries a BLAKE3 digest of its raw payload; a redelivered
// item with the same bytes is recognised and not stored twice.
package inbox

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/replyd/internal/event"
	"github.com/mattjoyce/replyd/internal/storage"
	"github.com/zeebo/blake3"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message not found")

// Message is one stored inbound event.
type Message struct {
	ID            string
	SubjectID     string
	SubjectHandle string
	AvatarURL     string
	Kind          event.Kind
	Text          string
	MediaID       string
	CommentID     string
	RawPayload    json.RawMessage
	PayloadDigest string
	SyncedToCRM   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NeedsEnrichment reports whether the handle or avatar is still unknown.
func (m *Message) NeedsEnrichment() bool {
	return m.SubjectHandle == "" || m.AvatarURL == ""
}

// FromEvent builds an unsaved message from a classified event.
func FromEvent(ev event.Event) *Message {
	return &Message{
		SubjectID:     ev.Subject(),
		SubjectHandle: ev.Handle(),
		Kind:          ev.Kind(),
		Text:          ev.Text(),
		MediaID:       ev.MediaID(),
		CommentID:     ev.CommentID(),
		RawPayload:    ev.Raw(),
	}
}

// Digest returns the hex BLAKE3 digest used to detect redelivered payloads.
func Digest(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Messages stores inbound messages.
type Messages struct {
	db  *sql.DB
	now func() time.Time
}

// NewMessages creates a message store.
func NewMessages(db *sql.DB) *Messages {
	return &Messages{db: db, now: time.Now}
}

// Create stores m and fills in its id, digest and timestamps. When a message
// with the same payload digest already exists, m takes the stored id and
// created is false.
func (s *Messages) Create(ctx context.Context, m *Message) (bool, error) {
	if m.SubjectID == "" {
		return false, fmt.Errorf("create message: subject id is empty")
	}
	if !m.Kind.Valid() {
		return false, fmt.Errorf("create message: unknown kind %q", m.Kind)
	}
	if len(m.RawPayload) == 0 {
		m.RawPayload = json.RawMessage("{}")
	}

	now := s.now().UTC()
	m.ID = uuid.NewString()
	m.PayloadDigest = Digest(m.RawPayload)
	m.CreatedAt = now
	m.UpdatedAt = now
	ts := storage.FormatTime(now)

	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages(
  id, subject_id, subject_handle, avatar_url, kind, text, media_id, comment_id,
  raw_payload, payload_digest, synced_to_crm, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(payload_digest) DO NOTHING;
`, m.ID, m.SubjectID, nullable(m.SubjectHandle), nullable(m.AvatarURL), string(m.Kind), m.Text,
		nullable(m.MediaID), nullable(m.CommentID), string(m.RawPayload), m.PayloadDigest, ts, ts)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	existing, err := s.getBy(ctx, "payload_digest", m.PayloadDigest)
	if err != nil {
		return false, fmt.Errorf("load duplicate message: %w", err)
	}
	*m = *existing
	return false, nil
}

// Get loads a message by id.
func (s *Messages) Get(ctx context.Context, id string) (*Message, error) {
	return s.getBy(ctx, "id", id)
}

func (s *Messages) getBy(ctx context.Context, column, value string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, subject_id, subject_handle, avatar_url, kind, text, media_id, comment_id,
       raw_payload, payload_digest, synced_to_crm, created_at, updated_at
FROM messages
WHERE `+column+` = ?;
`, value)

	var (
		m                  Message
		handle, avatar     sql.NullString
		mediaID, commentID sql.NullString
		kind, raw          string
		synced             int
		createdAt          string
		updatedAt          string
	)
	err := row.Scan(&m.ID, &m.SubjectID, &handle, &avatar, &kind, &m.Text, &mediaID, &commentID,
		&raw, &m.PayloadDigest, &synced, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}

	m.SubjectHandle = handle.String
	m.AvatarURL = avatar.String
	m.MediaID = mediaID.String
	m.CommentID = commentID.String
	m.Kind = event.Kind(kind)
	m.RawPayload = json.RawMessage(raw)
	m.SyncedToCRM = synced != 0
	if t, err := storage.ParseTime(createdAt); err == nil {
		m.CreatedAt = t
	}
	if t, err := storage.ParseTime(updatedAt); err == nil {
		m.UpdatedAt = t
	}
	return &m, nil
}

// UpdateProfile fills the handle and avatar where they are still empty, in a
// single statement. Existing values are never overwritten. It reports
// whether any field changed.
func (s *Messages) UpdateProfile(ctx context.Context, id, handle, avatarURL string) (bool, error) {
	if handle == "" && avatarURL == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE messages
SET subject_handle = CASE WHEN COALESCE(subject_handle, '') = '' THEN ? ELSE subject_handle END,
    avatar_url     = CASE WHEN COALESCE(avatar_url, '') = '' THEN ? ELSE avatar_url END,
    updated_at     = ?
WHERE id = ?
  AND ((COALESCE(subject_handle, '') = '' AND ? IS NOT NULL)
    OR (COALESCE(avatar_url, '') = '' AND ? IS NOT NULL));
`, nullable(handle), nullable(avatarURL), storage.FormatTime(s.now()), id, nullable(handle), nullable(avatarURL))
	if err != nil {
		return false, fmt.Errorf("update message profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("profile rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkSynced sets the CRM-sync flag. It reports false if the flag was already set.
func (s *Messages) MarkSynced(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET synced_to_crm = 1, updated_at = ?
WHERE id = ? AND synced_to_crm = 0;
`, storage.FormatTime(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("mark message synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("synced rows affected: %w", err)
	}
	return n > 0, nil
}

// IsFirstContact reports whether m is the earliest stored message of its kind
// from its subject.
func (s *Messages) IsFirstContact(ctx context.Context, m *Message) (bool, error) {
	var earlier int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM messages
WHERE subject_id = ? AND kind = ? AND id != ? AND created_at <= ?;
`, m.SubjectID, string(m.Kind), m.ID, storage.FormatTime(m.CreatedAt)).Scan(&earlier)
	if err != nil {
		return false, fmt.Errorf("count prior messages: %w", err)
	}
	return earlier == 0, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
