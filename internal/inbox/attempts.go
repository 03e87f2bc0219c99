package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/replyd/internal/storage"
)

// Outcome is the result of one automation attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	// OutcomeSuppressed is only written when suppressed dispatches are configured to be recorded.
	OutcomeSuppressed Outcome = "suppressed"
)

// Attempt is an append-only record of one automation dispatch.
type Attempt struct {
	ID          string          `json:"id"`
	SubjectID   string          `json:"subject_id"`
	Action      string          `json:"action_kind"`
	Outcome     Outcome         `json:"outcome"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Attempts is the automation attempt log.
type Attempts struct {
	db  *sql.DB
	now func() time.Time
}

// NewAttempts creates an attempt log.
func NewAttempts(db *sql.DB) *Attempts {
	return &Attempts{db: db, now: time.Now}
}

// Record appends a and fills in its id and creation time.
func (s *Attempts) Record(ctx context.Context, a *Attempt) error {
	if a.SubjectID == "" || a.Action == "" {
		return fmt.Errorf("record attempt: subject and action are required")
	}
	switch a.Outcome {
	case OutcomeSuccess, OutcomeFailed, OutcomeSuppressed:
	default:
		return fmt.Errorf("record attempt: invalid outcome %q", a.Outcome)
	}
	if len(a.Payload) == 0 {
		a.Payload = json.RawMessage("{}")
	}

	a.ID = uuid.NewString()
	a.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO automation_attempts(id, subject_id, action_kind, outcome, error_detail, payload, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, a.ID, a.SubjectID, a.Action, string(a.Outcome), nullable(a.ErrorDetail), string(a.Payload),
		storage.FormatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// AttemptFilter narrows Recent. Zero values match everything.
type AttemptFilter struct {
	SubjectID string
	Action    string
	Limit     int
}

// Recent returns attempts newest first.
func (s *Attempts) Recent(ctx context.Context, f AttemptFilter) ([]Attempt, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject_id, action_kind, outcome, error_detail, payload, created_at
FROM automation_attempts
WHERE (? = '' OR subject_id = ?)
  AND (? = '' OR action_kind = ?)
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, f.SubjectID, f.SubjectID, f.Action, f.Action, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a         Attempt
			outcome   string
			detail    sql.NullString
			payload   string
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.SubjectID, &a.Action, &outcome, &detail, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = Outcome(outcome)
		a.ErrorDetail = detail.String
		a.Payload = json.RawMessage(payload)
		if t, err := storage.ParseTime(createdAt); err == nil {
			a.CreatedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
