package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusDead      Status = "dead"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusDead:
		return true
	}
	return false
}

type Job struct {
	ID          string
	Task        string
	Payload     json.RawMessage
	Status      Status
	Attempt     int
	MaxAttempts int
	SubmittedBy string
	DedupeKey   *string
	CreatedAt   time.Time
	RunAt       time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
}

type EnqueueRequest struct {
	Task    string
	Payload json.RawMessage
	// Delay postpones the first attempt.
	Delay       time.Duration
	MaxAttempts int
	SubmittedBy string
	// DedupeKey, when set, drops the request while another queued or running
	// job holds the same key.
	DedupeKey string
}

var ErrJobNotFound = errors.New("job not found")

// DedupeDropError is returned by Enqueue when an equivalent job is pending.
type DedupeDropError struct {
	DedupeKey     string
	ExistingJobID string
}

func (e *DedupeDropError) Error() string {
	return fmt.Sprintf("dedupe key %q already held by job %s", e.DedupeKey, e.ExistingJobID)
}
