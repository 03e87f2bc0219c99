package api

import (
	"time"

	"github.com/mattjoyce/replyd/internal/inbox"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// AttemptsResponse is returned by GET /attempts.
type AttemptsResponse struct {
	Attempts []inbox.Attempt `json:"attempts"`
}

// JobStatusResponse is returned by GET /jobs/{jobID}.
type JobStatusResponse struct {
	JobID       string     `json:"job_id"`
	Task        string     `json:"task"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	RunAt       time.Time  `json:"run_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}
