package models

import (
	"time"
)

// JobStatus enumerates queue-entry lifecycle states persisted in Postgres.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is one queue entry: an attempt to process one audit. Rows are created
// when an audit is submitted (or by the orphan sweep) and are never deleted;
// terminal rows stay around for debugging.
type Job struct {
	ID          string     `json:"id"`
	AuditID     string     `json:"audit_id"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can no longer be claimed.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
