package models

import (
	"strings"
	"time"
)

// AuditStatus enumerates audit lifecycle states. The field is stored
// independently of the job's status and can drift from it; the coordinator
// treats presence of a report or a committed email marker as the stronger
// signal and corrects the status toward it.
const (
	AuditPending   = "pending"
	AuditRunning   = "running"
	AuditCompleted = "completed"
	AuditFailed    = "failed"
)

// Audit is the customer-facing record for one purchased site audit.
type Audit struct {
	ID            string    `json:"id"`
	CustomerEmail string    `json:"customer_email"`
	TargetURL     string    `json:"target_url"`
	Status        string    `json:"status"`
	Report        *string   `json:"report,omitempty"`
	EmailMarker   *string   `json:"email_marker,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// The email marker column carries two kinds of values: a reservation written
// immediately before a send attempt ("sending <RFC3339>"), and a bare RFC3339
// timestamp once the send is confirmed. The reservation embeds its own write
// time so the grace-window check needs no extra column.
const emailReservationPrefix = "sending "

// EmailReservation returns the reservation sentinel for a send starting now.
func EmailReservation(now time.Time) string {
	return emailReservationPrefix + now.UTC().Format(time.RFC3339)
}

// EmailCommitment returns the committed marker recording a confirmed send.
func EmailCommitment(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}

// IsEmailReservation reports whether the marker is a reservation sentinel.
func IsEmailReservation(marker string) bool {
	return strings.HasPrefix(marker, emailReservationPrefix)
}

// EmailReservationTime extracts the write time from a reservation sentinel.
func EmailReservationTime(marker string) (time.Time, bool) {
	if !IsEmailReservation(marker) {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimPrefix(marker, emailReservationPrefix))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// EmailReservationPattern is the SQL LIKE pattern matching reservation values.
func EmailReservationPattern() string {
	return emailReservationPrefix + "%"
}

// HasReport reports whether the audit pipeline produced a report. Presence of
// the report is authoritative evidence of pipeline success regardless of the
// status field.
func (a Audit) HasReport() bool {
	return a.Report != nil && *a.Report != ""
}

// EmailCommitted reports whether the report email is confirmed sent.
func (a Audit) EmailCommitted() bool {
	return a.EmailMarker != nil && *a.EmailMarker != "" && !IsEmailReservation(*a.EmailMarker)
}

// EmailReservedAt returns the write time of an in-flight send reservation.
func (a Audit) EmailReservedAt() (time.Time, bool) {
	if a.EmailMarker == nil {
		return time.Time{}, false
	}
	return EmailReservationTime(*a.EmailMarker)
}

// Succeeded reports whether any success evidence exists: report present,
// email confirmed, or status already completed. Once true it must never be
// contradicted by a later failure path.
func (a Audit) Succeeded() bool {
	return a.HasReport() && a.EmailCommitted() || a.Status == AuditCompleted
}
