package store

import (
	"context"
	"errors"
	"time"

	"site-audit-coordinator/internal/models"
)

// ErrNotFound is returned by point reads for missing rows.
var ErrNotFound = errors.New("not found")

// maxLastErrorLen bounds the free-text diagnostic stored on a job.
const maxLastErrorLen = 512

// CreateAuditParams collects inputs required to insert an audit record.
type CreateAuditParams struct {
	CustomerEmail string
	TargetURL     string
}

// Store is the persistence boundary for audit records and queue entries.
// All coordination between overlapping coordinator invocations happens
// through the conditional updates here: every state transition is an
// update-where-current-value-matches, and callers observe the affected-row
// count to detect lost races. Zero rows affected is never an error.
type Store interface {
	CreateAudit(ctx context.Context, p CreateAuditParams) (models.Audit, error)
	GetAudit(ctx context.Context, id string) (models.Audit, error)

	// MarkAuditRunning moves a pending audit to running; a no-op if the
	// audit already left pending.
	MarkAuditRunning(ctx context.Context, id string) error
	// MarkAuditCompleted forces the status to completed. Used by the
	// evidence reconciler, so it is unconditional.
	MarkAuditCompleted(ctx context.Context, id string) error
	// MarkAuditFailedIfActive sets the status to failed only while it is
	// still pending or running, so a status that evidence already proved
	// successful is never overwritten.
	MarkAuditFailedIfActive(ctx context.Context, id string) (bool, error)

	SaveReport(ctx context.Context, id, reportHTML string) error

	// ReserveEmail writes the reservation sentinel if the marker still holds
	// the value the caller observed (nil included). Returns false when a
	// concurrent invocation moved the marker first.
	ReserveEmail(ctx context.Context, id, marker string, observed *string) (bool, error)
	// CommitEmail records the confirmed send. Unconditional: the caller holds
	// the reservation.
	CommitEmail(ctx context.Context, id, marker string) error
	// ClearEmailReservation removes the caller's own reservation after a
	// failed attempt. Conditional on the exact reservation value so a
	// committed marker can never be cleared.
	ClearEmailReservation(ctx context.Context, id, marker string) error

	// OrphanAudits lists pending/running audits with no confirmed email and
	// no queue entry at all, oldest first.
	OrphanAudits(ctx context.Context, limit int) ([]models.Audit, error)

	GetJob(ctx context.Context, id string) (models.Job, error)
	// InsertJobIfAbsent creates a pending job for the audit unless any job
	// row (terminal ones included) already references it. Returns the
	// existing job and false when one does.
	InsertJobIfAbsent(ctx context.Context, auditID string) (models.Job, bool, error)
	// PendingJobs lists claimable jobs oldest-first.
	PendingJobs(ctx context.Context, limit int) ([]models.Job, error)
	// ClaimJob is the compare-and-swap pending -> processing transition. It
	// sets started_at, increments retry_count, and returns the updated row.
	// false means another invocation won the claim.
	ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, lastError string) error
	// ResetJob moves a processing job to the given status and clears
	// started_at; a no-op (false) if the job is not processing anymore.
	ResetJob(ctx context.Context, id, status, note string) (bool, error)
	// StuckJobs lists processing jobs whose started_at predates the cutoff.
	StuckJobs(ctx context.Context, olderThan time.Time) ([]models.Job, error)

	PendingCount(ctx context.Context) (int64, error)
}

func boundError(msg string) string {
	if len(msg) > maxLastErrorLen {
		return msg[:maxLastErrorLen]
	}
	return msg
}
