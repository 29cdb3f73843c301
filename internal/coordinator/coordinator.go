package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"site-audit-coordinator/internal/archive"
	"site-audit-coordinator/internal/config"
	"site-audit-coordinator/internal/email"
	"site-audit-coordinator/internal/models"
	"site-audit-coordinator/internal/pipeline"
	"site-audit-coordinator/internal/store"
	"site-audit-coordinator/internal/telemetry"
)

// Outcome values reported per tick.
const (
	OutcomeIdle       = "idle"       // nothing claimable
	OutcomeLostRace   = "lost_race"  // another invocation claimed the candidate
	OutcomeDeferred   = "deferred"   // another send is in flight for the audit
	OutcomeCompleted  = "completed"
	OutcomeRetrying   = "retrying"
	OutcomeFailed     = "failed"
	OutcomeContinuing = "continuing" // soft deadline hit, work continues in background
)

// Result is the structured response of one tick.
type Result struct {
	Processed bool   `json:"processed"`
	JobID     string `json:"job_id,omitempty"`
	AuditID   string `json:"audit_id,omitempty"`
	Outcome   string `json:"outcome"`
	WillRetry bool   `json:"will_retry"`
	Reclaimed int    `json:"reclaimed"`
	Orphaned  int    `json:"orphaned"`
}

// Coordinator drives at most one audit job per tick. Many ticks may run
// concurrently with no shared memory; every transition below is a conditional
// update against the store, and a lost conditional update is never an error.
type Coordinator struct {
	cfg      config.Config
	store    store.Store
	pipeline pipeline.Runner
	sender   email.Sender
	archiver archive.Archiver // optional
}

func New(cfg config.Config, st store.Store, runner pipeline.Runner, sender email.Sender, archiver archive.Archiver) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		pipeline: runner,
		sender:   sender,
		archiver: archiver,
	}
}

// Tick is the idempotent entry point invoked by the external scheduler.
// Only store-level failures propagate; per-job failures are folded into the
// result so the scheduler always sees a successful tick.
func (c *Coordinator) Tick(ctx context.Context) (Result, error) {
	telemetry.Ticks.Inc()

	candidates, err := c.store.PendingJobs(ctx, c.cfg.CandidateLimit)
	if err != nil {
		return Result{}, fmt.Errorf("query pending jobs: %w", err)
	}

	res := Result{Outcome: OutcomeIdle}

	// Job and audit creation are not transactional across the checkout
	// boundary, so audits can exist with no queue entry at all. Sweep for
	// them whenever the queue looks empty.
	if len(candidates) == 0 {
		n, err := c.requeueOrphans(ctx)
		if err != nil {
			log.Printf("orphan sweep: %v", err)
		}
		res.Orphaned = n
	}

	claimed := false
	for _, cand := range candidates {
		job, audit, ok := c.vetCandidate(ctx, cand)
		if !ok {
			continue
		}

		claimedJob, won, err := c.store.ClaimJob(ctx, job.ID, time.Now())
		if err != nil {
			return res, fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		if !won {
			// Another invocation got there first. One job per tick by
			// design, so stop here instead of fighting over the rest.
			telemetry.ClaimsLost.Inc()
			res.Outcome = OutcomeLostRace
			return res, nil
		}
		claimed = true
		res = c.dispatch(ctx, claimedJob, audit, res)
		break
	}

	if !claimed {
		n, err := c.reclaimStuck(ctx)
		if err != nil {
			log.Printf("stuck sweep: %v", err)
		}
		res.Reclaimed = n
		telemetry.StuckReclaimed.Add(float64(n))
	}

	if depth, err := c.store.PendingCount(ctx); err == nil {
		telemetry.PendingDepth.Set(float64(depth))
	}
	return res, nil
}

// vetCandidate re-verifies a range-query candidate with fresh point reads.
// The range query may serve lagged data, so a mismatch is a silent skip.
// It also applies the pre-claim short-circuit: when the audit record already
// proves success, the job is completed without claiming or doing any work.
func (c *Coordinator) vetCandidate(ctx context.Context, cand models.Job) (models.Job, models.Audit, bool) {
	job, err := c.store.GetJob(ctx, cand.ID)
	if err != nil || job.Status != models.JobPending {
		return models.Job{}, models.Audit{}, false
	}

	audit, err := c.store.GetAudit(ctx, job.AuditID)
	if errors.Is(err, store.ErrNotFound) {
		// A queue entry pointing nowhere can never make progress.
		_ = c.store.FailJob(ctx, job.ID, "audit record missing")
		return models.Job{}, models.Audit{}, false
	}
	if err != nil {
		log.Printf("read audit %s: %v", job.AuditID, err)
		return models.Job{}, models.Audit{}, false
	}

	if audit.Succeeded() {
		// Work finished on an earlier invocation that crashed before
		// updating the job row. Converge and move on.
		if _, err := c.reconcile(ctx, job.ID, audit.ID); err != nil {
			log.Printf("reconcile audit %s: %v", audit.ID, err)
		}
		return models.Job{}, models.Audit{}, false
	}

	return job, audit, true
}

// dispatch runs the claimed job, racing the attempt against the soft
// deadline. The attempt is launched on a context that survives the tick: when
// the deadline wins, the attempt keeps going in the background and the tick
// reports "continuing". The host does not guarantee background execution, so
// the staleness sweep is the backstop when the continuation dies silently.
func (c *Coordinator) dispatch(ctx context.Context, job models.Job, audit models.Audit, res Result) Result {
	res.Processed = true
	res.JobID = job.ID
	res.AuditID = audit.ID

	done := make(chan Result, 1)
	bg := context.WithoutCancel(ctx)
	go func() {
		done <- c.attempt(bg, job, audit)
	}()

	deadline := time.NewTimer(c.cfg.SoftDeadline())
	defer deadline.Stop()

	select {
	case attempted := <-done:
		res.Outcome = attempted.Outcome
		res.WillRetry = attempted.WillRetry
	case <-deadline.C:
		res.Outcome = OutcomeContinuing
	case <-ctx.Done():
		res.Outcome = OutcomeContinuing
	}
	return res
}

// attempt drives one claimed job to a terminal or retryable state. It runs to
// completion even when the launching tick already returned.
func (c *Coordinator) attempt(ctx context.Context, job models.Job, audit models.Audit) Result {
	res := Result{Processed: true, JobID: job.ID, AuditID: audit.ID}

	// Guard against duplicate email sends before doing anything. The marker
	// is the mutex substitute: committed means done, a fresh reservation
	// means another invocation is mid-send, a stale reservation is treated
	// as abandoned (the one place a bounded duplicate-send risk is accepted).
	switch c.emailGuard(audit) {
	case guardCommitted:
		telemetry.DuplicatesAverted.Inc()
		if _, err := c.reconcile(ctx, job.ID, audit.ID); err != nil {
			log.Printf("reconcile audit %s: %v", audit.ID, err)
		}
		res.Outcome = OutcomeCompleted
		return res
	case guardInFlight:
		// Leave the job claimed; either the in-flight sender finishes and a
		// later tick short-circuits, or the staleness sweep resets us.
		telemetry.DuplicatesAverted.Inc()
		res.Outcome = OutcomeDeferred
		return res
	}

	// Stake the claim on the send before invoking anything, so a crash
	// mid-call leaves visible evidence instead of silent duplication.
	marker := models.EmailReservation(time.Now())
	reserved, err := c.store.ReserveEmail(ctx, audit.ID, marker, audit.EmailMarker)
	if err != nil {
		return c.settleFailure(ctx, job, audit, "", fmt.Errorf("reserve email marker: %w", err), res)
	}
	if !reserved {
		// The marker moved between our read and write: someone else is on it.
		telemetry.DuplicatesAverted.Inc()
		res.Outcome = OutcomeDeferred
		return res
	}

	_ = c.store.MarkAuditRunning(ctx, audit.ID)

	reportHTML := ""
	if audit.HasReport() {
		reportHTML = *audit.Report
	} else {
		html, err := c.pipeline.Run(ctx, audit)
		if err != nil {
			return c.settleFailure(ctx, job, audit, marker, err, res)
		}
		reportHTML = html
		if err := c.store.SaveReport(ctx, audit.ID, reportHTML); err != nil {
			return c.settleFailure(ctx, job, audit, marker, fmt.Errorf("save report: %w", err), res)
		}
	}

	// Re-read immediately before the send: a parallel invocation may have
	// committed while the pipeline ran.
	fresh, err := c.store.GetAudit(ctx, audit.ID)
	if err == nil && fresh.EmailCommitted() {
		telemetry.DuplicatesAverted.Inc()
		if _, err := c.reconcile(ctx, job.ID, audit.ID); err != nil {
			log.Printf("reconcile audit %s: %v", audit.ID, err)
		}
		res.Outcome = OutcomeCompleted
		return res
	}

	if err := c.sender.Send(ctx, email.Report{
		To:        audit.CustomerEmail,
		TargetURL: audit.TargetURL,
		AuditID:   audit.ID,
		HTML:      reportHTML,
	}); err != nil {
		return c.settleFailure(ctx, job, audit, marker, fmt.Errorf("send report email: %w", err), res)
	}

	if err := c.store.CommitEmail(ctx, audit.ID, models.EmailCommitment(time.Now())); err != nil {
		// The email went out; never let a bookkeeping failure contradict
		// that. The next tick's evidence check will converge the rest.
		log.Printf("commit email marker for audit %s: %v", audit.ID, err)
	}
	telemetry.EmailsSent.Inc()

	if _, err := c.reconcile(ctx, job.ID, audit.ID); err != nil {
		log.Printf("reconcile audit %s: %v", audit.ID, err)
	}
	telemetry.Completed.Inc()

	if c.archiver != nil {
		if err := c.archiver.Store(ctx, audit.ID, reportHTML); err != nil {
			log.Printf("archive report for audit %s: %v", audit.ID, err)
		}
	}

	res.Outcome = OutcomeCompleted
	return res
}

type guardVerdict int

const (
	guardProceed guardVerdict = iota
	guardCommitted
	guardInFlight
)

func (c *Coordinator) emailGuard(audit models.Audit) guardVerdict {
	if audit.EmailCommitted() {
		return guardCommitted
	}
	if at, ok := audit.EmailReservedAt(); ok {
		if time.Since(at) < c.cfg.ReservationGrace {
			return guardInFlight
		}
		// Stale reservation: the owner is presumed dead. Proceeding here is
		// the accepted duplicate-send window, bounded by ReservationGrace.
	}
	return guardProceed
}

// settleFailure classifies an attempt error and lands the job in the right
// state. Before classifying it re-reads the audit: if success evidence
// appeared despite the error (a racing invocation finished the work), the
// outcome is reconciled to completed instead.
func (c *Coordinator) settleFailure(ctx context.Context, job models.Job, audit models.Audit, reservation string, attemptErr error, res Result) Result {
	if done, err := c.reconcile(ctx, job.ID, audit.ID); err == nil && done {
		res.Outcome = OutcomeCompleted
		return res
	}

	// Release our reservation so a retry is not held up waiting for the
	// grace window. The conditional clear never touches a committed marker.
	if reservation != "" {
		if err := c.store.ClearEmailReservation(ctx, audit.ID, reservation); err != nil {
			log.Printf("clear email reservation for audit %s: %v", audit.ID, err)
		}
	}

	msg := attemptErr.Error()
	if isPermanent(attemptErr) {
		log.Printf("job %s audit %s permanent failure: %v", job.ID, audit.ID, attemptErr)
		c.failJob(ctx, job, audit, msg)
		res.Outcome = OutcomeFailed
		return res
	}

	if job.RetryCount >= c.cfg.RetryCap {
		log.Printf("job %s audit %s exhausted %d attempts: %v", job.ID, audit.ID, job.RetryCount, attemptErr)
		c.failJob(ctx, job, audit, msg)
		res.Outcome = OutcomeFailed
		return res
	}

	if _, err := c.store.ResetJob(ctx, job.ID, models.JobPending, msg); err != nil {
		log.Printf("reset job %s for retry: %v", job.ID, err)
	}
	telemetry.Retried.Inc()
	res.Outcome = OutcomeRetrying
	res.WillRetry = true
	return res
}

func (c *Coordinator) failJob(ctx context.Context, job models.Job, audit models.Audit, msg string) {
	if err := c.store.FailJob(ctx, job.ID, msg); err != nil {
		log.Printf("fail job %s: %v", job.ID, err)
	}
	// Only a still-active status may be overwritten; evidence-backed success
	// is never contradicted.
	if _, err := c.store.MarkAuditFailedIfActive(ctx, audit.ID); err != nil {
		log.Printf("mark audit %s failed: %v", audit.ID, err)
	}
	telemetry.Failed.Inc()
}

// reconcile re-derives the terminal state of an audit from evidence rather
// than from the code path that got here. Every path (success, failure,
// sweep) funnels through it, so the two status fields converge no matter
// which invocation crashed where. Returns true when success evidence exists.
func (c *Coordinator) reconcile(ctx context.Context, jobID, auditID string) (bool, error) {
	audit, err := c.store.GetAudit(ctx, auditID)
	if err != nil {
		return false, err
	}
	if !audit.Succeeded() {
		return false, nil
	}
	if audit.Status != models.AuditCompleted {
		if err := c.store.MarkAuditCompleted(ctx, auditID); err != nil {
			return true, err
		}
	}
	if jobID != "" {
		if err := c.store.CompleteJob(ctx, jobID); err != nil {
			return true, err
		}
	}
	return true, nil
}
