package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"site-audit-coordinator/internal/models"
	"site-audit-coordinator/internal/telemetry"
)

// reclaimStuck resets processing jobs whose owner stopped reporting progress:
// an invocation that crashed outright, or a background continuation the host
// killed. Runs only on ticks that claimed nothing.
func (c *Coordinator) reclaimStuck(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-c.cfg.StuckAfter)
	jobs, err := c.store.StuckJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query stuck jobs: %w", err)
	}

	reclaimed := 0
	for _, job := range jobs {
		// The owner may have finished the work but died before updating the
		// job row. Evidence wins over staleness.
		if done, err := c.reconcile(ctx, job.ID, job.AuditID); err == nil && done {
			reclaimed++
			continue
		} else if err != nil {
			log.Printf("reconcile stuck job %s: %v", job.ID, err)
			continue
		}

		if _, err := c.store.MarkAuditFailedIfActive(ctx, job.AuditID); err != nil {
			log.Printf("mark audit %s failed during sweep: %v", job.AuditID, err)
		}

		note := fmt.Sprintf("reclaimed: processing since %s exceeded staleness threshold %s", startedAt(job), c.cfg.StuckAfter)
		next := models.JobPending
		if job.RetryCount >= c.cfg.RetryCap {
			next = models.JobFailed
		}
		reset, err := c.store.ResetJob(ctx, job.ID, next, note)
		if err != nil {
			log.Printf("reset stuck job %s: %v", job.ID, err)
			continue
		}
		if reset {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// requeueOrphans inserts queue entries for audits that have none. Audit and
// job creation cross a system boundary without a transaction, so they can
// diverge; this sweep is how such audits ever get processed.
func (c *Coordinator) requeueOrphans(ctx context.Context) (int, error) {
	audits, err := c.store.OrphanAudits(ctx, c.cfg.OrphanBatchSize)
	if err != nil {
		return 0, fmt.Errorf("query orphan audits: %w", err)
	}

	requeued := 0
	for _, audit := range audits {
		_, created, err := c.store.InsertJobIfAbsent(ctx, audit.ID)
		if err != nil {
			log.Printf("requeue orphan audit %s: %v", audit.ID, err)
			continue
		}
		if created {
			requeued++
		}
	}
	telemetry.OrphansRequeued.Add(float64(requeued))
	return requeued, nil
}

func startedAt(job models.Job) string {
	if job.StartedAt == nil {
		return "unknown"
	}
	return job.StartedAt.UTC().Format(time.RFC3339)
}
