package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"site-audit-coordinator/internal/models"
)

func TestClaimJobExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	audit, err := s.CreateAudit(ctx, CreateAuditParams{CustomerEmail: "a@example.com", TargetURL: "https://example.com"})
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	job, _, err := s.InsertJobIfAbsent(ctx, audit.ID)
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}

	const claimers = 32
	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, claimed, err := s.ClaimJob(ctx, job.ID, time.Now())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.StartedAt == nil {
		t.Fatal("started_at not set")
	}
}

func TestPendingJobsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now().UTC()
	for i, offset := range []time.Duration{2 * time.Minute, 0, time.Minute} {
		s.PutJob(models.Job{
			ID:        string(rune('a' + i)),
			AuditID:   "audit-" + string(rune('a'+i)),
			Status:    models.JobPending,
			CreatedAt: base.Add(offset),
		})
	}

	jobs, err := s.PendingJobs(ctx, 10)
	if err != nil {
		t.Fatalf("pending jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	if jobs[0].ID != "b" || jobs[1].ID != "c" || jobs[2].ID != "a" {
		t.Fatalf("wrong order: %s %s %s", jobs[0].ID, jobs[1].ID, jobs[2].ID)
	}
}

func TestInsertJobIfAbsentIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	audit, _ := s.CreateAudit(ctx, CreateAuditParams{CustomerEmail: "a@example.com", TargetURL: "https://example.com"})

	first, created, err := s.InsertJobIfAbsent(ctx, audit.ID)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	second, created, err := s.InsertJobIfAbsent(ctx, audit.ID)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatal("second insert must not create a job")
	}
	if second.ID != first.ID {
		t.Fatalf("second insert returned %s, want existing %s", second.ID, first.ID)
	}

	// A terminal job still counts as an existing queue entry.
	_ = s.FailJob(ctx, first.ID, "boom")
	if _, created, _ := s.InsertJobIfAbsent(ctx, audit.ID); created {
		t.Fatal("terminal job must still suppress re-insertion")
	}
}

func TestReserveEmailCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	audit, _ := s.CreateAudit(ctx, CreateAuditParams{CustomerEmail: "a@example.com", TargetURL: "https://example.com"})

	res := models.EmailReservation(time.Now())
	ok, err := s.ReserveEmail(ctx, audit.ID, res, nil)
	if err != nil || !ok {
		t.Fatalf("first reservation: ok=%v err=%v", ok, err)
	}
	// Second writer observed nil but the marker moved: must lose.
	ok, err = s.ReserveEmail(ctx, audit.ID, models.EmailReservation(time.Now()), nil)
	if err != nil {
		t.Fatalf("second reservation: %v", err)
	}
	if ok {
		t.Fatal("stale observation must lose the reservation race")
	}
	// A writer that observed the current value may replace it (stale takeover).
	ok, _ = s.ReserveEmail(ctx, audit.ID, models.EmailReservation(time.Now()), &res)
	if !ok {
		t.Fatal("takeover with correct observation must win")
	}
}

func TestClearEmailReservationNeverClearsCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	audit, _ := s.CreateAudit(ctx, CreateAuditParams{CustomerEmail: "a@example.com", TargetURL: "https://example.com"})

	res := models.EmailReservation(time.Now())
	if ok, _ := s.ReserveEmail(ctx, audit.ID, res, nil); !ok {
		t.Fatal("reserve failed")
	}
	commit := models.EmailCommitment(time.Now())
	if err := s.CommitEmail(ctx, audit.ID, commit); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Clearing with the old reservation value must be a no-op now.
	if err := s.ClearEmailReservation(ctx, audit.ID, res); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ := s.GetAudit(ctx, audit.ID)
	if !got.EmailCommitted() {
		t.Fatal("committed marker was cleared")
	}
}
