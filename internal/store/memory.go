package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"site-audit-coordinator/internal/models"
)

// Memory is an in-process Store with the same conditional-update semantics as
// the Postgres implementation. It backs tests and local development; the
// compare-and-swap transitions hold a single mutex so concurrent claims race
// exactly the way row-scoped conditional updates do.
type Memory struct {
	mu     sync.Mutex
	audits map[string]*models.Audit
	jobs   map[string]*models.Job
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		audits: make(map[string]*models.Audit),
		jobs:   make(map[string]*models.Job),
	}
}

func (s *Memory) CreateAudit(_ context.Context, p CreateAuditParams) (models.Audit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	a := &models.Audit{
		ID:            uuid.New().String(),
		CustomerEmail: p.CustomerEmail,
		TargetURL:     p.TargetURL,
		Status:        models.AuditPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.audits[a.ID] = a
	return *a, nil
}

// PutAudit inserts or replaces an audit row directly. Test seam.
func (s *Memory) PutAudit(a models.Audit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.audits[a.ID] = &cp
}

// PutJob inserts or replaces a job row directly. Test seam.
func (s *Memory) PutJob(j models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
}

func (s *Memory) GetAudit(_ context.Context, id string) (models.Audit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return models.Audit{}, ErrNotFound
	}
	return *a, nil
}

func (s *Memory) MarkAuditRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok && a.Status == models.AuditPending {
		a.Status = models.AuditRunning
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Memory) MarkAuditCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok {
		a.Status = models.AuditCompleted
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Memory) MarkAuditFailedIfActive(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok || (a.Status != models.AuditPending && a.Status != models.AuditRunning) {
		return false, nil
	}
	a.Status = models.AuditFailed
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Memory) SaveReport(_ context.Context, id, reportHTML string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok {
		a.Report = &reportHTML
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Memory) ReserveEmail(_ context.Context, id, marker string, observed *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return false, nil
	}
	current := a.EmailMarker
	switch {
	case current == nil && observed == nil:
	case current != nil && observed != nil && *current == *observed:
	default:
		return false, nil
	}
	a.EmailMarker = &marker
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Memory) CommitEmail(_ context.Context, id, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok {
		a.EmailMarker = &marker
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Memory) ClearEmailReservation(_ context.Context, id, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok && a.EmailMarker != nil && *a.EmailMarker == marker {
		a.EmailMarker = nil
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Memory) OrphanAudits(_ context.Context, limit int) ([]models.Audit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hasJob := make(map[string]bool, len(s.jobs))
	for _, j := range s.jobs {
		hasJob[j.AuditID] = true
	}
	var out []models.Audit
	for _, a := range s.audits {
		if a.Status != models.AuditPending && a.Status != models.AuditRunning {
			continue
		}
		if a.EmailCommitted() || hasJob[a.ID] {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *j, nil
}

func (s *Memory) InsertJobIfAbsent(_ context.Context, auditID string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.Job
	for _, j := range s.jobs {
		if j.AuditID != auditID {
			continue
		}
		if newest == nil || j.CreatedAt.After(newest.CreatedAt) {
			newest = j
		}
	}
	if newest != nil {
		return *newest, false, nil
	}
	j := &models.Job{
		ID:        uuid.New().String(),
		AuditID:   auditID,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	s.jobs[j.ID] = j
	return *j, true, nil
}

func (s *Memory) PendingJobs(_ context.Context, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobPending {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) ClaimJob(_ context.Context, id string, now time.Time) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobPending {
		return models.Job{}, false, nil
	}
	started := now.UTC()
	j.Status = models.JobProcessing
	j.StartedAt = &started
	j.RetryCount++
	return *j, true, nil
}

func (s *Memory) CompleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && j.Status != models.JobCompleted {
		now := time.Now().UTC()
		j.Status = models.JobCompleted
		j.CompletedAt = &now
		j.LastError = nil
	}
	return nil
}

func (s *Memory) FailJob(_ context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		now := time.Now().UTC()
		msg := boundError(lastError)
		j.Status = models.JobFailed
		j.CompletedAt = &now
		j.LastError = &msg
	}
	return nil
}

func (s *Memory) ResetJob(_ context.Context, id, status, note string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobProcessing {
		return false, nil
	}
	msg := boundError(note)
	j.Status = status
	j.LastError = &msg
	j.StartedAt = nil
	return true, nil
}

func (s *Memory) StuckJobs(_ context.Context, olderThan time.Time) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobProcessing && j.StartedAt != nil && j.StartedAt.Before(olderThan) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(*out[k].StartedAt) })
	return out, nil
}

func (s *Memory) PendingCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.JobPending {
			n++
		}
	}
	return n, nil
}

// JobsForAudit returns every job row referencing the audit. Test seam.
func (s *Memory) JobsForAudit(auditID string) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.AuditID == auditID {
			out = append(out, *j)
		}
	}
	return out
}
