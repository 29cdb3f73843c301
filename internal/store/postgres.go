package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"site-audit-coordinator/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const auditColumns = `id, customer_email, target_url, status, report, email_marker, created_at, updated_at`

func (s *Postgres) CreateAudit(ctx context.Context, p CreateAuditParams) (models.Audit, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audits (id, customer_email, target_url, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, p.CustomerEmail, p.TargetURL, models.AuditPending, now)
	if err != nil {
		return models.Audit{}, fmt.Errorf("insert audit: %w", err)
	}
	return models.Audit{
		ID:            id,
		CustomerEmail: p.CustomerEmail,
		TargetURL:     p.TargetURL,
		Status:        models.AuditPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *Postgres) GetAudit(ctx context.Context, id string) (models.Audit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = $1`, id)
	return scanAudit(row)
}

func (s *Postgres) MarkAuditRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, id, models.AuditRunning, models.AuditPending)
	return err
}

func (s *Postgres) MarkAuditCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.AuditCompleted)
	return err
}

func (s *Postgres) MarkAuditFailedIfActive(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audits SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, models.AuditFailed, []string{models.AuditPending, models.AuditRunning})
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) SaveReport(ctx context.Context, id, reportHTML string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits SET report = $2, updated_at = NOW() WHERE id = $1
	`, id, reportHTML)
	return err
}

func (s *Postgres) ReserveEmail(ctx context.Context, id, marker string, observed *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audits SET email_marker = $2, updated_at = NOW()
		WHERE id = $1 AND email_marker IS NOT DISTINCT FROM $3
	`, id, marker, observed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) CommitEmail(ctx context.Context, id, marker string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits SET email_marker = $2, updated_at = NOW() WHERE id = $1
	`, id, marker)
	return err
}

func (s *Postgres) ClearEmailReservation(ctx context.Context, id, marker string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits SET email_marker = NULL, updated_at = NOW()
		WHERE id = $1 AND email_marker = $2
	`, id, marker)
	return err
}

func (s *Postgres) OrphanAudits(ctx context.Context, limit int) ([]models.Audit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+auditColumns+` FROM audits a
		WHERE a.status = ANY($1)
		  AND (a.email_marker IS NULL OR a.email_marker LIKE $2)
		  AND NOT EXISTS (SELECT 1 FROM audit_jobs j WHERE j.audit_id = a.id)
		ORDER BY a.created_at ASC
		LIMIT $3
	`, []string{models.AuditPending, models.AuditRunning}, models.EmailReservationPattern(), limit)
	if err != nil {
		return nil, fmt.Errorf("query orphan audits: %w", err)
	}
	defer rows.Close()

	var audits []models.Audit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

const jobColumns = `id, audit_id, status, retry_count, last_error, created_at, started_at, completed_at`

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM audit_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *Postgres) InsertJobIfAbsent(ctx context.Context, auditID string) (models.Job, bool, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO audit_jobs (id, audit_id, status, retry_count, created_at)
		SELECT $1, $2, $3, 0, $4
		WHERE NOT EXISTS (SELECT 1 FROM audit_jobs WHERE audit_id = $2)
	`, id, auditID, models.JobPending, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM audit_jobs WHERE audit_id = $1
			ORDER BY created_at DESC LIMIT 1
		`, auditID)
		job, err := scanJob(row)
		if err != nil {
			return models.Job{}, false, err
		}
		return job, false, nil
	}
	return models.Job{
		ID:        id,
		AuditID:   auditID,
		Status:    models.JobPending,
		CreatedAt: now,
	}, true, nil
}

func (s *Postgres) PendingJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM audit_jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, models.JobPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Postgres) ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE audit_jobs
		SET status = $2, started_at = $3, retry_count = retry_count + 1
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns+`
	`, id, models.JobProcessing, now.UTC(), models.JobPending)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (s *Postgres) CompleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audit_jobs SET status = $2, completed_at = NOW(), last_error = NULL
		WHERE id = $1 AND status <> $2
	`, id, models.JobCompleted)
	return err
}

func (s *Postgres) FailJob(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audit_jobs SET status = $2, completed_at = NOW(), last_error = $3
		WHERE id = $1
	`, id, models.JobFailed, boundError(lastError))
	return err
}

func (s *Postgres) ResetJob(ctx context.Context, id, status, note string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audit_jobs SET status = $2, last_error = $3, started_at = NULL
		WHERE id = $1 AND status = $4
	`, id, status, boundError(note), models.JobProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) StuckJobs(ctx context.Context, olderThan time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM audit_jobs
		WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2
		ORDER BY started_at ASC
	`, models.JobProcessing, olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Postgres) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM audit_jobs WHERE status = $1
	`, models.JobPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func scanAudit(row pgx.Row) (models.Audit, error) {
	var a models.Audit
	var report, marker pgtype.Text
	err := row.Scan(&a.ID, &a.CustomerEmail, &a.TargetURL, &a.Status, &report, &marker, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Audit{}, ErrNotFound
	}
	if err != nil {
		return models.Audit{}, fmt.Errorf("scan audit: %w", err)
	}
	a.Report = textPtr(report)
	a.EmailMarker = textPtr(marker)
	return a, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var lastErr pgtype.Text
	var started, completed pgtype.Timestamptz
	err := row.Scan(&j.ID, &j.AuditID, &j.Status, &j.RetryCount, &lastErr, &j.CreatedAt, &started, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.LastError = textPtr(lastErr)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	return j, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
