package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ride-hail-tracking/internal/notify/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoJob = errors.New("no job ready for delivery")

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

type JobRepository struct {
	db DB
}

func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// Enqueue persists the job before returning. Callers that see nil here are
// guaranteed the job will eventually be attempted.
func (r *JobRepository) Enqueue(ctx context.Context, job model.Job) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_jobs (id, job_type, priority, payload, attempts, max_attempts, next_attempt_at, status)
		VALUES ($1, $2, $3, $4, 0, $5, $6, 'QUEUED')
	`, job.ID, job.Type, job.Priority, job.Payload, job.MaxAttempts, job.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification job: %w", err)
	}
	return nil
}

// Lease claims the highest-priority due job and bumps its attempt counter.
// SKIP LOCKED keeps concurrent workers from fighting over the same row.
func (r *JobRepository) Lease(ctx context.Context) (*model.Job, error) {
	var job model.Job
	err := r.db.QueryRow(ctx, `
		UPDATE notification_jobs
		SET status = 'IN_FLIGHT', attempts = attempts + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM notification_jobs
			WHERE status = 'QUEUED' AND next_attempt_at <= now()
			ORDER BY priority DESC, next_attempt_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, priority, payload, attempts, max_attempts, next_attempt_at, status, last_error, created_at, updated_at
	`).Scan(&job.ID, &job.Type, &job.Priority, &job.Payload, &job.Attempts, &job.MaxAttempts,
		&job.NextAttemptAt, &job.Status, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to lease notification job: %w", err)
	}
	return &job, nil
}

func (r *JobRepository) Complete(ctx context.Context, jobID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_jobs
		SET status = 'COMPLETED', updated_at = now()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete notification job: %w", err)
	}
	return nil
}

// Reschedule puts a failed attempt back in the queue with a later due time.
func (r *JobRepository) Reschedule(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_jobs
		SET status = 'QUEUED', next_attempt_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`, jobID, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to reschedule notification job: %w", err)
	}
	return nil
}

// MarkFailed is terminal: the job is never retried again, only surfaced to
// operators.
func (r *JobRepository) MarkFailed(ctx context.Context, jobID string, lastError string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_jobs
		SET status = 'FAILED', last_error = $2, updated_at = now()
		WHERE id = $1
	`, jobID, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark notification job failed: %w", err)
	}
	return nil
}

func (r *JobRepository) Depth(ctx context.Context) (model.QueueDepth, error) {
	var depth model.QueueDepth
	err := r.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'QUEUED'),
			count(*) FILTER (WHERE status = 'IN_FLIGHT'),
			count(*) FILTER (WHERE status = 'FAILED')
		FROM notification_jobs
	`).Scan(&depth.Queued, &depth.InFlight, &depth.Failed)
	if err != nil {
		return model.QueueDepth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}
