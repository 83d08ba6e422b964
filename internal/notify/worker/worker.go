package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ride-hail-tracking/internal/common/logger"
	"ride-hail-tracking/internal/notify/model"
	"ride-hail-tracking/internal/notify/repository"
)

type Handler func(ctx context.Context, job model.Job) error

type JobRepository interface {
	Lease(ctx context.Context) (*model.Job, error)
	Complete(ctx context.Context, jobID string) error
	Reschedule(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, jobID string, lastError string) error
}

// Worker is the only component in the pipeline that is allowed to wait: it
// blocks on the poll interval and on the external channel call itself.
type Worker struct {
	repo        JobRepository
	handlers    map[string]Handler
	pollEvery   time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
	now         func() time.Time
}

func NewWorker(repo JobRepository, pollEvery, backoffBase, backoffCap time.Duration) *Worker {
	return &Worker{
		repo:        repo,
		handlers:    make(map[string]Handler),
		pollEvery:   pollEvery,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		now:         time.Now,
	}
}

func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Run drains the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	logger.Info("worker_started", "Notification delivery worker started", "", "")
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker_stopped", "Notification delivery worker stopped", "", "")
			return
		default:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			logger.Error("worker_cycle_failed", "Worker cycle failed", "", "", err.Error())
		}
		// An error cycle waits like an idle one: a flapping store must not
		// be hammered in a tight loop.
		if !processed || err != nil {
			select {
			case <-ctx.Done():
			case <-time.After(w.pollEvery):
			}
		}
	}
}

// RunOnce leases and dispatches at most one job. Returns false when the
// queue had nothing due.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.repo.Lease(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNoJob) {
			return false, nil
		}
		return false, err
	}

	handler, ok := w.handlers[job.Type]
	if !ok {
		// A job type nobody registered can never succeed; fail it
		// terminally so it is visible instead of looping.
		msg := fmt.Sprintf("no handler registered for job type %q", job.Type)
		logger.Error("worker_unknown_job_type", msg, job.ID, "", msg)
		if err := w.repo.MarkFailed(ctx, job.ID, msg); err != nil {
			return true, err
		}
		return true, nil
	}

	if err := handler(ctx, *job); err != nil {
		return true, w.handleFailure(ctx, job, err)
	}

	if err := w.repo.Complete(ctx, job.ID); err != nil {
		return true, err
	}
	logger.Info("job_completed", fmt.Sprintf("Job %s (%s) delivered", job.ID, job.Type), job.ID, "")
	return true, nil
}

func (w *Worker) handleFailure(ctx context.Context, job *model.Job, cause error) error {
	if job.Attempts >= job.MaxAttempts {
		logger.Error("job_failed_terminal",
			fmt.Sprintf("Job %s (%s) exhausted %d attempts", job.ID, job.Type, job.Attempts),
			job.ID, "", cause.Error())
		return w.repo.MarkFailed(ctx, job.ID, cause.Error())
	}

	next := w.now().Add(w.backoff(job.Attempts))
	logger.Warn("job_retry_scheduled",
		fmt.Sprintf("Job %s (%s) attempt %d/%d failed, retrying at %s",
			job.ID, job.Type, job.Attempts, job.MaxAttempts, next.Format(time.RFC3339)),
		job.ID, "", cause.Error())
	return w.repo.Reschedule(ctx, job.ID, next, cause.Error())
}

// backoff doubles per attempt: base, 2*base, 4*base... capped.
func (w *Worker) backoff(attempts int) time.Duration {
	d := w.backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.backoffCap {
			return w.backoffCap
		}
	}
	if d > w.backoffCap {
		return w.backoffCap
	}
	return d
}
