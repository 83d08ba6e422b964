package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ride-hail-tracking/internal/notify/model"
	"ride-hail-tracking/internal/notify/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJobRepo keeps jobs in memory with the same lease semantics as the
// Postgres repository.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	now  func() time.Time
}

func newFakeJobRepo(now func() time.Time) *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*model.Job), now: now}
}

func (f *fakeJobRepo) add(job model.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Status = model.StatusQueued
	f.jobs[job.ID] = &job
}

func (f *fakeJobRepo) Lease(ctx context.Context) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *model.Job
	for _, j := range f.jobs {
		if j.Status != model.StatusQueued || j.NextAttemptAt.After(f.now()) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.NextAttemptAt.Before(best.NextAttemptAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, repository.ErrNoJob
	}
	best.Status = model.StatusInFlight
	best.Attempts++
	copied := *best
	return &copied, nil
}

func (f *fakeJobRepo) Complete(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].Status = model.StatusCompleted
	return nil
}

func (f *fakeJobRepo) Reschedule(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = model.StatusQueued
	j.NextAttemptAt = nextAttemptAt
	j.LastError = &lastError
	return nil
}

func (f *fakeJobRepo) MarkFailed(ctx context.Context, jobID string, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = model.StatusFailed
	j.LastError = &lastError
	return nil
}

func (f *fakeJobRepo) status(jobID string) model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[jobID].Status
}

func (f *fakeJobRepo) attempts(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[jobID].Attempts
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestWorker(repo *fakeJobRepo, clk *testClock) *Worker {
	w := NewWorker(repo, time.Second, 2*time.Second, time.Minute)
	w.now = clk.now
	return w
}

func queuedJob(id, jobType string, maxAttempts int, at time.Time) model.Job {
	return model.Job{
		ID:            id,
		Type:          jobType,
		Priority:      model.PriorityNormal,
		Payload:       []byte(`{}`),
		MaxAttempts:   maxAttempts,
		NextAttemptAt: at,
	}
}

func TestJobCompletesOnSuccess(t *testing.T) {
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	repo := newFakeJobRepo(clk.now)
	w := newTestWorker(repo, clk)

	w.Register("notify_sms", func(ctx context.Context, job model.Job) error { return nil })
	repo.add(queuedJob("j1", "notify_sms", 3, clk.now()))

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, model.StatusCompleted, repo.status("j1"))
}

func TestJobRetriesWithBackoffThenFailsTerminally(t *testing.T) {
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	repo := newFakeJobRepo(clk.now)
	w := newTestWorker(repo, clk)

	w.Register("notify_sms", func(ctx context.Context, job model.Job) error {
		return errors.New("provider down")
	})
	repo.add(queuedJob("j1", "notify_sms", 3, clk.now()))
	ctx := context.Background()

	// Attempt 1: rescheduled.
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, model.StatusQueued, repo.status("j1"))
	assert.Equal(t, 1, repo.attempts("j1"))

	// Not due yet.
	processed, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	// Attempt 2 after backoff.
	clk.advance(3 * time.Second)
	processed, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, model.StatusQueued, repo.status("j1"))

	// Attempt 3 exhausts max_attempts: terminal FAILED, never retried.
	clk.advance(5 * time.Second)
	processed, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, model.StatusFailed, repo.status("j1"))
	assert.Equal(t, 3, repo.attempts("j1"))

	clk.advance(time.Hour)
	processed, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestJobEventuallyCompletesAfterTransientFailure(t *testing.T) {
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	repo := newFakeJobRepo(clk.now)
	w := newTestWorker(repo, clk)

	calls := 0
	w.Register("notify_email", func(ctx context.Context, job model.Job) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	repo.add(queuedJob("j1", "notify_email", 5, clk.now()))
	ctx := context.Background()

	// Enqueue success implies the job ends in COMPLETED or FAILED.
	for i := 0; i < 10 && repo.status("j1") != model.StatusCompleted; i++ {
		w.RunOnce(ctx)
		clk.advance(time.Minute)
	}
	assert.Equal(t, model.StatusCompleted, repo.status("j1"))
	assert.Equal(t, 3, calls)
}

func TestHigherPriorityLeasedFirst(t *testing.T) {
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	repo := newFakeJobRepo(clk.now)
	w := newTestWorker(repo, clk)

	var order []string
	w.Register("notify_push", func(ctx context.Context, job model.Job) error {
		order = append(order, job.ID)
		return nil
	})

	low := queuedJob("low", "notify_push", 3, clk.now())
	low.Priority = model.PriorityLow
	critical := queuedJob("critical", "notify_push", 3, clk.now())
	critical.Priority = model.PriorityCritical
	repo.add(low)
	repo.add(critical)

	ctx := context.Background()
	w.RunOnce(ctx)
	w.RunOnce(ctx)

	require.Equal(t, []string{"critical", "low"}, order)
}

// flakyRepo leases the same job forever while every status write fails,
// the shape of a store that answers reads but rejects writes mid-flap.
type flakyRepo struct {
	mu     sync.Mutex
	leases int
}

func (r *flakyRepo) Lease(ctx context.Context) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leases++
	return &model.Job{ID: "j1", Type: "notify_sms", Payload: []byte(`{}`), Attempts: 1, MaxAttempts: 3}, nil
}

func (r *flakyRepo) Complete(ctx context.Context, jobID string) error {
	return errors.New("connection reset")
}

func (r *flakyRepo) Reschedule(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error {
	return errors.New("connection reset")
}

func (r *flakyRepo) MarkFailed(ctx context.Context, jobID string, lastError string) error {
	return errors.New("connection reset")
}

func (r *flakyRepo) leaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leases
}

func TestRunWaitsBetweenErrorCycles(t *testing.T) {
	repo := &flakyRepo{}
	w := NewWorker(repo, 25*time.Millisecond, 2*time.Second, time.Minute)
	w.Register("notify_sms", func(ctx context.Context, job model.Job) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	// Every cycle errors on the Complete write; with the poll interval
	// honored the loop fits ~6 cycles in the window, not thousands.
	assert.Less(t, repo.leaseCount(), 20)
}

func TestUnknownJobTypeFailsTerminally(t *testing.T) {
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	repo := newFakeJobRepo(clk.now)
	w := newTestWorker(repo, clk)

	repo.add(queuedJob("j1", "mystery", 3, clk.now()))

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, model.StatusFailed, repo.status("j1"))
}
