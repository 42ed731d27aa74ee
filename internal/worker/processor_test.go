package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"caption-scheduler/internal/config"
	"caption-scheduler/internal/logging"
	"caption-scheduler/internal/models"
	"caption-scheduler/internal/notify"
	"caption-scheduler/internal/queue"
	"caption-scheduler/internal/store"
)

func newTestProcessor(t *testing.T, handler Handler) (*Processor, *queue.Manager, *store.Memory, *notify.Recorder) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutUser(models.User{ID: "admin-1", Username: "admin", Role: models.RoleAdmin})
	mem.PutUser(models.User{ID: "user-1", Username: "alice", Role: models.RoleUser})

	log := logging.Discard()
	qm := queue.NewManager(mem, queue.Options{Logger: log})
	rec := &notify.Recorder{}
	cfg := config.Config{
		StuckTaskThreshold: time.Hour,
		CompletedRetention: 24 * time.Hour,
	}
	return NewProcessor(cfg, qm, mem, handler, rec, log), qm, mem, rec
}

func dispatchOne(t *testing.T, qm *queue.Manager) models.Job {
	t.Helper()
	ctx := context.Background()
	_, err := qm.Enqueue(ctx, models.Job{
		UserID:   "user-1",
		Settings: map[string]any{"source_url": "https://example.com/img.jpg"},
	})
	require.NoError(t, err)
	job, ok, err := qm.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

func TestProcessSuccessNotifiesOwner(t *testing.T) {
	p, qm, _, rec := newTestProcessor(t, func(context.Context, models.Job) (string, error) {
		return "A dog on a beach.", nil
	})
	job := dispatchOne(t, qm)

	p.process(context.Background(), job)

	status, err := qm.GetTaskStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, status)

	require.Len(t, rec.Sent, 1)
	require.Equal(t, "user-1", rec.Sent[0].UserID)
	require.Equal(t, "A dog on a beach.", rec.Sent[0].Message)
}

func TestProcessTransientFailureSchedulesRetry(t *testing.T) {
	p, qm, mem, _ := newTestProcessor(t, func(context.Context, models.Job) (string, error) {
		return "", &TransientError{Type: "network_error", Err: errors.New("connection reset")}
	})
	job := dispatchOne(t, qm)

	p.process(context.Background(), job)

	status, err := qm.GetTaskStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, status)

	// The retry is a fresh queued job for the same user.
	jobs, err := mem.ListJobs(context.Background(), store.JobFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	retry := jobs[1]
	require.Equal(t, models.StatusQueued, retry.Status)
	require.Equal(t, 1, retry.RetryCount)
	require.NotNil(t, retry.ScheduledAt)
}

func TestProcessPermanentFailureDoesNotRetry(t *testing.T) {
	p, qm, mem, _ := newTestProcessor(t, func(context.Context, models.Job) (string, error) {
		return "", errors.New("unsupported image format")
	})
	job := dispatchOne(t, qm)

	p.process(context.Background(), job)

	status, err := qm.GetTaskStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, status)

	jobs, err := mem.ListJobs(context.Background(), store.JobFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1, "no retry clone for non-transient failures")
}

func TestSweepClearsStuckAndTimedOutJobs(t *testing.T) {
	p, qm, mem, _ := newTestProcessor(t, nil)
	ctx := context.Background()
	job := dispatchOne(t, qm)

	// Backdate the running job past both the timeout and the stuck threshold.
	stored, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	started := time.Now().UTC().Add(-3 * time.Hour)
	stored.StartedAt = &started
	require.NoError(t, mem.UpdateJob(ctx, stored))

	p.sweep(ctx)

	status, err := qm.GetTaskStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, status)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	p, _, _, _ := newTestProcessor(t, func(context.Context, models.Job) (string, error) {
		return "", nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
