package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"caption-scheduler/internal/flags"
	"caption-scheduler/internal/logging"
	"caption-scheduler/internal/models"
	"caption-scheduler/internal/store"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutUser(models.User{ID: "admin-1", Username: "admin", DisplayName: "Admin", Role: models.RoleAdmin})
	mem.PutUser(models.User{ID: "user-1", Username: "alice", Role: models.RoleUser})
	mem.PutUser(models.User{ID: "user-2", Username: "bob", Role: models.RoleUser})
	mem.PutUser(models.User{ID: "user-3", Username: "carol", Role: models.RoleUser})
	mem.PutUser(models.User{ID: "user-4", Username: "dave", Role: models.RoleUser})
	opts.Logger = logging.Discard()
	if opts.Flags == nil {
		opts.Flags = flags.Static{}
	}
	return NewManager(mem, opts), mem
}

func enqueue(t *testing.T, m *Manager, userID string, priority models.JobPriority) string {
	t.Helper()
	id, err := m.Enqueue(context.Background(), models.Job{
		UserID:   userID,
		Priority: priority,
		Settings: map[string]any{"source_url": "https://example.com/img.jpg"},
	})
	require.NoError(t, err)
	return id
}

func TestEnqueueSingleActiveJobInvariant(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Enqueue(ctx, models.Job{UserID: "user-1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrActiveJobExists):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes, "exactly one enqueue must win")
	require.Equal(t, workers-1, conflicts)
}

func TestEnqueueSecondJobAfterCompletion(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	_, err := m.Enqueue(ctx, models.Job{UserID: "user-1"})
	require.ErrorIs(t, err, ErrActiveJobExists)

	job, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, job.ID)
	require.True(t, m.Complete(ctx, id, true, ""))

	_, err = m.Enqueue(ctx, models.Job{UserID: "user-1"})
	require.NoError(t, err)
}

func TestPriorityOrdering(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxConcurrentTasks: 10})
	ctx := context.Background()

	enqueue(t, m, "user-1", models.PriorityLow)
	enqueue(t, m, "user-2", models.PriorityUrgent)
	enqueue(t, m, "user-3", models.PriorityNormal)
	enqueue(t, m, "user-4", models.PriorityHigh)

	want := []models.JobPriority{
		models.PriorityUrgent, models.PriorityHigh,
		models.PriorityNormal, models.PriorityLow,
	}
	for _, priority := range want {
		job, ok, err := m.GetNextTask(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, priority, job.Priority)
	}
}

func TestFIFOTieBreak(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxConcurrentTasks: 10})
	ctx := context.Background()

	first := enqueue(t, m, "user-1", models.PriorityNormal)
	time.Sleep(5 * time.Millisecond)
	second := enqueue(t, m, "user-2", models.PriorityNormal)

	job, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, job.ID)

	job, ok, err = m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, job.ID)
}

func TestAdminTieBreak(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxConcurrentTasks: 10})
	ctx := context.Background()

	enqueue(t, m, "user-1", models.PriorityNormal)
	time.Sleep(5 * time.Millisecond)
	adminJob := enqueue(t, m, "admin-1", models.PriorityNormal)

	job, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, adminJob, job.ID, "admin-owned job dequeues first within the same priority")
}

func TestCapacityBackpressure(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxConcurrentTasks: 1})
	ctx := context.Background()

	enqueue(t, m, "user-1", 0)
	enqueue(t, m, "user-2", 0)

	_, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.GetNextTask(ctx)
	require.NoError(t, err)
	require.False(t, ok, "no dispatch while running count is at the ceiling")
}

func TestQueueCeiling(t *testing.T) {
	m, _ := newTestManager(t, Options{QueueSizeLimit: 2})
	ctx := context.Background()

	enqueue(t, m, "user-1", 0)
	queued2 := enqueue(t, m, "user-2", 0)

	_, err := m.Enqueue(ctx, models.Job{UserID: "user-3"})
	require.ErrorIs(t, err, ErrQueueFull)

	require.True(t, m.Cancel(ctx, queued2, "user-2"))
	_, err = m.Enqueue(ctx, models.Job{UserID: "user-3"})
	require.NoError(t, err)
}

func TestCancelAuthorization(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	require.False(t, m.Cancel(ctx, id, "user-2"), "non-owner cancel must be refused")

	status, err := m.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, status)

	require.True(t, m.Cancel(ctx, id, "user-1"))
	status, err = m.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, status)
}

func TestCancelTerminalJobRefused(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	_, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.Complete(ctx, id, true, ""))

	require.False(t, m.Cancel(ctx, id, "user-1"))
}

func TestMaintenanceGate(t *testing.T) {
	m, mem := newTestManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, mem.SetConfig(ctx, store.KeyMaintenanceMode,
		models.MaintenanceState{Active: true, Reason: "db upgrade"}))
	_, err := m.Enqueue(ctx, models.Job{UserID: "user-1"})
	require.ErrorIs(t, err, ErrMaintenance)

	require.NoError(t, mem.SetConfig(ctx, store.KeyMaintenanceMode, models.MaintenanceState{}))
	_, err = m.Enqueue(ctx, models.Job{UserID: "user-1"})
	require.NoError(t, err)
}

func TestUserHourlyQuota(t *testing.T) {
	m, mem := newTestManager(t, Options{})
	ctx := context.Background()

	limits := models.DefaultUserJobLimits("user-1")
	limits.MaxJobsPerHour = 1
	require.NoError(t, mem.SetConfig(ctx, store.KeyUserLimitsPrefix+"user-1", limits))

	id := enqueue(t, m, "user-1", 0)
	_, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.Complete(ctx, id, true, ""))

	_, err = m.Enqueue(ctx, models.Job{UserID: "user-1"})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestPriorityOverrideFromLimits(t *testing.T) {
	m, mem := newTestManager(t, Options{})
	ctx := context.Background()

	urgent := models.PriorityUrgent
	limits := models.DefaultUserJobLimits("user-1")
	limits.PriorityOverride = &urgent
	require.NoError(t, mem.SetConfig(ctx, store.KeyUserLimitsPrefix+"user-1", limits))

	id := enqueue(t, m, "user-1", models.PriorityLow)
	job, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.PriorityUrgent, job.Priority)
}

func TestEnforceJobTimeout(t *testing.T) {
	m, mem := newTestManager(t, Options{DefaultJobTimeout: 30 * time.Minute})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	job, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	started := time.Now().UTC().Add(-2 * time.Hour)
	job.Status = models.StatusRunning
	job.StartedAt = &started
	require.NoError(t, mem.UpdateJob(ctx, job))

	timedOut, err := m.EnforceJobTimeout(ctx, id)
	require.NoError(t, err)
	require.True(t, timedOut)

	job, err = m.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
}

func TestEnforceJobTimeoutWithinLimit(t *testing.T) {
	m, _ := newTestManager(t, Options{DefaultJobTimeout: 30 * time.Minute})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	_, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	timedOut, err := m.EnforceJobTimeout(ctx, id)
	require.NoError(t, err)
	require.False(t, timedOut)
}

func TestScheduledJobsNotDispatchedEarly(t *testing.T) {
	m, mem := newTestManager(t, Options{})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	job, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	future := time.Now().UTC().Add(time.Hour)
	job.ScheduledAt = &future
	require.NoError(t, mem.UpdateJob(ctx, job))

	_, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.False(t, ok, "delayed job must wait for its scheduled time")
}

func TestShouldAutoRetry(t *testing.T) {
	m, mem := newTestManager(t, Options{})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	_, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.Complete(ctx, id, false, "connection reset"))

	require.True(t, m.ShouldAutoRetry(ctx, id, "network_error"))
	require.True(t, m.ShouldAutoRetry(ctx, id, "timeout"))
	require.False(t, m.ShouldAutoRetry(ctx, id, "invalid_image"))
	require.False(t, m.ShouldAutoRetry(ctx, id, ""))

	// Exhausted retry budget.
	job, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	job.RetryCount = 3
	require.NoError(t, mem.UpdateJob(ctx, job))
	require.False(t, m.ShouldAutoRetry(ctx, id, "network_error"))
}

func TestShouldAutoRetryFeatureDisabled(t *testing.T) {
	m, _ := newTestManager(t, Options{Flags: flags.Static{flags.KeyAutoRetry: false}})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	_, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.Complete(ctx, id, false, "boom"))

	require.False(t, m.ShouldAutoRetry(ctx, id, "network_error"))
}

func TestRetryFailedTaskSchedulesBackoff(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	_, ok, err := m.GetNextTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.Complete(ctx, id, false, "timeout"))

	newID, err := m.RetryFailedTask(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, id, newID)

	clone, err := m.GetTask(ctx, newID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, clone.Status)
	require.Equal(t, 1, clone.RetryCount)
	require.NotNil(t, clone.ScheduledAt)
	require.True(t, clone.ScheduledAt.After(time.Now()))
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	_, err := m.RetryFailedTask(ctx, id)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRetryBackoffGrowth(t *testing.T) {
	require.Equal(t, 30*time.Second, retryBackoff(1))
	require.Equal(t, time.Minute, retryBackoff(2))
	require.Equal(t, 2*time.Minute, retryBackoff(3))
	require.Equal(t, 10*time.Minute, retryBackoff(10))
}

func TestGetUserTaskHistoryNewestFirst(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	first := enqueue(t, m, "user-1", 0)
	require.True(t, m.Cancel(ctx, first, "user-1"))
	time.Sleep(5 * time.Millisecond)
	second := enqueue(t, m, "user-1", 0)

	history, err := m.GetUserTaskHistory(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, second, history[0].ID)
	require.Equal(t, first, history[1].ID)
}

func TestCleanupCompletedTasks(t *testing.T) {
	m, mem := newTestManager(t, Options{})
	ctx := context.Background()

	id := enqueue(t, m, "user-1", 0)
	require.True(t, m.Cancel(ctx, id, "user-1"))
	job, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-48 * time.Hour)
	job.CompletedAt = &old
	require.NoError(t, mem.UpdateJob(ctx, job))

	keep := enqueue(t, m, "user-2", 0)

	deleted, err := m.CleanupCompletedTasks(ctx, 24)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = m.GetTask(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetTask(ctx, keep)
	require.NoError(t, err)
}

func TestRefreshConfiguration(t *testing.T) {
	m, mem := newTestManager(t, Options{MaxConcurrentTasks: 3, QueueSizeLimit: 100})
	ctx := context.Background()

	require.NoError(t, mem.SetConfig(ctx, store.KeySchedulerConfig, map[string]int{
		"max_concurrent_tasks":        7,
		"queue_size_limit":            50,
		"default_job_timeout_seconds": 120,
	}))
	require.NoError(t, m.RefreshConfiguration(ctx))

	require.Equal(t, 7, m.MaxConcurrentTasks())
	require.Equal(t, 50, m.QueueSizeLimit())
	require.Equal(t, 2*time.Minute, m.DefaultJobTimeout())
}

func TestEnqueueAuditsAdmission(t *testing.T) {
	m, mem := newTestManager(t, Options{})
	id := enqueue(t, m, "user-1", 0)

	entries := mem.AuditEntries()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	require.Equal(t, "job_enqueued", last.Action)
	require.Equal(t, "user-1", last.ActorID)
	require.NotNil(t, last.JobID)
	require.Equal(t, id, *last.JobID)
}
