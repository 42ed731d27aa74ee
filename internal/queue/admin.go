package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"caption-scheduler/internal/models"
	"caption-scheduler/internal/store"
	"caption-scheduler/internal/telemetry"
)

// Stats is the public queue snapshot.
type Stats struct {
	Queued             int `json:"queued"`
	Running            int `json:"running"`
	Completed          int `json:"completed"`
	Failed             int `json:"failed"`
	Cancelled          int `json:"cancelled"`
	QueueSizeLimit     int `json:"queue_size_limit"`
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
}

// Statistics is the admin-only extended snapshot.
type Statistics struct {
	Stats
	QueuedByPriority map[string]int `json:"queued_by_priority"`
	OldestQueuedAge  time.Duration  `json:"oldest_queued_age"`
	DefaultTimeout   time.Duration  `json:"default_timeout"`
}

// requireAdmin resolves the caller and verifies the admin role.
func (m *Manager) requireAdmin(ctx context.Context, adminID string) (models.User, error) {
	user, err := m.store.GetUser(ctx, adminID)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, fmt.Errorf("admin %s: %w", adminID, ErrNotAuthorized)
	}
	if err != nil {
		return models.User{}, m.storageError("resolve admin", err, logrus.Fields{"user_id": adminID})
	}
	if !user.IsAdmin() {
		return models.User{}, fmt.Errorf("user %s: %w", adminID, ErrNotAuthorized)
	}
	return user, nil
}

// GetQueueStats returns queue counts. Not admin-gated; it backs user-facing
// queue-position displays.
func (m *Manager) GetQueueStats(ctx context.Context) (Stats, error) {
	counts, err := m.store.CountJobsByStatus(ctx)
	if err != nil {
		return Stats{}, m.storageError("count jobs by status", err, nil)
	}
	return Stats{
		Queued:             counts[models.StatusQueued],
		Running:            counts[models.StatusRunning],
		Completed:          counts[models.StatusCompleted],
		Failed:             counts[models.StatusFailed],
		Cancelled:          counts[models.StatusCancelled],
		QueueSizeLimit:     m.QueueSizeLimit(),
		MaxConcurrentTasks: m.MaxConcurrentTasks(),
	}, nil
}

// GetQueueStatistics returns the extended admin snapshot.
func (m *Manager) GetQueueStatistics(ctx context.Context, adminID string) (Statistics, error) {
	if _, err := m.requireAdmin(ctx, adminID); err != nil {
		return Statistics{}, err
	}
	stats, err := m.GetQueueStats(ctx)
	if err != nil {
		return Statistics{}, err
	}
	queued, err := m.store.ListJobs(ctx, store.JobFilter{Status: models.StatusQueued})
	if err != nil {
		return Statistics{}, m.storageError("list queued jobs", err, nil)
	}
	byPriority := make(map[string]int)
	var oldest time.Duration
	for _, job := range queued {
		byPriority[job.Priority.String()]++
		if age := time.Since(job.CreatedAt); age > oldest {
			oldest = age
		}
	}
	return Statistics{
		Stats:            stats,
		QueuedByPriority: byPriority,
		OldestQueuedAge:  oldest,
		DefaultTimeout:   m.DefaultJobTimeout(),
	}, nil
}

// GetAllTasks lists jobs across all users, optionally filtered by status.
func (m *Manager) GetAllTasks(ctx context.Context, adminID string, statusFilter models.JobStatus, limit int) ([]models.Job, error) {
	if _, err := m.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	jobs, err := m.store.ListJobs(ctx, store.JobFilter{Status: statusFilter, Limit: limit})
	if err != nil {
		return nil, m.storageError("list all jobs", err, nil)
	}
	return jobs, nil
}

// CancelAsAdmin cancels any user's job. Authorization failures return false,
// not an error, so batch sweeps can check-and-continue.
func (m *Manager) CancelAsAdmin(ctx context.Context, adminID, jobID, reason string) bool {
	admin, err := m.requireAdmin(ctx, adminID)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"admin_id": adminID, "job_id": jobID}).Warn("admin cancel refused")
		return false
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.log.WithError(err).WithField("job_id", jobID).Warn("admin cancel: job lookup failed")
		return false
	}
	if !job.Status.Cancellable() {
		return false
	}

	now := time.Now().UTC()
	job.Status = models.StatusCancelled
	job.CompletedAt = &now
	job.CancelledByAdmin = true
	job.AdminUserID = &admin.ID
	if reason != "" {
		job.CancellationReason = &reason
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.log.WithError(err).WithField("job_id", jobID).Error("admin cancel: update failed")
		return false
	}
	m.audit(ctx, admin.ID, &jobID, &job.UserID, "admin_cancel_task", reason)
	telemetry.CancelCounter.Inc()
	return true
}

// PauseUserJobs disables job submission for a user by flipping the enabled
// flag on their limits record.
func (m *Manager) PauseUserJobs(ctx context.Context, adminID, userID string) error {
	admin, err := m.requireAdmin(ctx, adminID)
	if err != nil {
		return err
	}
	if err := m.setUserEnabled(ctx, userID, false); err != nil {
		return err
	}
	m.audit(ctx, admin.ID, nil, &userID, "pause_user_jobs", "job submission disabled")
	return nil
}

// ResumeUserJobs re-enables job submission for a user.
func (m *Manager) ResumeUserJobs(ctx context.Context, adminID, userID string) error {
	admin, err := m.requireAdmin(ctx, adminID)
	if err != nil {
		return err
	}
	if err := m.setUserEnabled(ctx, userID, true); err != nil {
		return err
	}
	m.audit(ctx, admin.ID, nil, &userID, "resume_user_jobs", "job submission re-enabled")
	return nil
}

func (m *Manager) setUserEnabled(ctx context.Context, userID string, enabled bool) error {
	limits, err := m.userLimits(ctx, userID)
	if err != nil {
		return err
	}
	limits.Enabled = enabled
	if err := m.store.SetConfig(ctx, store.KeyUserLimitsPrefix+userID, limits); err != nil {
		return m.storageError("write user limits", err, logrus.Fields{"user_id": userID})
	}
	return nil
}

// ClearStuckTasks force-fails running jobs whose started-at is older than the
// threshold. Returns how many were cleared.
func (m *Manager) ClearStuckTasks(ctx context.Context, adminID string, thresholdMinutes int) (int, error) {
	admin, err := m.requireAdmin(ctx, adminID)
	if err != nil {
		return 0, err
	}
	if thresholdMinutes <= 0 {
		thresholdMinutes = 60
	}
	threshold := time.Duration(thresholdMinutes) * time.Minute

	running, err := m.store.ListJobs(ctx, store.JobFilter{Status: models.StatusRunning})
	if err != nil {
		return 0, m.storageError("list running jobs", err, nil)
	}

	cleared := 0
	now := time.Now().UTC()
	for _, job := range running {
		if job.StartedAt == nil || now.Sub(*job.StartedAt) <= threshold {
			continue
		}
		msg := fmt.Sprintf("cleared as stuck: running since %s exceeds %dm threshold",
			job.StartedAt.Format(time.RFC3339), thresholdMinutes)
		done := now
		job.Status = models.StatusFailed
		job.CompletedAt = &done
		job.ErrorMessage = &msg
		job.CancelledByAdmin = true
		job.AdminUserID = &admin.ID
		if err := m.store.UpdateJob(ctx, job); err != nil {
			// Isolate per-job failures; keep sweeping.
			m.log.WithError(err).WithField("job_id", job.ID).Error("clear stuck: update failed")
			continue
		}
		m.audit(ctx, admin.ID, &job.ID, &job.UserID, "clear_stuck_task", msg)
		telemetry.FailureCounter.Inc()
		cleared++
	}
	if cleared > 0 {
		m.log.WithFields(logrus.Fields{"cleared": cleared, "threshold_minutes": thresholdMinutes}).Info("cleared stuck tasks")
	}
	return cleared, nil
}

// SetTaskPriority overrides a job's priority and appends an admin note.
func (m *Manager) SetTaskPriority(ctx context.Context, adminID, jobID string, priority models.JobPriority) bool {
	admin, err := m.requireAdmin(ctx, adminID)
	if err != nil {
		m.log.WithError(err).WithField("admin_id", adminID).Warn("set priority refused")
		return false
	}
	if priority < models.PriorityLow || priority > models.PriorityUrgent {
		return false
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.log.WithError(err).WithField("job_id", jobID).Warn("set priority: job lookup failed")
		return false
	}

	note := fmt.Sprintf("priority %s -> %s by %s", job.Priority, priority, admin.Username)
	if job.AdminNotes != "" {
		job.AdminNotes += "\n"
	}
	job.AdminNotes += note
	job.Priority = priority
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.log.WithError(err).WithField("job_id", jobID).Error("set priority: update failed")
		return false
	}
	m.audit(ctx, admin.ID, &jobID, &job.UserID, "set_task_priority", note)
	return true
}

// RequeueFailedTask clones a failed or cancelled job into a brand-new queued
// job with high priority and an incremented retry count. The original record
// is preserved as history.
func (m *Manager) RequeueFailedTask(ctx context.Context, adminID, jobID string) (string, error) {
	admin, err := m.requireAdmin(ctx, adminID)
	if err != nil {
		return "", err
	}
	job, err := m.GetTask(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !job.Status.Requeueable() {
		return "", fmt.Errorf("%w: requeue requires failed or cancelled status, got %s", ErrInvalidState, job.Status)
	}
	newID, err := m.cloneAsNew(ctx, job, models.PriorityHigh, nil, admin.ID,
		fmt.Sprintf("requeued from %s by %s", job.ID, admin.Username))
	if err != nil {
		return "", err
	}
	m.log.WithFields(logrus.Fields{"original": jobID, "requeued": newID, "admin_id": admin.ID}).Info("job requeued")
	return newID, nil
}
