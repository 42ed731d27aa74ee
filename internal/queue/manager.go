package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"caption-scheduler/internal/flags"
	"caption-scheduler/internal/models"
	"caption-scheduler/internal/ratelimit"
	"caption-scheduler/internal/store"
	"caption-scheduler/internal/telemetry"
)

const (
	// maxAutoRetries caps automatic retry chains regardless of per-job
	// MaxRetries.
	maxAutoRetries = 3
)

// retryableErrorTypes is the allow-list consulted by ShouldAutoRetry.
var retryableErrorTypes = map[string]bool{
	"network_error":     true,
	"timeout":           true,
	"rate_limit":        true,
	"temporary_failure": true,
}

// Manager is the admission and dispatch engine for caption jobs. A single
// coarse mutex serializes every check-then-act sequence (the duplicate-job
// check plus insert on enqueue, the select plus transition on dispatch)
// against all other callers; per-user or per-row locking would not protect
// the global ceiling or prevent double-dispatch.
type Manager struct {
	mu    sync.Mutex
	store store.Store
	// limiter is optional; when nil, system-wide Redis rate limits are
	// skipped and only store-backed per-user quotas apply.
	limiter *ratelimit.Limiter
	flags   flags.Source
	log     *logrus.Logger

	cfgMu         sync.RWMutex
	maxConcurrent int
	queueLimit    int
	jobTimeout    time.Duration
}

// Options configures a Manager.
type Options struct {
	MaxConcurrentTasks int
	QueueSizeLimit     int
	DefaultJobTimeout  time.Duration
	Limiter            *ratelimit.Limiter
	Flags              flags.Source
	Logger             *logrus.Logger
}

// NewManager constructs the queue manager. Construct once at process start
// and share by reference; the manager holds no hidden globals.
func NewManager(st store.Store, opts Options) *Manager {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 3
	}
	if opts.QueueSizeLimit <= 0 {
		opts.QueueSizeLimit = 100
	}
	if opts.DefaultJobTimeout <= 0 {
		opts.DefaultJobTimeout = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Flags == nil {
		opts.Flags = flags.Static{}
	}
	return &Manager{
		store:         st,
		limiter:       opts.Limiter,
		flags:         opts.Flags,
		log:           opts.Logger,
		maxConcurrent: opts.MaxConcurrentTasks,
		queueLimit:    opts.QueueSizeLimit,
		jobTimeout:    opts.DefaultJobTimeout,
	}
}

func (m *Manager) storageError(op string, err error, fields logrus.Fields) error {
	m.log.WithError(err).WithFields(fields).WithField("op", op).Error("storage failure")
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// Enqueue admits a new job. The job must carry UserID; ID, CreatedAt and
// Status are assigned here. A zero Priority defaults to normal unless the
// user's limits carry a priority override.
func (m *Manager) Enqueue(ctx context.Context, job models.Job) (string, error) {
	if job.UserID == "" {
		return "", fmt.Errorf("%w: job has no owner", ErrInvalidState)
	}

	var maint models.MaintenanceState
	found, err := m.store.GetConfig(ctx, store.KeyMaintenanceMode, &maint)
	if err != nil {
		return "", m.storageError("read maintenance state", err, logrus.Fields{"user_id": job.UserID})
	}
	if found && maint.Active {
		telemetry.AdmissionRejects.WithLabelValues("maintenance").Inc()
		return "", fmt.Errorf("%w: %s", ErrMaintenance, maint.Reason)
	}

	limits, err := m.userLimits(ctx, job.UserID)
	if err != nil {
		return "", err
	}
	if !limits.Enabled {
		telemetry.AdmissionRejects.WithLabelValues("suspended").Inc()
		return "", fmt.Errorf("%w: %s", ErrUserSuspended, job.UserID)
	}
	if err := m.checkUserRates(ctx, job.UserID, limits); err != nil {
		return "", err
	}
	if err := m.checkSystemRates(ctx, job.UserID); err != nil {
		return "", err
	}

	if limits.PriorityOverride != nil {
		job.Priority = *limits.PriorityOverride
	} else if job.Priority < models.PriorityLow || job.Priority > models.PriorityUrgent {
		job.Priority = models.PriorityNormal
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = maxAutoRetries
	}

	// The duplicate-job check and the insert must not interleave with other
	// admissions.
	m.mu.Lock()
	defer m.mu.Unlock()

	_, active, err := m.store.GetActiveJobForUser(ctx, job.UserID)
	if err != nil {
		return "", m.storageError("check active job", err, logrus.Fields{"user_id": job.UserID})
	}
	if active {
		telemetry.AdmissionRejects.WithLabelValues("active_job").Inc()
		return "", fmt.Errorf("%w: user %s", ErrActiveJobExists, job.UserID)
	}

	queued, err := m.store.CountJobs(ctx, models.StatusQueued)
	if err != nil {
		return "", m.storageError("count queued jobs", err, logrus.Fields{"user_id": job.UserID})
	}
	if queued >= m.QueueSizeLimit() {
		telemetry.AdmissionRejects.WithLabelValues("queue_full").Inc()
		return "", fmt.Errorf("%w: %d queued", ErrQueueFull, queued)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.StatusQueued
	job.CreatedAt = time.Now().UTC()
	job.StartedAt = nil
	job.CompletedAt = nil

	if err := m.store.CreateJob(ctx, job); err != nil {
		return "", m.storageError("insert job", err, logrus.Fields{"user_id": job.UserID, "job_id": job.ID})
	}

	m.audit(ctx, job.UserID, &job.ID, nil, "job_enqueued",
		fmt.Sprintf("priority=%s connection=%s", job.Priority, job.ConnectionID))
	telemetry.EnqueueCounter.Inc()
	telemetry.QueueDepthGauge.Set(float64(queued + 1))

	m.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"user_id":  job.UserID,
		"priority": job.Priority.String(),
	}).Info("job enqueued")
	return job.ID, nil
}

// userLimits reads the per-user quota record, falling back to defaults when
// none is stored.
func (m *Manager) userLimits(ctx context.Context, userID string) (models.UserJobLimits, error) {
	limits := models.DefaultUserJobLimits(userID)
	found, err := m.store.GetConfig(ctx, store.KeyUserLimitsPrefix+userID, &limits)
	if err != nil {
		return limits, m.storageError("read user limits", err, logrus.Fields{"user_id": userID})
	}
	if !found {
		return models.DefaultUserJobLimits(userID), nil
	}
	limits.UserID = userID
	return limits, nil
}

func (m *Manager) checkUserRates(ctx context.Context, userID string, limits models.UserJobLimits) error {
	now := time.Now().UTC()
	if limits.MaxJobsPerHour > 0 {
		n, err := m.store.CountUserJobsSince(ctx, userID, now.Add(-time.Hour))
		if err != nil {
			return m.storageError("count hourly jobs", err, logrus.Fields{"user_id": userID})
		}
		if n >= limits.MaxJobsPerHour {
			telemetry.AdmissionRejects.WithLabelValues("user_hourly").Inc()
			return fmt.Errorf("%w: hourly quota (%d) reached", ErrRateLimited, limits.MaxJobsPerHour)
		}
	}
	if limits.MaxJobsPerDay > 0 {
		n, err := m.store.CountUserJobsSince(ctx, userID, now.Add(-24*time.Hour))
		if err != nil {
			return m.storageError("count daily jobs", err, logrus.Fields{"user_id": userID})
		}
		if n >= limits.MaxJobsPerDay {
			telemetry.AdmissionRejects.WithLabelValues("user_daily").Inc()
			return fmt.Errorf("%w: daily quota (%d) reached", ErrRateLimited, limits.MaxJobsPerDay)
		}
	}
	return nil
}

// checkSystemRates applies the system-wide RateLimits record. The Redis
// limiter is optional; without it only the cooldown check applies.
func (m *Manager) checkSystemRates(ctx context.Context, userID string) error {
	rl := models.DefaultRateLimits()
	if _, err := m.store.GetConfig(ctx, store.KeyRateLimits, &rl); err != nil {
		return m.storageError("read rate limits", err, nil)
	}

	if rl.CooldownMinutes > 0 {
		since := time.Now().UTC().Add(-time.Duration(rl.CooldownMinutes) * time.Minute)
		n, err := m.store.CountUserJobsSince(ctx, userID, since)
		if err != nil {
			return m.storageError("count cooldown jobs", err, logrus.Fields{"user_id": userID})
		}
		if n > 0 {
			telemetry.AdmissionRejects.WithLabelValues("cooldown").Inc()
			return fmt.Errorf("%w: cooldown of %dm active", ErrRateLimited, rl.CooldownMinutes)
		}
	}

	if m.limiter == nil {
		return nil
	}
	if rl.BurstAllowance > 0 && rl.MaxJobsPerMinute > 0 {
		allowed, _, err := m.limiter.AllowBucket(ctx, "system:burst", rl.BurstAllowance, float64(rl.MaxJobsPerMinute)/60)
		if err != nil {
			return m.storageError("burst limiter", err, nil)
		}
		if !allowed {
			telemetry.AdmissionRejects.WithLabelValues("burst").Inc()
			return fmt.Errorf("%w: burst allowance exhausted", ErrRateLimited)
		}
	}
	for _, w := range []struct {
		key    string
		limit  int
		window time.Duration
	}{
		{"system:minute", rl.MaxJobsPerMinute, time.Minute},
		{"system:hour", rl.MaxJobsPerHour, time.Hour},
		{"system:day", rl.MaxJobsPerDay, 24 * time.Hour},
	} {
		allowed, err := m.limiter.AllowWindow(ctx, w.key, w.limit, w.window)
		if err != nil {
			return m.storageError("window limiter", err, nil)
		}
		if !allowed {
			telemetry.AdmissionRejects.WithLabelValues("system_window").Inc()
			return fmt.Errorf("%w: system %s limit reached", ErrRateLimited, w.window)
		}
	}
	return nil
}

// GetNextTask selects the highest-ranked queued job and transitions it to
// running. Ordering: priority rank, then admin-owned users, then oldest
// first. Returns false when nothing is dispatchable.
func (m *Manager) GetNextTask(ctx context.Context) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	running, err := m.store.CountJobs(ctx, models.StatusRunning)
	if err != nil {
		return models.Job{}, false, m.storageError("count running jobs", err, nil)
	}
	if running >= m.MaxConcurrentTasks() {
		return models.Job{}, false, nil
	}

	queued, err := m.store.ListJobs(ctx, store.JobFilter{Status: models.StatusQueued})
	if err != nil {
		return models.Job{}, false, m.storageError("list queued jobs", err, nil)
	}
	now := time.Now().UTC()
	candidates := queued[:0]
	for _, job := range queued {
		if job.ScheduledAt != nil && job.ScheduledAt.After(now) {
			continue
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		return models.Job{}, false, nil
	}

	adminOwners := m.adminOwners(ctx, candidates)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		aAdmin, bAdmin := adminOwners[a.UserID], adminOwners[b.UserID]
		if aAdmin != bAdmin {
			return aAdmin
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	job := candidates[0]
	job.Status = models.StatusRunning
	started := now
	job.StartedAt = &started
	job.CurrentStep = "dispatched"
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return models.Job{}, false, m.storageError("dispatch job", err, logrus.Fields{"job_id": job.ID})
	}

	telemetry.DispatchCounter.Inc()
	telemetry.RunningGauge.Set(float64(running + 1))
	m.log.WithFields(logrus.Fields{"job_id": job.ID, "user_id": job.UserID}).Debug("job dispatched")
	return job, true, nil
}

// adminOwners resolves which candidate owners hold the admin role. Lookup
// failures demote to non-admin; the tie-break is best-effort.
func (m *Manager) adminOwners(ctx context.Context, jobs []models.Job) map[string]bool {
	out := make(map[string]bool)
	for _, job := range jobs {
		if _, seen := out[job.UserID]; seen {
			continue
		}
		user, err := m.store.GetUser(ctx, job.UserID)
		if err != nil {
			out[job.UserID] = false
			continue
		}
		out[job.UserID] = user.IsAdmin()
	}
	return out
}

// GetTask fetches a job by ID.
func (m *Manager) GetTask(ctx context.Context, jobID string) (models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, m.storageError("get job", err, logrus.Fields{"job_id": jobID})
	}
	return job, nil
}

// GetTaskStatus returns only the lifecycle status of a job.
func (m *Manager) GetTaskStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	job, err := m.GetTask(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// Cancel cancels a job on behalf of its owner. Authorization failures and
// invalid states return false rather than an error so callers can branch.
func (m *Manager) Cancel(ctx context.Context, jobID, userID string) bool {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.log.WithError(err).WithField("job_id", jobID).Warn("cancel: job lookup failed")
		return false
	}
	if job.UserID != userID {
		m.log.WithFields(logrus.Fields{"job_id": jobID, "user_id": userID}).Warn("cancel: not the owner")
		return false
	}
	if !job.Status.Cancellable() {
		return false
	}

	now := time.Now().UTC()
	job.Status = models.StatusCancelled
	job.CompletedAt = &now
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.log.WithError(err).WithField("job_id", jobID).Error("cancel: update failed")
		return false
	}
	m.audit(ctx, userID, &jobID, nil, "job_cancelled", "cancelled by owner")
	telemetry.CancelCounter.Inc()
	return true
}

// Complete records the outcome reported by a worker. Returns false when the
// job cannot accept a completion report.
func (m *Manager) Complete(ctx context.Context, jobID string, success bool, errorMessage string) bool {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.log.WithError(err).WithField("job_id", jobID).Warn("complete: job lookup failed")
		return false
	}
	if job.Status.Terminal() {
		return false
	}

	now := time.Now().UTC()
	job.CompletedAt = &now
	if success {
		job.Status = models.StatusCompleted
		job.ProgressPercent = 100
		job.ErrorMessage = nil
		telemetry.CompleteCounter.Inc()
	} else {
		job.Status = models.StatusFailed
		if errorMessage != "" {
			job.ErrorMessage = &errorMessage
		}
		telemetry.FailureCounter.Inc()
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.log.WithError(err).WithField("job_id", jobID).Error("complete: update failed")
		return false
	}
	return true
}

// GetUserActiveTask returns the user's queued-or-running job, if any.
func (m *Manager) GetUserActiveTask(ctx context.Context, userID string) (models.Job, bool, error) {
	job, found, err := m.store.GetActiveJobForUser(ctx, userID)
	if err != nil {
		return models.Job{}, false, m.storageError("get active job", err, logrus.Fields{"user_id": userID})
	}
	return job, found, nil
}

// GetUserTaskHistory returns the user's jobs, newest first.
func (m *Manager) GetUserTaskHistory(ctx context.Context, userID string, limit int) ([]models.Job, error) {
	jobs, err := m.store.ListJobs(ctx, store.JobFilter{UserID: userID})
	if err != nil {
		return nil, m.storageError("list user jobs", err, logrus.Fields{"user_id": userID})
	}
	// ListJobs sorts oldest first; history reads newest first.
	for i, j := 0, len(jobs)-1; i < j; i, j = i+1, j-1 {
		jobs[i], jobs[j] = jobs[j], jobs[i]
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CleanupCompletedTasks deletes terminal jobs older than the given age.
// Returns how many were removed.
func (m *Manager) CleanupCompletedTasks(ctx context.Context, olderThanHours int) (int, error) {
	if olderThanHours <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanHours) * time.Hour)
	n, err := m.store.DeleteTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, m.storageError("cleanup terminal jobs", err, nil)
	}
	if n > 0 {
		m.log.WithField("deleted", n).Info("cleaned up terminal jobs")
	}
	return n, nil
}

// EnforceJobTimeout force-fails a running job whose processing time exceeds
// its limit. The per-user processing allowance overrides the default when
// set. Returns true when the job was failed.
func (m *Manager) EnforceJobTimeout(ctx context.Context, jobID string) (bool, error) {
	job, err := m.GetTask(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != models.StatusRunning || job.StartedAt == nil {
		return false, nil
	}

	timeout := m.DefaultJobTimeout()
	limits, err := m.userLimits(ctx, job.UserID)
	if err == nil && limits.MaxProcessingMinutes > 0 {
		timeout = time.Duration(limits.MaxProcessingMinutes) * time.Minute
	}
	elapsed := time.Since(*job.StartedAt)
	if elapsed <= timeout {
		return false, nil
	}

	now := time.Now().UTC()
	msg := fmt.Sprintf("job timed out after %s (limit %s)", elapsed.Round(time.Second), timeout)
	job.Status = models.StatusFailed
	job.CompletedAt = &now
	job.ErrorMessage = &msg
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return false, m.storageError("fail timed-out job", err, logrus.Fields{"job_id": jobID})
	}
	m.audit(ctx, "system", &jobID, &job.UserID, "job_timeout", msg)
	telemetry.FailureCounter.Inc()
	m.log.WithFields(logrus.Fields{"job_id": jobID, "elapsed": elapsed}).Warn("job timed out")
	return true, nil
}

// ShouldAutoRetry decides whether a failed job qualifies for automatic retry:
// the feature flag must be on, the retry budget unspent, and the error type
// on the transient allow-list.
func (m *Manager) ShouldAutoRetry(ctx context.Context, jobID, errorType string) bool {
	if !m.flags.Enabled(ctx, flags.KeyAutoRetry, true) {
		return false
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	if job.RetryCount >= maxAutoRetries {
		return false
	}
	return retryableErrorTypes[errorType]
}

// RetryFailedTask clones a failed job into a fresh queued job with an
// incremented retry count and a backoff delay. The original record is left
// untouched.
func (m *Manager) RetryFailedTask(ctx context.Context, jobID string) (string, error) {
	job, err := m.GetTask(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != models.StatusFailed {
		return "", fmt.Errorf("%w: retry requires failed status, got %s", ErrInvalidState, job.Status)
	}
	delay := retryBackoff(job.RetryCount + 1)
	scheduledAt := time.Now().UTC().Add(delay)
	return m.cloneAsNew(ctx, job, job.Priority, &scheduledAt, "system",
		fmt.Sprintf("auto-retry of %s in %s", job.ID, delay))
}

// retryBackoff doubles per attempt from 30s, capped at 10 minutes.
func retryBackoff(attempt int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return d
}

// cloneAsNew creates a brand-new queued job from an old record. Links back to
// the original through the admin notes.
func (m *Manager) cloneAsNew(ctx context.Context, original models.Job, priority models.JobPriority, scheduledAt *time.Time, actor, note string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, active, err := m.store.GetActiveJobForUser(ctx, original.UserID)
	if err != nil {
		return "", m.storageError("check active job", err, logrus.Fields{"user_id": original.UserID})
	}
	if active {
		return "", fmt.Errorf("%w: user %s", ErrActiveJobExists, original.UserID)
	}
	queued, err := m.store.CountJobs(ctx, models.StatusQueued)
	if err != nil {
		return "", m.storageError("count queued jobs", err, nil)
	}
	if queued >= m.QueueSizeLimit() {
		return "", fmt.Errorf("%w: %d queued", ErrQueueFull, queued)
	}

	settings := make(map[string]any, len(original.Settings))
	for k, v := range original.Settings {
		settings[k] = v
	}
	clone := models.Job{
		ID:           uuid.NewString(),
		UserID:       original.UserID,
		ConnectionID: original.ConnectionID,
		Status:       models.StatusQueued,
		Priority:     priority,
		CreatedAt:    time.Now().UTC(),
		ScheduledAt:  scheduledAt,
		RetryCount:   original.RetryCount + 1,
		MaxRetries:   original.MaxRetries,
		AdminNotes:   note,
		Settings:     settings,
	}
	if err := m.store.CreateJob(ctx, clone); err != nil {
		return "", m.storageError("insert cloned job", err, logrus.Fields{"job_id": clone.ID})
	}
	m.audit(ctx, actor, &clone.ID, &clone.UserID, "job_requeued",
		fmt.Sprintf("replaces %s retry_count=%d", original.ID, clone.RetryCount))
	return clone.ID, nil
}

// audit appends a best-effort audit entry. Failures are logged and swallowed;
// audit writes never fail the operation they describe.
func (m *Manager) audit(ctx context.Context, actorID string, jobID, targetUserID *string, action, details string) {
	entry := models.AuditLogEntry{
		ActorID:      actorID,
		JobID:        jobID,
		TargetUserID: targetUserID,
		Action:       action,
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		m.log.WithError(err).WithField("action", action).Error("audit write failed")
	}
}

// MaxConcurrentTasks returns the running-job ceiling.
func (m *Manager) MaxConcurrentTasks() int {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.maxConcurrent
}

// SetMaxConcurrentTasks adjusts the running-job ceiling.
func (m *Manager) SetMaxConcurrentTasks(n int) {
	if n <= 0 {
		return
	}
	m.cfgMu.Lock()
	m.maxConcurrent = n
	m.cfgMu.Unlock()
}

// QueueSizeLimit returns the queued-job ceiling.
func (m *Manager) QueueSizeLimit() int {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.queueLimit
}

// SetQueueSizeLimit adjusts the queued-job ceiling.
func (m *Manager) SetQueueSizeLimit(n int) {
	if n <= 0 {
		return
	}
	m.cfgMu.Lock()
	m.queueLimit = n
	m.cfgMu.Unlock()
}

// DefaultJobTimeout returns the per-job processing limit applied when a user
// has no processing allowance of their own.
func (m *Manager) DefaultJobTimeout() time.Duration {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.jobTimeout
}

// SetDefaultJobTimeout adjusts the default per-job processing limit.
func (m *Manager) SetDefaultJobTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.cfgMu.Lock()
	m.jobTimeout = d
	m.cfgMu.Unlock()
}

// schedulerConfigRecord is the KV-store shape consumed by
// RefreshConfiguration.
type schedulerConfigRecord struct {
	MaxConcurrentTasks       int `json:"max_concurrent_tasks"`
	QueueSizeLimit           int `json:"queue_size_limit"`
	DefaultJobTimeoutSeconds int `json:"default_job_timeout_seconds"`
}

// RefreshConfiguration re-reads tunable knobs from the config store so that
// admin changes take effect without a restart.
func (m *Manager) RefreshConfiguration(ctx context.Context) error {
	var rec schedulerConfigRecord
	found, err := m.store.GetConfig(ctx, store.KeySchedulerConfig, &rec)
	if err != nil {
		return m.storageError("read scheduler config", err, nil)
	}
	if !found {
		return nil
	}
	m.SetMaxConcurrentTasks(rec.MaxConcurrentTasks)
	m.SetQueueSizeLimit(rec.QueueSizeLimit)
	m.SetDefaultJobTimeout(time.Duration(rec.DefaultJobTimeoutSeconds) * time.Second)
	m.log.WithFields(logrus.Fields{
		"max_concurrent": m.MaxConcurrentTasks(),
		"queue_limit":    m.QueueSizeLimit(),
		"job_timeout":    m.DefaultJobTimeout(),
	}).Info("configuration refreshed")
	return nil
}
