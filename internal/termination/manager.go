package termination

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"caption-scheduler/internal/models"
	"caption-scheduler/internal/notify"
	"caption-scheduler/internal/store"
	"caption-scheduler/internal/telemetry"
)

// RecordStatus tracks a job through an emergency termination sweep.
type RecordStatus string

const (
	StatusPending     RecordStatus = "pending"
	StatusTerminating RecordStatus = "terminating"
	StatusTerminated  RecordStatus = "terminated"
	StatusFailed      RecordStatus = "failed"
	StatusRecovered   RecordStatus = "recovered"
)

// Record is the transient per-job bookkeeping for a termination sweep. It is
// process-local and not persisted: a restart loses recovery intent, never job
// data.
type Record struct {
	JobID              string       `json:"job_id"`
	UserID             string       `json:"user_id"`
	UserDisplayName    string       `json:"user_display_name,omitempty"`
	TerminatedAt       time.Time    `json:"terminated_at"`
	GracePeriodSeconds int          `json:"grace_period_seconds"`
	Reason             string       `json:"reason"`
	Status             RecordStatus `json:"status"`
	RecoveryAttempted  bool         `json:"recovery_attempted"`
	RecoverySuccessful bool         `json:"recovery_successful"`
	RecoveredAt        *time.Time   `json:"recovered_at,omitempty"`
	ErrorMessage       string       `json:"error_message,omitempty"`
	NotificationSent   bool         `json:"notification_sent"`
}

// RecoveryInfo captures everything needed to re-admit a terminated job.
type RecoveryInfo struct {
	OriginalJobID    string             `json:"original_job_id"`
	UserID           string             `json:"user_id"`
	ConnectionID     string             `json:"connection_id"`
	Settings         map[string]any     `json:"settings,omitempty"`
	TerminatedAt     time.Time          `json:"terminated_at"`
	RecoveryPriority models.JobPriority `json:"recovery_priority"`
}

// Statistics aggregates counters across every sweep since process start.
type Statistics struct {
	JobsTerminated            int     `json:"jobs_terminated"`
	JobsRecovered             int     `json:"jobs_recovered"`
	NotificationsSent         int     `json:"notifications_sent"`
	TerminationFailures       int     `json:"termination_failures"`
	RecoveryFailures          int     `json:"recovery_failures"`
	AverageTerminationSeconds float64 `json:"average_termination_seconds"`
	TotalGracePeriodSeconds   int     `json:"total_grace_period_seconds"`
	RecoveryRatePercent       float64 `json:"recovery_rate_percent"`
	PendingRecoveries         int     `json:"pending_recoveries"`
}

// jobQueue is the slice of the queue manager the termination manager drives.
type jobQueue interface {
	GetAllTasks(ctx context.Context, adminID string, statusFilter models.JobStatus, limit int) ([]models.Job, error)
	CancelAsAdmin(ctx context.Context, adminID, jobID, reason string) bool
	Enqueue(ctx context.Context, job models.Job) (string, error)
}

// Manager orchestrates bulk, audited, recoverable shutdown of in-flight jobs
// during an emergency-maintenance event.
type Manager struct {
	queue    jobQueue
	store    store.Store
	notifier notify.Notifier
	log      *logrus.Logger

	mu       sync.Mutex
	records  map[string]*Record
	recovery []RecoveryInfo

	terminated        int
	recovered         int
	notified          int
	terminateFailures int
	recoverFailures   int
	terminationSecs   float64
	graceSecs         int
}

// NewManager builds a termination manager over the queue manager and its
// collaborators.
func NewManager(q jobQueue, st store.Store, notifier notify.Notifier, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	return &Manager{
		queue:    q,
		store:    st,
		notifier: notifier,
		log:      log,
		records:  make(map[string]*Record),
	}
}

// TerminateJobsSafely cancels every running job through the queue manager's
// admin path, queues successful terminations for recovery, waits out the
// grace period, and notifies affected owners. Individual cancellation
// failures never abort the batch. The grace wait is deliberately synchronous:
// callers must not proceed (e.g. take the system offline) before it elapses.
func (m *Manager) TerminateJobsSafely(ctx context.Context, gracePeriodSeconds int, reason, triggeredBy string) ([]Record, error) {
	admin, err := m.store.FindSystemAdmin(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve system admin: %w", err)
	}

	running, err := m.queue.GetAllTasks(ctx, admin.ID, models.StatusRunning, 0)
	if err != nil {
		return nil, fmt.Errorf("snapshot running jobs: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"jobs":         len(running),
		"grace_period": gracePeriodSeconds,
		"triggered_by": triggeredBy,
	}).Warn("emergency job termination started")

	batch := make([]string, 0, len(running))
	start := time.Now()
	for _, job := range running {
		rec := &Record{
			JobID:              job.ID,
			UserID:             job.UserID,
			TerminatedAt:       time.Now().UTC(),
			GracePeriodSeconds: gracePeriodSeconds,
			Reason:             reason,
			Status:             StatusPending,
		}
		if user, err := m.store.GetUser(ctx, job.UserID); err == nil {
			rec.UserDisplayName = user.DisplayName
		}
		m.mu.Lock()
		m.records[job.ID] = rec
		m.mu.Unlock()
		batch = append(batch, job.ID)

		m.mu.Lock()
		rec.Status = StatusTerminating
		m.mu.Unlock()
		if m.queue.CancelAsAdmin(ctx, admin.ID, job.ID, reason) {
			m.mu.Lock()
			rec.Status = StatusTerminated
			m.recovery = append(m.recovery, RecoveryInfo{
				OriginalJobID:    job.ID,
				UserID:           job.UserID,
				ConnectionID:     job.ConnectionID,
				Settings:         job.Settings,
				TerminatedAt:     rec.TerminatedAt,
				RecoveryPriority: models.PriorityHigh,
			})
			m.terminated++
			m.mu.Unlock()
			telemetry.TerminationCounter.Inc()
		} else {
			m.mu.Lock()
			rec.Status = StatusFailed
			rec.ErrorMessage = "admin cancellation failed"
			m.terminateFailures++
			m.mu.Unlock()
			m.log.WithField("job_id", job.ID).Error("termination failed, job excluded from recovery")
		}
	}

	m.mu.Lock()
	m.terminationSecs += time.Since(start).Seconds()
	m.graceSecs += gracePeriodSeconds
	m.mu.Unlock()

	if gracePeriodSeconds > 0 {
		select {
		case <-time.After(time.Duration(gracePeriodSeconds) * time.Second):
		case <-ctx.Done():
			return m.snapshot(batch), ctx.Err()
		}
	}

	m.SendJobTerminationNotifications(ctx, batch)
	return m.snapshot(batch), nil
}

// SendJobTerminationNotifications notifies owners of successfully terminated
// jobs that have not been notified yet. Delivery is best-effort; failures are
// logged, counted nowhere, and never fatal. Returns how many were sent.
func (m *Manager) SendJobTerminationNotifications(ctx context.Context, jobIDs []string) int {
	sent := 0
	for _, id := range jobIDs {
		m.mu.Lock()
		rec, ok := m.records[id]
		if !ok || rec.Status != StatusTerminated || rec.NotificationSent {
			m.mu.Unlock()
			continue
		}
		userID := rec.UserID
		reason := rec.Reason
		m.mu.Unlock()

		msg := fmt.Sprintf("Your caption job was stopped for emergency maintenance (%s). It will be resumed automatically with elevated priority.", reason)
		if err := m.notifier.NotifyUser(ctx, userID, "Caption job interrupted", msg); err != nil {
			m.log.WithError(err).WithField("job_id", id).Warn("termination notification failed")
			continue
		}
		m.mu.Lock()
		rec.NotificationSent = true
		m.notified++
		m.mu.Unlock()
		sent++
	}
	return sent
}

// CreateJobRecoveryPlan returns a snapshot of the recovery queue sorted by
// priority (highest first), then termination time (oldest first). The queue
// itself is untouched; RecoverTerminatedJobs consumes push order, not plan
// order.
func (m *Manager) CreateJobRecoveryPlan() []RecoveryInfo {
	m.mu.Lock()
	plan := make([]RecoveryInfo, len(m.recovery))
	copy(plan, m.recovery)
	m.mu.Unlock()

	sort.SliceStable(plan, func(i, j int) bool {
		if plan[i].RecoveryPriority != plan[j].RecoveryPriority {
			return plan[i].RecoveryPriority > plan[j].RecoveryPriority
		}
		return plan[i].TerminatedAt.Before(plan[j].TerminatedAt)
	})
	return plan
}

// RecoverTerminatedJobs pops up to maxRecoveries entries off the recovery
// queue and re-submits each through the normal admission path. Returns how
// many were successfully re-admitted; failures stay on their records, not on
// the queue.
func (m *Manager) RecoverTerminatedJobs(ctx context.Context, maxRecoveries int) int {
	if maxRecoveries <= 0 {
		return 0
	}
	recovered := 0
	for i := 0; i < maxRecoveries; i++ {
		m.mu.Lock()
		if len(m.recovery) == 0 {
			m.mu.Unlock()
			break
		}
		info := m.recovery[0]
		m.recovery = m.recovery[1:]
		m.mu.Unlock()

		job := models.Job{
			UserID:       info.UserID,
			ConnectionID: info.ConnectionID,
			Priority:     info.RecoveryPriority,
			Settings:     info.Settings,
		}
		newID, err := m.queue.Enqueue(ctx, job)

		m.mu.Lock()
		rec := m.records[info.OriginalJobID]
		if rec != nil {
			rec.RecoveryAttempted = true
		}
		if err != nil {
			if rec != nil {
				rec.ErrorMessage = fmt.Sprintf("recovery failed: %v", err)
			}
			m.recoverFailures++
			m.mu.Unlock()
			m.log.WithError(err).WithField("job_id", info.OriginalJobID).Error("job recovery failed")
			continue
		}
		now := time.Now().UTC()
		if rec != nil {
			rec.Status = StatusRecovered
			rec.RecoverySuccessful = true
			rec.RecoveredAt = &now
		}
		m.recovered++
		m.mu.Unlock()

		telemetry.RecoveryCounter.Inc()
		m.log.WithFields(logrus.Fields{
			"original_job": info.OriginalJobID,
			"new_job":      newID,
			"user_id":      info.UserID,
		}).Info("job recovered after termination")
		recovered++
	}
	return recovered
}

// GetTerminationStatus returns the record for a job, if one exists.
func (m *Manager) GetTerminationStatus(jobID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[jobID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetTerminationStatistics returns cumulative counters for every sweep since
// process start.
func (m *Manager) GetTerminationStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		JobsTerminated:          m.terminated,
		JobsRecovered:           m.recovered,
		NotificationsSent:       m.notified,
		TerminationFailures:     m.terminateFailures,
		RecoveryFailures:        m.recoverFailures,
		TotalGracePeriodSeconds: m.graceSecs,
		PendingRecoveries:       len(m.recovery),
	}
	if m.terminated > 0 {
		stats.AverageTerminationSeconds = m.terminationSecs / float64(m.terminated)
		stats.RecoveryRatePercent = float64(m.recovered) / float64(m.terminated) * 100
	}
	return stats
}

// CleanupOldRecords drops termination records older than the threshold.
// Returns how many were removed.
func (m *Manager) CleanupOldRecords(olderThanHours int) int {
	if olderThanHours <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanHours) * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rec := range m.records {
		if rec.TerminatedAt.Before(cutoff) {
			delete(m.records, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) snapshot(jobIDs []string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(jobIDs))
	for _, id := range jobIDs {
		if rec, ok := m.records[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}
