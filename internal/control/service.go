package control

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"caption-scheduler/internal/models"
	"caption-scheduler/internal/store"
	"caption-scheduler/internal/sysinfo"
)

// Service is the administrative control plane over the scheduler. It holds no
// state of its own: every call reads the config store fresh, so a change is
// visible to the very next queue-manager admission check. All mutating
// operations are admin-gated, audit-logged, and report failure as a boolean
// for callers to branch on.
type Service struct {
	store     store.Store
	collector sysinfo.Collector
	log       *logrus.Logger
}

// NewService builds the control service. collector may be nil; resource
// usage then reads as zeros.
func NewService(st store.Store, collector sysinfo.Collector, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{store: st, collector: collector, log: log}
}

// resolveAdmin returns the admin user, or false when the caller is unknown or
// not an admin.
func (s *Service) resolveAdmin(ctx context.Context, adminID string) (models.User, bool) {
	user, err := s.store.GetUser(ctx, adminID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", adminID).Warn("admin lookup failed")
		return models.User{}, false
	}
	if !user.IsAdmin() {
		s.log.WithField("user_id", adminID).Warn("admin operation refused for non-admin")
		return models.User{}, false
	}
	return user, true
}

func (s *Service) audit(ctx context.Context, actorID string, jobID, targetUserID *string, action, details string) {
	entry := models.AuditLogEntry{
		ActorID:      actorID,
		JobID:        jobID,
		TargetUserID: targetUserID,
		Action:       action,
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.WithError(err).WithField("action", action).Error("audit write failed")
	}
}

// SetUserJobLimits upserts a user's quota record and refreshes the
// denormalized view inside the system rate-limits record.
func (s *Service) SetUserJobLimits(ctx context.Context, adminID, targetUserID string, limits models.UserJobLimits) bool {
	admin, ok := s.resolveAdmin(ctx, adminID)
	if !ok {
		return false
	}
	if _, err := s.store.GetUser(ctx, targetUserID); err != nil {
		s.log.WithError(err).WithField("user_id", targetUserID).Warn("set limits: target user lookup failed")
		return false
	}

	limits.UserID = targetUserID
	if err := s.store.SetConfig(ctx, store.KeyUserLimitsPrefix+targetUserID, limits); err != nil {
		s.log.WithError(err).WithField("user_id", targetUserID).Error("set limits: write failed")
		return false
	}

	rl := s.GetSystemRateLimits(ctx)
	if rl.UserLimits == nil {
		rl.UserLimits = make(map[string]models.UserJobLimits)
	}
	rl.UserLimits[targetUserID] = limits
	if err := s.store.SetConfig(ctx, store.KeyRateLimits, rl); err != nil {
		s.log.WithError(err).Error("set limits: rate-limits view update failed")
		return false
	}

	s.audit(ctx, admin.ID, nil, &targetUserID, "set_user_job_limits",
		fmt.Sprintf("concurrent=%d hour=%d day=%d processing=%dm enabled=%t",
			limits.MaxConcurrentJobs, limits.MaxJobsPerHour, limits.MaxJobsPerDay,
			limits.MaxProcessingMinutes, limits.Enabled))
	return true
}

// GetUserJobLimits returns the stored quota record, or the documented
// defaults when none exists. Never fails: read errors degrade to defaults.
func (s *Service) GetUserJobLimits(ctx context.Context, userID string) models.UserJobLimits {
	limits := models.DefaultUserJobLimits(userID)
	found, err := s.store.GetConfig(ctx, store.KeyUserLimitsPrefix+userID, &limits)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("user limits read failed, using defaults")
		return models.DefaultUserJobLimits(userID)
	}
	if !found {
		return models.DefaultUserJobLimits(userID)
	}
	limits.UserID = userID
	return limits
}

// ConfigureRateLimits replaces the system-wide rate-limits singleton.
func (s *Service) ConfigureRateLimits(ctx context.Context, adminID string, rl models.RateLimits) bool {
	admin, ok := s.resolveAdmin(ctx, adminID)
	if !ok {
		return false
	}
	if err := s.store.SetConfig(ctx, store.KeyRateLimits, rl); err != nil {
		s.log.WithError(err).Error("configure rate limits: write failed")
		return false
	}
	s.audit(ctx, admin.ID, nil, nil, "configure_rate_limits",
		fmt.Sprintf("concurrent=%d minute=%d hour=%d day=%d cooldown=%dm burst=%d",
			rl.GlobalMaxConcurrentJobs, rl.MaxJobsPerMinute, rl.MaxJobsPerHour,
			rl.MaxJobsPerDay, rl.CooldownMinutes, rl.BurstAllowance))
	return true
}

// GetSystemRateLimits returns the stored singleton or defaults.
func (s *Service) GetSystemRateLimits(ctx context.Context) models.RateLimits {
	rl := models.DefaultRateLimits()
	found, err := s.store.GetConfig(ctx, store.KeyRateLimits, &rl)
	if err != nil {
		s.log.WithError(err).Warn("rate limits read failed, using defaults")
		return models.DefaultRateLimits()
	}
	if !found {
		return models.DefaultRateLimits()
	}
	return rl
}

// PauseSystemJobs activates maintenance mode with a reason. New admissions
// are rejected until resumed.
func (s *Service) PauseSystemJobs(ctx context.Context, adminID, reason string) bool {
	admin, ok := s.resolveAdmin(ctx, adminID)
	if !ok {
		return false
	}
	state := models.MaintenanceState{Active: true, Reason: reason}
	if err := s.store.SetConfig(ctx, store.KeyMaintenanceMode, state); err != nil {
		s.log.WithError(err).Error("pause system: write failed")
		return false
	}
	s.audit(ctx, admin.ID, nil, nil, "pause_system_jobs", reason)
	s.log.WithField("reason", reason).Warn("system job admission paused")
	return true
}

// ResumeSystemJobs deactivates maintenance mode and clears the reason.
func (s *Service) ResumeSystemJobs(ctx context.Context, adminID string) bool {
	admin, ok := s.resolveAdmin(ctx, adminID)
	if !ok {
		return false
	}
	if err := s.store.SetConfig(ctx, store.KeyMaintenanceMode, models.MaintenanceState{}); err != nil {
		s.log.WithError(err).Error("resume system: write failed")
		return false
	}
	s.audit(ctx, admin.ID, nil, nil, "resume_system_jobs", "")
	s.log.Info("system job admission resumed")
	return true
}

// IsMaintenanceMode reports whether admissions are paused. Read failures
// degrade to false so monitoring glitches never lock the system shut.
func (s *Service) IsMaintenanceMode(ctx context.Context) bool {
	return s.maintenanceState(ctx).Active
}

// GetMaintenanceReason returns the reason recorded at pause time, empty when
// not in maintenance.
func (s *Service) GetMaintenanceReason(ctx context.Context) string {
	return s.maintenanceState(ctx).Reason
}

func (s *Service) maintenanceState(ctx context.Context) models.MaintenanceState {
	var state models.MaintenanceState
	if _, err := s.store.GetConfig(ctx, store.KeyMaintenanceMode, &state); err != nil {
		s.log.WithError(err).Warn("maintenance state read failed")
		return models.MaintenanceState{}
	}
	return state
}

// SetJobPriority mutates a job's priority directly in the store and appends
// an admin note. This path deliberately bypasses the queue manager's lock:
// priority is a scheduling hint picked up by the next dispatch.
func (s *Service) SetJobPriority(ctx context.Context, adminID, jobID string, priority models.JobPriority) bool {
	admin, ok := s.resolveAdmin(ctx, adminID)
	if !ok {
		return false
	}
	if priority < models.PriorityLow || priority > models.PriorityUrgent {
		return false
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Warn("set job priority: lookup failed")
		return false
	}

	note := fmt.Sprintf("priority %s -> %s by %s", job.Priority, priority, admin.Username)
	if job.AdminNotes != "" {
		job.AdminNotes += "\n"
	}
	job.AdminNotes += note
	job.Priority = priority
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("set job priority: update failed")
		return false
	}
	s.audit(ctx, admin.ID, &jobID, &job.UserID, "set_job_priority", note)
	return true
}

// GetResourceUsage returns a system snapshot from the metrics collaborator.
// Collector failures return zeros: monitoring must never break control-plane
// calls.
func (s *Service) GetResourceUsage(ctx context.Context) models.ResourceUsage {
	if s.collector == nil {
		return models.ResourceUsage{}
	}
	usage, err := s.collector.Collect(ctx)
	if err != nil {
		s.log.WithError(err).Warn("resource usage collection failed")
		return models.ResourceUsage{}
	}
	return usage
}
