package models

import "time"

// UserJobLimits is the per-user quota record. Records are created lazily:
// until an admin sets one, DefaultUserJobLimits applies.
type UserJobLimits struct {
	UserID               string       `json:"user_id"`
	MaxConcurrentJobs    int          `json:"max_concurrent_jobs"`
	MaxJobsPerHour       int          `json:"max_jobs_per_hour"`
	MaxJobsPerDay        int          `json:"max_jobs_per_day"`
	MaxProcessingMinutes int          `json:"max_processing_minutes"`
	PriorityOverride     *JobPriority `json:"priority_override,omitempty"`
	Enabled              bool         `json:"enabled"`
}

// DefaultUserJobLimits returns the quota applied to users without a stored
// record.
func DefaultUserJobLimits(userID string) UserJobLimits {
	return UserJobLimits{
		UserID:               userID,
		MaxConcurrentJobs:    1,
		MaxJobsPerHour:       10,
		MaxJobsPerDay:        50,
		MaxProcessingMinutes: 60,
		Enabled:              true,
	}
}

// RateLimits is the system-wide quota singleton. UserLimits is a denormalized
// convenience view keyed by user ID.
type RateLimits struct {
	GlobalMaxConcurrentJobs int                      `json:"global_max_concurrent_jobs"`
	MaxJobsPerMinute        int                      `json:"max_jobs_per_minute"`
	MaxJobsPerHour          int                      `json:"max_jobs_per_hour"`
	MaxJobsPerDay           int                      `json:"max_jobs_per_day"`
	CooldownMinutes         int                      `json:"cooldown_minutes"`
	BurstAllowance          int                      `json:"burst_allowance"`
	UserLimits              map[string]UserJobLimits `json:"user_limits,omitempty"`
}

// DefaultRateLimits returns the system quota applied before an admin
// configures one.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		GlobalMaxConcurrentJobs: 10,
		MaxJobsPerMinute:        30,
		MaxJobsPerHour:          200,
		MaxJobsPerDay:           1000,
		CooldownMinutes:         0,
		BurstAllowance:          10,
	}
}

// MaintenanceState is the singleton pause flag consulted at admission time.
type MaintenanceState struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

// ResourceUsage is a point-in-time system snapshot reported by the metrics
// collaborator.
type ResourceUsage struct {
	CPUPercent          float64   `json:"cpu_percent"`
	MemoryUsedMB        float64   `json:"memory_used_mb"`
	MemoryPercent       float64   `json:"memory_percent"`
	DiskUsedMB          float64   `json:"disk_used_mb"`
	DiskPercent         float64   `json:"disk_percent"`
	DatabaseConnections int       `json:"database_connections"`
	ActiveJobs          int       `json:"active_jobs"`
	CollectedAt         time.Time `json:"collected_at"`
}
