package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Active reports whether the status counts against the single-active-job
// invariant.
func (s JobStatus) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Terminal reports whether the job has finished and will not transition again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether a cancel request is valid for this status.
func (s JobStatus) Cancellable() bool {
	return s.Active()
}

// Requeueable reports whether an admin requeue may clone this job.
func (s JobStatus) Requeueable() bool {
	return s == StatusFailed || s == StatusCancelled
}

// JobPriority orders dequeue. Higher ranks dispatch first.
type JobPriority int

const (
	PriorityLow    JobPriority = 1
	PriorityNormal JobPriority = 2
	PriorityHigh   JobPriority = 3
	PriorityUrgent JobPriority = 4
)

func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority maps a priority name to its rank. Unknown names fall back to
// normal.
func ParsePriority(name string) (JobPriority, bool) {
	switch name {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "urgent":
		return PriorityUrgent, true
	default:
		return PriorityNormal, false
	}
}

// Job represents a caption-generation task persisted in Postgres.
type Job struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	ConnectionID       string         `json:"connection_id"`
	Status             JobStatus      `json:"status"`
	Priority           JobPriority    `json:"priority"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ScheduledAt        *time.Time     `json:"scheduled_at,omitempty"`
	ProgressPercent    int            `json:"progress_percent"`
	CurrentStep        string         `json:"current_step,omitempty"`
	ErrorMessage       *string        `json:"error_message,omitempty"`
	RetryCount         int            `json:"retry_count"`
	MaxRetries         int            `json:"max_retries"`
	AdminNotes         string         `json:"admin_notes,omitempty"`
	CancelledByAdmin   bool           `json:"cancelled_by_admin"`
	AdminUserID        *string        `json:"admin_user_id,omitempty"`
	CancellationReason *string        `json:"cancellation_reason,omitempty"`
	Settings           map[string]any `json:"settings,omitempty"`
	ResourceSnapshot   *ResourceUsage `json:"resource_snapshot,omitempty"`
}

// AuditLogEntry is an append-only record of an administrative or lifecycle
// action. Entries are never mutated or deleted by the scheduler.
type AuditLogEntry struct {
	ID           int64     `json:"id"`
	ActorID      string    `json:"actor_id"`
	JobID        *string   `json:"job_id,omitempty"`
	TargetUserID *string   `json:"target_user_id,omitempty"`
	Action       string    `json:"action"`
	Details      string    `json:"details"`
	CreatedAt    time.Time `json:"created_at"`
}
