package store

import (
	"context"
	"errors"
	"time"

	"caption-scheduler/internal/models"
)

// ErrNotFound is returned when a job or user ID does not resolve.
var ErrNotFound = errors.New("not found")

// Well-known config keys. Per-user limit records hang off KeyUserLimitsPrefix
// followed by the user ID.
const (
	KeyRateLimits        = "rate_limits:system"
	KeyMaintenanceMode   = "maintenance_mode"
	KeyUserLimitsPrefix  = "user_limits:"
	KeyFeatureFlagPrefix = "feature:"
	KeySchedulerConfig   = "scheduler_config"
)

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	Status        models.JobStatus
	UserID        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// Store is the persistence collaborator for jobs, versioned config records,
// the audit log, and identity lookups. Both the Postgres and in-memory
// implementations satisfy it.
type Store interface {
	// Job operations.
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, job models.Job) error
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	CountJobs(ctx context.Context, status models.JobStatus) (int, error)
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	// GetActiveJobForUser returns the user's single queued-or-running job,
	// if any.
	GetActiveJobForUser(ctx context.Context, userID string) (models.Job, bool, error)
	CountUserJobsSince(ctx context.Context, userID string, since time.Time) (int, error)
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Versioned key-value config records. GetConfig reports whether the key
	// exists; SetConfig upserts and bumps the record version.
	GetConfig(ctx context.Context, key string, out any) (bool, error)
	SetConfig(ctx context.Context, key string, value any) error

	// Audit log, append-only.
	AppendAudit(ctx context.Context, entry models.AuditLogEntry) error

	// Identity resolver.
	GetUser(ctx context.Context, id string) (models.User, error)
	// FindSystemAdmin returns any admin-role user, used as the acting
	// identity for system-triggered cancellations.
	FindSystemAdmin(ctx context.Context) (models.User, error)

	Close()
}
