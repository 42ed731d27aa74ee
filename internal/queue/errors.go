package queue

import (
	"errors"
)

// Admission and lifecycle failures callers are expected to branch on. These
// are returned, never panicked; persistence faults are collapsed into
// ErrStorage after being logged with context.
var (
	// ErrActiveJobExists rejects an enqueue while the user already has a
	// queued or running job.
	ErrActiveJobExists = errors.New("user already has an active job")
	// ErrQueueFull rejects an enqueue once the queued-job ceiling is reached.
	ErrQueueFull = errors.New("job queue is full")
	// ErrNotAuthorized is returned from admin-only operations when the caller
	// does not resolve to an admin-role user.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNotFound is returned when a job or user ID does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState rejects an operation not valid for the job's current
	// status, e.g. requeueing a running job.
	ErrInvalidState = errors.New("operation invalid for current job status")
	// ErrMaintenance rejects admissions while system maintenance mode is
	// active.
	ErrMaintenance = errors.New("maintenance mode active")
	// ErrRateLimited rejects admissions that exceed a per-user or system-wide
	// rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUserSuspended rejects admissions for users whose job limits are
	// disabled.
	ErrUserSuspended = errors.New("job submission disabled for user")
	// ErrStorage wraps persistence-layer faults.
	ErrStorage = errors.New("storage failure")
)
