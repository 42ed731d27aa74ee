package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"caption-scheduler/internal/models"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, user_id, connection_id, status, priority, created_at, started_at,
	completed_at, scheduled_at, progress_percent, current_step, error_message,
	retry_count, max_retries, admin_notes, cancelled_by_admin, admin_user_id,
	cancellation_reason, settings, resource_snapshot`

// CreateJob inserts a job row.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job) error {
	settingsJSON, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	var snapshotJSON []byte
	if job.ResourceSnapshot != nil {
		if snapshotJSON, err = json.Marshal(job.ResourceSnapshot); err != nil {
			return fmt.Errorf("marshal resource snapshot: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO caption_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, job.ID, job.UserID, job.ConnectionID, string(job.Status), int(job.Priority),
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.ScheduledAt,
		job.ProgressPercent, job.CurrentStep, job.ErrorMessage,
		job.RetryCount, job.MaxRetries, job.AdminNotes, job.CancelledByAdmin,
		job.AdminUserID, job.CancellationReason, settingsJSON, snapshotJSON)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var priority int
	var settingsJSON []byte
	var snapshotJSON []byte

	err := row.Scan(&job.ID, &job.UserID, &job.ConnectionID, &status, &priority,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.ScheduledAt,
		&job.ProgressPercent, &job.CurrentStep, &job.ErrorMessage,
		&job.RetryCount, &job.MaxRetries, &job.AdminNotes, &job.CancelledByAdmin,
		&job.AdminUserID, &job.CancellationReason, &settingsJSON, &snapshotJSON)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.Priority = models.JobPriority(priority)
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &job.Settings); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	if len(snapshotJSON) > 0 {
		job.ResourceSnapshot = &models.ResourceUsage{}
		if err := json.Unmarshal(snapshotJSON, job.ResourceSnapshot); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal resource snapshot: %w", err)
		}
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM caption_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// UpdateJob rewrites all mutable columns of a job row.
func (s *Postgres) UpdateJob(ctx context.Context, job models.Job) error {
	settingsJSON, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	var snapshotJSON []byte
	if job.ResourceSnapshot != nil {
		if snapshotJSON, err = json.Marshal(job.ResourceSnapshot); err != nil {
			return fmt.Errorf("marshal resource snapshot: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE caption_jobs
		SET status = $2, priority = $3, started_at = $4, completed_at = $5,
			scheduled_at = $6, progress_percent = $7, current_step = $8,
			error_message = $9, retry_count = $10, max_retries = $11,
			admin_notes = $12, cancelled_by_admin = $13, admin_user_id = $14,
			cancellation_reason = $15, settings = $16, resource_snapshot = $17
		WHERE id = $1
	`, job.ID, string(job.Status), int(job.Priority), job.StartedAt, job.CompletedAt,
		job.ScheduledAt, job.ProgressPercent, job.CurrentStep, job.ErrorMessage,
		job.RetryCount, job.MaxRetries, job.AdminNotes, job.CancelledByAdmin,
		job.AdminUserID, job.CancellationReason, settingsJSON, snapshotJSON)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// ListJobs returns jobs matching the filter, oldest first.
func (s *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM caption_jobs WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if !f.CreatedAfter.IsZero() {
		args = append(args, f.CreatedAfter)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.CreatedBefore.IsZero() {
		args = append(args, f.CreatedBefore)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CountJobs counts jobs in a single status.
func (s *Postgres) CountJobs(ctx context.Context, status models.JobStatus) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM caption_jobs WHERE status = $1
	`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CountJobsByStatus returns counts for every lifecycle status.
func (s *Postgres) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM caption_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	out := map[models.JobStatus]int{
		models.StatusQueued: 0, models.StatusRunning: 0,
		models.StatusCompleted: 0, models.StatusFailed: 0, models.StatusCancelled: 0,
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[models.JobStatus(st)] = n
	}
	return out, rows.Err()
}

// GetActiveJobForUser returns the user's queued-or-running job, if any.
func (s *Postgres) GetActiveJobForUser(ctx context.Context, userID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM caption_jobs
		WHERE user_id = $1 AND status IN ($2, $3)
		ORDER BY created_at ASC LIMIT 1
	`, userID, string(models.StatusQueued), string(models.StatusRunning))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("active job for user: %w", err)
	}
	return job, true, nil
}

// CountUserJobsSince counts jobs a user created at or after the given time.
func (s *Postgres) CountUserJobsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM caption_jobs WHERE user_id = $1 AND created_at >= $2
	`, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count user jobs: %w", err)
	}
	return n, nil
}

// DeleteTerminalJobsBefore removes completed/failed/cancelled jobs older than
// the cutoff. Returns how many rows were deleted.
func (s *Postgres) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM caption_jobs
		WHERE status IN ($1, $2, $3) AND COALESCE(completed_at, created_at) < $4
	`, string(models.StatusCompleted), string(models.StatusFailed), string(models.StatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetConfig reads a versioned config record into out. It reports whether the
// key exists.
func (s *Postgres) GetConfig(ctx context.Context, key string, out any) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM config_records WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query config %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal config %s: %w", key, err)
	}
	return true, nil
}

// SetConfig upserts a config record, bumping its version.
func (s *Postgres) SetConfig(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal config %s: %w", key, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO config_records (key, value, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, version = config_records.version + 1, updated_at = NOW()
	`, key, raw)
	if err != nil {
		return fmt.Errorf("upsert config %s: %w", key, err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, entry models.AuditLogEntry) error {
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, job_id, target_user_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ActorID, entry.JobID, entry.TargetUserID, entry.Action, entry.Details, created)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// GetUser fetches a user by id.
func (s *Postgres) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, display_name, email, role FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	u.Role = models.UserRole(role)
	return u, nil
}

// FindSystemAdmin returns the oldest admin-role user.
func (s *Postgres) FindSystemAdmin(ctx context.Context) (models.User, error) {
	var u models.User
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, display_name, email, role FROM users
		WHERE role = $1 ORDER BY created_at ASC LIMIT 1
	`, string(models.RoleAdmin)).Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("system admin: %w", ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("query system admin: %w", err)
	}
	u.Role = models.UserRole(role)
	return u, nil
}
