package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"caption-scheduler/internal/models"
)

// Memory is a mutex-guarded in-memory Store used by tests and single-node
// development runs. It mirrors the Postgres implementation's semantics,
// including deep copies on the way in and out.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]models.Job
	config  map[string]configRecord
	users   map[string]models.User
	audits  []models.AuditLogEntry
	auditID int64
}

type configRecord struct {
	value   []byte
	version int
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]models.Job),
		config: make(map[string]configRecord),
		users:  make(map[string]models.User),
	}
}

func (s *Memory) Close() {}

func cloneJob(job models.Job) models.Job {
	out := job
	if job.Settings != nil {
		out.Settings = make(map[string]any, len(job.Settings))
		for k, v := range job.Settings {
			out.Settings[k] = v
		}
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		out.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	if job.ScheduledAt != nil {
		t := *job.ScheduledAt
		out.ScheduledAt = &t
	}
	if job.ErrorMessage != nil {
		v := *job.ErrorMessage
		out.ErrorMessage = &v
	}
	if job.AdminUserID != nil {
		v := *job.AdminUserID
		out.AdminUserID = &v
	}
	if job.CancellationReason != nil {
		v := *job.CancellationReason
		out.CancellationReason = &v
	}
	if job.ResourceSnapshot != nil {
		v := *job.ResourceSnapshot
		out.ResourceSnapshot = &v
	}
	return out
}

func (s *Memory) CreateJob(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (s *Memory) UpdateJob(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Memory) ListJobs(_ context.Context, f JobFilter) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Job
	for _, job := range s.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.UserID != "" && job.UserID != f.UserID {
			continue
		}
		if !f.CreatedAfter.IsZero() && job.CreatedAt.Before(f.CreatedAfter) {
			continue
		}
		if !f.CreatedBefore.IsZero() && !job.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) CountJobs(_ context.Context, status models.JobStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Memory) CountJobsByStatus(_ context.Context) (map[models.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[models.JobStatus]int{
		models.StatusQueued: 0, models.StatusRunning: 0,
		models.StatusCompleted: 0, models.StatusFailed: 0, models.StatusCancelled: 0,
	}
	for _, job := range s.jobs {
		out[job.Status]++
	}
	return out, nil
}

func (s *Memory) GetActiveJobForUser(_ context.Context, userID string) (models.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found bool
	var oldest models.Job
	for _, job := range s.jobs {
		if job.UserID != userID || !job.Status.Active() {
			continue
		}
		if !found || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
			found = true
		}
	}
	if !found {
		return models.Job{}, false, nil
	}
	return cloneJob(oldest), true, nil
}

func (s *Memory) CountUserJobsSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if job.UserID == userID && !job.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		ref := job.CreatedAt
		if job.CompletedAt != nil {
			ref = *job.CompletedAt
		}
		if ref.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) GetConfig(_ context.Context, key string, out any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.config[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(rec.value, out); err != nil {
		return false, fmt.Errorf("unmarshal config %s: %w", key, err)
	}
	return true, nil
}

func (s *Memory) SetConfig(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal config %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.config[key]
	s.config[key] = configRecord{value: raw, version: rec.version + 1}
	return nil
}

func (s *Memory) AppendAudit(_ context.Context, entry models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditID++
	entry.ID = s.auditID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audits = append(s.audits, entry)
	return nil
}

// AuditEntries returns a copy of the audit log, oldest first. Test helper.
func (s *Memory) AuditEntries() []models.AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AuditLogEntry, len(s.audits))
	copy(out, s.audits)
	return out
}

func (s *Memory) GetUser(_ context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (s *Memory) FindSystemAdmin(_ context.Context) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if s.users[id].IsAdmin() {
			return s.users[id], nil
		}
	}
	return models.User{}, fmt.Errorf("system admin: %w", ErrNotFound)
}

// PutUser inserts or replaces a user record.
func (s *Memory) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}
