package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"caption-scheduler/internal/control"
	"caption-scheduler/internal/logging"
	"caption-scheduler/internal/models"
	"caption-scheduler/internal/notify"
	"caption-scheduler/internal/queue"
	"caption-scheduler/internal/store"
	"caption-scheduler/internal/termination"
)

func newTestServer(t *testing.T) (http.Handler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutUser(models.User{ID: "admin-1", Username: "admin", Role: models.RoleAdmin})
	mem.PutUser(models.User{ID: "user-1", Username: "alice", Role: models.RoleUser})
	mem.PutUser(models.User{ID: "user-2", Username: "bob", Role: models.RoleUser})

	log := logging.Discard()
	qm := queue.NewManager(mem, queue.Options{Logger: log})
	cs := control.NewService(mem, nil, log)
	tm := termination.NewManager(qm, mem, &notify.Recorder{}, log)
	return New(qm, cs, tm, log).Router(), mem
}

func doJSON(t *testing.T, h http.Handler, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEnqueueAndFetchJob(t *testing.T) {
	h, _ := newTestServer(t)
	user := map[string]string{"X-User-ID": "user-1"}

	rec := doJSON(t, h, http.MethodPost, "/jobs", user, map[string]any{
		"priority": "high",
		"settings": map[string]any{"source_url": "https://example.com/img.jpg"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created map[string]string
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created["job_id"])

	rec = doJSON(t, h, http.MethodGet, "/jobs/"+created["job_id"], nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	decodeBody(t, rec, &job)
	require.Equal(t, "user-1", job.UserID)
	require.Equal(t, models.PriorityHigh, job.Priority)
	require.Equal(t, models.StatusQueued, job.Status)
}

func TestEnqueueRequiresUserHeader(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/jobs", nil, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueConflictMapsTo409(t *testing.T) {
	h, _ := newTestServer(t)
	user := map[string]string{"X-User-ID": "user-1"}

	rec := doJSON(t, h, http.MethodPost, "/jobs", user, map[string]any{})
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/jobs", user, map[string]any{})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestMaintenanceMapsTo503(t *testing.T) {
	h, _ := newTestServer(t)
	admin := map[string]string{"X-Admin-ID": "admin-1"}

	rec := doJSON(t, h, http.MethodPost, "/admin/maintenance/pause", admin, map[string]string{"reason": "upgrade"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/jobs", map[string]string{"X-User-ID": "user-1"}, map[string]any{})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/maintenance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	decodeBody(t, rec, &status)
	require.Equal(t, true, status["active"])
	require.Equal(t, "upgrade", status["reason"])

	rec = doJSON(t, h, http.MethodPost, "/admin/maintenance/resume", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/jobs", map[string]string{"X-User-ID": "user-1"}, map[string]any{})
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCancelFlow(t *testing.T) {
	h, _ := newTestServer(t)
	user := map[string]string{"X-User-ID": "user-1"}

	rec := doJSON(t, h, http.MethodPost, "/jobs", user, map[string]any{})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created map[string]string
	decodeBody(t, rec, &created)
	jobID := created["job_id"]

	// Wrong owner.
	rec = doJSON(t, h, http.MethodPost, "/jobs/"+jobID+"/cancel", map[string]string{"X-User-ID": "user-2"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/jobs/"+jobID+"/cancel", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminEndpointsGated(t *testing.T) {
	h, _ := newTestServer(t)
	nonAdmin := map[string]string{"X-Admin-ID": "user-1"}

	rec := doJSON(t, h, http.MethodGet, "/admin/jobs", nonAdmin, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/statistics", nonAdmin, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/admin/maintenance/pause", nonAdmin, map[string]string{"reason": "nope"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminJobListAndStats(t *testing.T) {
	h, _ := newTestServer(t)
	admin := map[string]string{"X-Admin-ID": "admin-1"}

	doJSON(t, h, http.MethodPost, "/jobs", map[string]string{"X-User-ID": "user-1"}, map[string]any{})
	doJSON(t, h, http.MethodPost, "/jobs", map[string]string{"X-User-ID": "user-2"}, map[string]any{})

	rec := doJSON(t, h, http.MethodGet, "/admin/jobs?status=queued", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Jobs []models.Job `json:"jobs"`
	}
	decodeBody(t, rec, &listing)
	require.Len(t, listing.Jobs, 2)

	rec = doJSON(t, h, http.MethodGet, "/queue/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats queue.Stats
	decodeBody(t, rec, &stats)
	require.Equal(t, 2, stats.Queued)
}

func TestUserLimitsEndpoints(t *testing.T) {
	h, _ := newTestServer(t)
	admin := map[string]string{"X-Admin-ID": "admin-1"}

	rec := doJSON(t, h, http.MethodGet, "/admin/users/user-1/limits", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var limits models.UserJobLimits
	decodeBody(t, rec, &limits)
	require.Equal(t, models.DefaultUserJobLimits("user-1"), limits)

	limits.MaxJobsPerHour = 2
	rec = doJSON(t, h, http.MethodPut, "/admin/users/user-1/limits", admin, limits)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/users/user-1/limits", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &limits)
	require.Equal(t, 2, limits.MaxJobsPerHour)
}

func TestUnknownPriorityRejected(t *testing.T) {
	h, mem := newTestServer(t)
	require.NoError(t, mem.CreateJob(context.Background(), models.Job{
		ID: "job-1", UserID: "user-1", Status: models.StatusQueued, Priority: models.PriorityNormal,
	}))

	rec := doJSON(t, h, http.MethodPost, "/admin/jobs/job-1/priority",
		map[string]string{"X-Admin-ID": "admin-1"}, map[string]string{"priority": "extreme"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/admin/jobs/job-1/priority",
		map[string]string{"X-Admin-ID": "admin-1"}, map[string]string{"priority": "urgent"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestActiveAndHistoryEndpoints(t *testing.T) {
	h, _ := newTestServer(t)
	user := map[string]string{"X-User-ID": "user-1"}

	rec := doJSON(t, h, http.MethodGet, "/users/user-1/active", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	doJSON(t, h, http.MethodPost, "/jobs", user, map[string]any{})

	rec = doJSON(t, h, http.MethodGet, "/users/user-1/active", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/users/user-1/history?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Jobs []models.Job `json:"jobs"`
	}
	decodeBody(t, rec, &history)
	require.Len(t, history.Jobs, 1)
}

func TestTerminationEndpoints(t *testing.T) {
	h, _ := newTestServer(t)
	admin := map[string]string{"X-Admin-ID": "admin-1"}

	// Nothing running yet: empty batch, not an error.
	rec := doJSON(t, h, http.MethodPost, "/admin/terminate", admin,
		map[string]any{"grace_period_seconds": 0, "reason": "drill"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/termination/statistics", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats termination.Statistics
	decodeBody(t, rec, &stats)
	require.Zero(t, stats.JobsTerminated)

	rec = doJSON(t, h, http.MethodGet, "/admin/termination/unknown-job", admin, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/recovery/plan", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/admin/recovery/run", admin, map[string]int{"max_recoveries": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]int
	decodeBody(t, rec, &result)
	require.Zero(t, result["recovered"])
}
