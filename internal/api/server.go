package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"caption-scheduler/internal/control"
	"caption-scheduler/internal/models"
	"caption-scheduler/internal/queue"
	"caption-scheduler/internal/telemetry"
	"caption-scheduler/internal/termination"
)

// Server wires thin HTTP handlers over the scheduling library. Request
// shaping stays here; every decision is delegated to the queue manager,
// control service, or termination manager.
type Server struct {
	queue       *queue.Manager
	control     *control.Service
	termination *termination.Manager
	log         *logrus.Logger
}

// New constructs the API server.
func New(qm *queue.Manager, cs *control.Service, tm *termination.Manager, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{queue: qm, control: cs, termination: tm, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/queue/stats", s.handleQueueStats)
	r.Get("/users/{id}/active", s.handleActiveJob)
	r.Get("/users/{id}/history", s.handleHistory)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/jobs", s.handleAllJobs)
		r.Post("/jobs/{id}/cancel", s.handleAdminCancel)
		r.Post("/jobs/{id}/priority", s.handleSetPriority)
		r.Post("/jobs/{id}/requeue", s.handleRequeue)
		r.Post("/users/{id}/pause", s.handlePauseUser)
		r.Post("/users/{id}/resume", s.handleResumeUser)
		r.Get("/users/{id}/limits", s.handleGetLimits)
		r.Put("/users/{id}/limits", s.handleSetLimits)
		r.Get("/ratelimits", s.handleGetRateLimits)
		r.Put("/ratelimits", s.handleSetRateLimits)
		r.Get("/maintenance", s.handleMaintenanceStatus)
		r.Post("/maintenance/pause", s.handleMaintenancePause)
		r.Post("/maintenance/resume", s.handleMaintenanceResume)
		r.Get("/statistics", s.handleStatistics)
		r.Post("/stuck/clear", s.handleClearStuck)
		r.Get("/resources", s.handleResources)
		r.Post("/terminate", s.handleTerminate)
		r.Get("/termination/statistics", s.handleTerminationStats)
		r.Get("/termination/{jobID}", s.handleTerminationStatus)
		r.Get("/recovery/plan", s.handleRecoveryPlan)
		r.Post("/recovery/run", s.handleRecover)
	})
	return r
}

func userFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func adminFromRequest(r *http.Request) string {
	return r.Header.Get("X-Admin-ID")
}

type enqueueRequest struct {
	ConnectionID string         `json:"connection_id"`
	Priority     string         `json:"priority"`
	Settings     map[string]any `json:"settings"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		http.Error(w, "X-User-ID is required", http.StatusBadRequest)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	priority, _ := models.ParsePriority(req.Priority)
	jobID, err := s.queue.Enqueue(r.Context(), models.Job{
		UserID:       userID,
		ConnectionID: req.ConnectionID,
		Priority:     priority,
		Settings:     req.Settings,
	})
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// writeQueueError maps the admission/lifecycle taxonomy onto HTTP statuses.
func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrActiveJobExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, queue.ErrMaintenance), errors.Is(err, queue.ErrUserSuspended):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, queue.ErrNotAuthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, queue.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.WithError(err).Error("internal error")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.queue.Cancel(r.Context(), chi.URLParam(r, "id"), userFromRequest(r)) {
		http.Error(w, "cancel refused", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleActiveJob(w http.ResponseWriter, r *http.Request) {
	job, found, err := s.queue.GetUserActiveTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	if !found {
		http.Error(w, "no active job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	jobs, err := s.queue.GetUserTaskHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleAllJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	jobs, err := s.queue.GetAllTasks(r.Context(), adminFromRequest(r), status, queryInt(r, "limit", 100))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if !s.queue.CancelAsAdmin(r.Context(), adminFromRequest(r), chi.URLParam(r, "id"), req.Reason) {
		http.Error(w, "cancel refused", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	priority, ok := models.ParsePriority(req.Priority)
	if !ok {
		http.Error(w, "unknown priority", http.StatusBadRequest)
		return
	}
	if !s.control.SetJobPriority(r.Context(), adminFromRequest(r), chi.URLParam(r, "id"), priority) {
		http.Error(w, "priority change refused", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	newID, err := s.queue.RequeueFailedTask(r.Context(), adminFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": newID})
}

func (s *Server) handlePauseUser(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.PauseUserJobs(r.Context(), adminFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeUser(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.ResumeUserJobs(r.Context(), adminFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.GetUserJobLimits(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var limits models.UserJobLimits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !s.control.SetUserJobLimits(r.Context(), adminFromRequest(r), chi.URLParam(r, "id"), limits) {
		http.Error(w, "limits update refused", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleGetRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.GetSystemRateLimits(r.Context()))
}

func (s *Server) handleSetRateLimits(w http.ResponseWriter, r *http.Request) {
	var rl models.RateLimits
	if err := json.NewDecoder(r.Body).Decode(&rl); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !s.control.ConfigureRateLimits(r.Context(), adminFromRequest(r), rl) {
		http.Error(w, "rate limit update refused", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.control.IsMaintenanceMode(r.Context()),
		"reason": s.control.GetMaintenanceReason(r.Context()),
	})
}

type maintenanceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleMaintenancePause(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if !s.control.PauseSystemJobs(r.Context(), adminFromRequest(r), req.Reason) {
		http.Error(w, "pause refused", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleMaintenanceResume(w http.ResponseWriter, r *http.Request) {
	if !s.control.ResumeSystemJobs(r.Context(), adminFromRequest(r)) {
		http.Error(w, "resume refused", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetQueueStatistics(r.Context(), adminFromRequest(r))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type clearStuckRequest struct {
	ThresholdMinutes int `json:"threshold_minutes"`
}

func (s *Server) handleClearStuck(w http.ResponseWriter, r *http.Request) {
	var req clearStuckRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	cleared, err := s.queue.ClearStuckTasks(r.Context(), adminFromRequest(r), req.ThresholdMinutes)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.GetResourceUsage(r.Context()))
}

type terminateRequest struct {
	GracePeriodSeconds int    `json:"grace_period_seconds"`
	Reason             string `json:"reason"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	records, err := s.termination.TerminateJobsSafely(r.Context(), req.GracePeriodSeconds, req.Reason, adminFromRequest(r))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleTerminationStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.termination.GetTerminationStatistics())
}

func (s *Server) handleTerminationStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.termination.GetTerminationStatus(chi.URLParam(r, "jobID"))
	if !ok {
		http.Error(w, "no termination record", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecoveryPlan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plan": s.termination.CreateJobRecoveryPlan()})
}

type recoverRequest struct {
	MaxRecoveries int `json:"max_recoveries"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.MaxRecoveries <= 0 {
		req.MaxRecoveries = 10
	}
	recovered := s.termination.RecoverTerminatedJobs(r.Context(), req.MaxRecoveries)
	writeJSON(w, http.StatusOK, map[string]int{"recovered": recovered})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
