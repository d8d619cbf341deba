package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"queue-management-system/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	admin, err := s.store.GetAdminUser(r.Context(), req.Username)
	if err != nil || !s.auth.CheckPassword(req.Password, admin.PasswordHash) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := s.auth.CreateToken(admin.Username)
	if err != nil {
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

type createApplicationRequest struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	CallbackURL string `json:"callback_url"`
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.CallbackURL == "" {
		http.Error(w, "name and callback_url are required", http.StatusBadRequest)
		return
	}
	app, err := s.store.CreateApplication(r.Context(), req.Name, req.Domain, req.CallbackURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApplications(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

// handleUpdateApplication only toggles the active flag; applications are
// otherwise immutable once created.
func (s *Server) handleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		http.Error(w, "is_active is required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.SetApplicationActive(r.Context(), id, *req.IsActive); err != nil {
		http.Error(w, err.Error(), notFoundStatus(err))
		return
	}
	app, err := s.store.GetApplication(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), notFoundStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteApplication(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), notFoundStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createQueueRequest struct {
	ApplicationID  string `json:"application_id"`
	Name           string `json:"name"`
	MaxReleaseRate int    `json:"max_release_rate"`
	Priority       int    `json:"priority"`
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ApplicationID == "" || req.Name == "" {
		http.Error(w, "application_id and name are required", http.StatusBadRequest)
		return
	}
	if req.MaxReleaseRate < 0 {
		http.Error(w, "max_release_rate must be >= 0", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetApplication(r.Context(), req.ApplicationID); err != nil {
		http.Error(w, "application not found", notFoundStatus(err))
		return
	}
	queue, err := s.store.CreateQueue(r.Context(), store.CreateQueueParams{
		ApplicationID:  req.ApplicationID,
		Name:           req.Name,
		MaxReleaseRate: req.MaxReleaseRate,
		Priority:       req.Priority,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, queue)
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.store.ListQueues(r.Context(), r.URL.Query().Get("application_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

type updateQueueRequest struct {
	Name           *string `json:"name"`
	MaxReleaseRate *int    `json:"max_release_rate"`
	Priority       *int    `json:"priority"`
	IsActive       *bool   `json:"is_active"`
}

func (s *Server) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	var req updateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.MaxReleaseRate != nil && *req.MaxReleaseRate < 0 {
		http.Error(w, "max_release_rate must be >= 0", http.StatusBadRequest)
		return
	}
	queue, err := s.store.UpdateQueue(r.Context(), chi.URLParam(r, "id"), store.UpdateQueueParams{
		Name:           req.Name,
		MaxReleaseRate: req.MaxReleaseRate,
		Priority:       req.Priority,
		IsActive:       req.IsActive,
	})
	if err != nil {
		http.Error(w, err.Error(), notFoundStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteQueue(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), notFoundStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListQueueUsers(w http.ResponseWriter, r *http.Request) {
	queueID := r.URL.Query().Get("queue_id")
	if queueID == "" {
		http.Error(w, "queue_id is required", http.StatusBadRequest)
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	users, err := s.store.ListQueueUsers(r.Context(), queueID, r.URL.Query().Get("status"), offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.SummarizeQueues(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	events, err := s.store.ListRecentEvents(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queues":        summaries,
		"recent_events": events,
	})
}
