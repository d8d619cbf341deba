package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"queue-management-system/internal/auth"
	"queue-management-system/internal/config"
	"queue-management-system/internal/models"
	"queue-management-system/internal/ratelimit"
	"queue-management-system/internal/store"
	"queue-management-system/internal/telemetry"
)

// Server wires HTTP handlers for the public queue API and the admin surface.
// The release engine itself has no endpoint here; its effects are visible
// only through queue user rows and /metrics.
type Server struct {
	cfg     config.Config
	store   *store.Store
	auth    *auth.Service
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, authSvc *auth.Service, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		auth:    authSvc,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/join", s.handleJoin)
	r.Get("/queue_status", s.handleQueueStatus)
	r.Post("/cancel", s.handleCancel)
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Post("/applications", s.handleCreateApplication)
		r.Get("/applications", s.handleListApplications)
		r.Put("/applications/{id}", s.handleUpdateApplication)
		r.Delete("/applications/{id}", s.handleDeleteApplication)
		r.Post("/queues", s.handleCreateQueue)
		r.Get("/queues", s.handleListQueues)
		r.Put("/queues/{id}", s.handleUpdateQueue)
		r.Delete("/queues/{id}", s.handleDeleteQueue)
		r.Get("/queue_users", s.handleListQueueUsers)
		r.Get("/dashboard/summary", s.handleDashboardSummary)
	})

	return r
}

type joinRequest struct {
	QueueID     string  `json:"queue_id"`
	VisitorID   string  `json:"visitor_id"`
	RedirectURL *string `json:"redirect_url"`
}

// handleJoin creates a waiting membership for a visitor. The tenant
// authenticates with its API key; the rate limiter is keyed the same way.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("app_api_key")
	if apiKey == "" {
		http.Error(w, "missing app_api_key", http.StatusUnauthorized)
		return
	}
	app, err := s.store.GetApplicationByAPIKey(r.Context(), apiKey)
	if err != nil {
		http.Error(w, "invalid app_api_key", http.StatusUnauthorized)
		return
	}
	if !app.IsActive {
		http.Error(w, "application deactivated", http.StatusForbidden)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), app.APIKey)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.QueueID == "" || req.VisitorID == "" {
		http.Error(w, "queue_id and visitor_id are required", http.StatusBadRequest)
		return
	}

	queue, err := s.store.GetQueue(r.Context(), req.QueueID)
	if err != nil || queue.ApplicationID != app.ID {
		http.Error(w, "queue not found", http.StatusNotFound)
		return
	}

	user, err := s.store.CreateQueueUser(r.Context(), queue.ID, req.VisitorID, req.RedirectURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// handleQueueStatus is the public poll: the visitor asks by token whether
// it has been released yet.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	user, err := s.store.GetQueueUserByToken(r.Context(), token)
	if err != nil {
		http.Error(w, "token not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleCancel forces waiting -> rejected. The conditional transition is
// what makes a cancel racing an in-progress release safe: whichever
// commits first wins, the loser's claim fails.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	user, err := s.store.GetQueueUserByToken(r.Context(), token)
	if err != nil {
		http.Error(w, "token not found", http.StatusNotFound)
		return
	}

	ok, err := s.store.TryTransition(r.Context(), user.ID, models.StatusWaiting, models.StatusRejected, store.TransitionFields{})
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		// Already released, expired, or previously cancelled. A repeat
		// cancel is idempotent; anything else cannot be undone.
		current, err := s.store.GetQueueUserByToken(r.Context(), token)
		if err == nil && current.Status == models.StatusRejected {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, "queue user is no longer waiting", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// adminOnly verifies the bearer token issued by /auth/login.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := s.auth.VerifyToken(header[len(prefix):]); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func notFoundStatus(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
