package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"queue-management-system/internal/auth"
	"queue-management-system/internal/config"
)

func TestAdminRoutesRequireToken(t *testing.T) {
	authSvc := auth.New("test-secret", time.Minute)
	server := New(config.Config{}, nil, authSvc, nil)
	router := server.Router()

	req := httptest.NewRequest(http.MethodGet, "/queues", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/queues", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", rec.Code)
	}
}

func TestJoinRequiresAPIKey(t *testing.T) {
	authSvc := auth.New("test-secret", time.Minute)
	server := New(config.Config{}, nil, authSvc, nil)
	router := server.Router()

	req := httptest.NewRequest(http.MethodPost, "/join", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without app_api_key, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	authSvc := auth.New("test-secret", time.Minute)
	server := New(config.Config{}, nil, authSvc, nil)
	router := server.Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
