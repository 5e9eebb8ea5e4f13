package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" || status.Service != "speech-relay" {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestReadinessHandler(t *testing.T) {
	ok := func(ctx context.Context) (bool, error) { return true, nil }
	failing := func(ctx context.Context) (bool, error) { return false, errors.New("no credentials") }

	tests := []struct {
		name       string
		checks     map[string]HealthCheckFunc
		wantCode   int
		wantStatus string
	}{
		{"all healthy", map[string]HealthCheckFunc{"stt": ok}, http.StatusOK, "ready"},
		{"one failing", map[string]HealthCheckFunc{"stt": failing, "other": ok}, http.StatusServiceUnavailable, "not_ready"},
		{"nil check skipped", map[string]HealthCheckFunc{"stt": nil}, http.StatusOK, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, rec.Code)
			}

			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if status.Status != tt.wantStatus {
				t.Errorf("Expected status %q, got %q", tt.wantStatus, status.Status)
			}
			if dep, found := status.Dependencies["stt"]; found && tt.wantCode != http.StatusOK {
				if dep.Message != "no credentials" {
					t.Errorf("Expected failure message, got %q", dep.Message)
				}
			}
		})
	}
}

// brokenWriter accepts headers but fails every body write
type brokenWriter struct {
	header http.Header
	code   int
}

func (b *brokenWriter) Header() http.Header         { return b.header }
func (b *brokenWriter) WriteHeader(code int)        { b.code = code }
func (b *brokenWriter) Write(p []byte) (int, error) { return 0, errors.New("connection reset") }

func TestHealthCheckHandler_WriteFailure(t *testing.T) {
	w := &brokenWriter{header: http.Header{}}
	HealthCheckHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.code != http.StatusOK {
		t.Errorf("Expected status to be written before the body, got %d", w.code)
	}
}
