package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(okHandler)
	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing", "/api/stats", nil, http.StatusUnauthorized},
		{"wrong", "/api/stats", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"bearer", "/api/stats", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"header", "/api/stats", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"query", "/ws?api_key=secret", nil, http.StatusOK},
		{"public", "/api/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dash.example"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/stats", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://dash.example" {
		t.Errorf("Expected allowed origin echoed, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("Expected no CORS header for unknown origin")
	}
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		limiter *stubLimiter
		want    int
	}{
		{"allowed", &stubLimiter{allow: true}, http.StatusOK},
		{"denied", &stubLimiter{allow: false}, http.StatusTooManyRequests},
		{"fails open", &stubLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RateLimit(tt.limiter, 10, 2*time.Second, logger)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
			req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
			if tt.limiter.keys[0] != "ratelimit:api:203.0.113.7" {
				t.Errorf("Expected key for first forwarded hop, got %s", tt.limiter.keys[0])
			}
			if tt.want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "2" {
				t.Errorf("Expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestLoggingSetsRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Logging(logger)(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected a request ID header")
	}
}
