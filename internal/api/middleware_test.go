package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MLTQ/ponderer-backend/internal/config"
)

func testServer(cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	return New(nil, nil, nil, nil, cfg, "", nil, nil, nil)
}

func TestAuthMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("disabled auth mode admits any request", func(t *testing.T) {
		cfg := config.Default()
		cfg.Server.AuthMode = "disabled"
		s := testServer(cfg)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		s.authMiddleware(okHandler).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("required auth mode rejects a missing bearer token", func(t *testing.T) {
		cfg := config.Default()
		cfg.Server.AuthMode = "required"
		cfg.Server.Token = "secret"
		s := testServer(cfg)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		s.authMiddleware(okHandler).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("required auth mode rejects a wrong bearer token", func(t *testing.T) {
		cfg := config.Default()
		cfg.Server.AuthMode = "required"
		cfg.Server.Token = "secret"
		s := testServer(cfg)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		s.authMiddleware(okHandler).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("required auth mode admits the configured bearer token", func(t *testing.T) {
		cfg := config.Default()
		cfg.Server.AuthMode = "required"
		cfg.Server.Token = "secret"
		s := testServer(cfg)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		req.Header.Set("Authorization", "Bearer secret")
		s.authMiddleware(okHandler).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})
}

func TestCORSMiddleware(t *testing.T) {
	t.Run("wildcard origin is echoed back", func(t *testing.T) {
		handler := corsMiddleware([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		req.Header.Set("Origin", "https://example.com")
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
			t.Fatalf("Access-Control-Allow-Origin = %q, want echoed origin", got)
		}
	})

	t.Run("unlisted origin gets no CORS headers but still serves", func(t *testing.T) {
		handler := corsMiddleware([]string{"https://allowed.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		req.Header.Set("Origin", "https://evil.example")
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("Access-Control-Allow-Origin = %q, want empty", got)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("preflight OPTIONS short-circuits with 204", func(t *testing.T) {
		called := false
		handler := corsMiddleware([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/v1/health", nil)
		handler.ServeHTTP(rec, req)

		if called {
			t.Fatal("handler should not be called for an OPTIONS preflight")
		}
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
		}
	})
}

func TestResponseWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK) // second call must be a no-op

	if rw.status != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rw.status, http.StatusTeapot)
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("recorder code = %d, want %d", rec.Code, http.StatusTeapot)
	}
}
