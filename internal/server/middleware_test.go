package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opendeck/parley/internal/config"
)

func corsRequest(t *testing.T, cfg *config.Config, origin string) *httptest.ResponseRecorder {
	t.Helper()
	handler := corsMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCORSProduction(t *testing.T) {
	cfg := &config.Config{Env: "production", FrontendURL: "https://app.example.com"}

	t.Run("configured frontend allowed", func(t *testing.T) {
		rec := corsRequest(t, cfg, "https://app.example.com")
		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("dev origin stays allowed", func(t *testing.T) {
		rec := corsRequest(t, cfg, "http://localhost:5173")
		assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("other origins refused", func(t *testing.T) {
		rec := corsRequest(t, cfg, "https://evil.example.com")
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestCORSDevelopmentReflectsOrigin(t *testing.T) {
	cfg := &config.Config{Env: "development", FrontendURL: "http://localhost:5173"}

	rec := corsRequest(t, cfg, "http://192.168.1.20:5173")
	assert.Equal(t, "http://192.168.1.20:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = corsRequest(t, cfg, "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	cfg := &config.Config{Env: "production", FrontendURL: "https://app.example.com"}
	handler := corsMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/servers", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
