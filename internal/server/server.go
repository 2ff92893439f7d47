package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/opendeck/parley/internal/api"
	"github.com/opendeck/parley/internal/config"
	"github.com/opendeck/parley/internal/middleware"
	"github.com/opendeck/parley/internal/store"
	"github.com/opendeck/parley/internal/ws"
)

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	Store         store.Store
	AuthHandler   *api.AuthHandler
	ServerHandler *api.ServerHandler
	AvatarHandler *api.AvatarHandler
	WSHandler     *ws.Handler
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()

	registerRoutes(mux, deps)

	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:        cfg.Addr(),
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// Write timeout would kill long-lived websocket connections, so
		// only reads are bounded here.
		IdleTimeout: 60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Health check - essential for docker, k8s, load balancers
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Ready check - verifies store connectivity
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Health(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready","error":"store unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	// REST surface, rate limited per client IP
	limited := deps.RateLimiter.Middleware

	mux.Handle("POST /api/auth/login", limited(http.HandlerFunc(deps.AuthHandler.Login)))
	mux.Handle("GET /api/users/{userId}", limited(http.HandlerFunc(deps.AuthHandler.GetUser)))
	mux.Handle("POST /api/users/{userId}/avatar", limited(http.HandlerFunc(deps.AvatarHandler.Upload)))

	mux.Handle("GET /api/servers", limited(http.HandlerFunc(deps.ServerHandler.List)))
	mux.Handle("POST /api/servers", limited(http.HandlerFunc(deps.ServerHandler.Create)))
	mux.Handle("POST /api/servers/{serverId}/channels", limited(http.HandlerFunc(deps.ServerHandler.CreateChannel)))
	mux.Handle("GET /api/servers/{serverId}/channels/{channelId}/messages", limited(http.HandlerFunc(deps.ServerHandler.GetMessages)))

	// Signaling gateway
	mux.Handle("GET /ws", deps.WSHandler)
}
