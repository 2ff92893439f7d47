package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins in development (tighten in production)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles websocket upgrade requests.
type Handler struct {
	gateway *Gateway
	logger  *slog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(gateway *Gateway, logger *slog.Logger) *Handler {
	return &Handler{gateway: gateway, logger: logger}
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.gateway, conn, h.logger)
	h.gateway.Register(client)

	// The request context dies when ServeHTTP returns after the upgrade,
	// so the connection gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	client.SetCancelFunc(cancel)

	go client.WritePump(ctx)
	client.ReadPump(ctx)
}
