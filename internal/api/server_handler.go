package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/opendeck/parley/internal/directory"
	"github.com/opendeck/parley/internal/domain"
)

// ServerHandler handles the server/channel directory and message history
// endpoints.
type ServerHandler struct {
	directory *directory.Service
	logger    *slog.Logger
}

func NewServerHandler(dir *directory.Service, logger *slog.Logger) *ServerHandler {
	return &ServerHandler{directory: dir, logger: logger}
}

// List handles GET /api/servers
func (h *ServerHandler) List(w http.ResponseWriter, r *http.Request) {
	servers, err := h.directory.ListServers(r.Context())
	if err != nil {
		h.logger.Error("list servers failed", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": servers})
}

// Create handles POST /api/servers
func (h *ServerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	server, err := h.directory.CreateServer(r.Context(), input.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"server": server})
}

// CreateChannel handles POST /api/servers/{serverId}/channels
func (h *ServerHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverId")

	var input struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	channel, err := h.directory.CreateChannel(r.Context(), serverID, input.Name, domain.ChannelType(input.Type))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"channel": channel})
}

// GetMessages handles GET /api/servers/{serverId}/channels/{channelId}/messages
func (h *ServerHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverId")
	channelID := r.PathValue("channelId")

	messages, err := h.directory.GetMessages(r.Context(), serverID, channelID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}
