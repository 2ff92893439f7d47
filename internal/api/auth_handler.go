package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/opendeck/parley/internal/directory"
)

// AuthHandler handles identity endpoints. There are no passwords: a username
// resolves to its user, created on first login.
type AuthHandler struct {
	directory *directory.Service
	logger    *slog.Logger
}

func NewAuthHandler(dir *directory.Service, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{directory: dir, logger: logger}
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.directory.Login(r.Context(), input.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

// GetUser handles GET /api/users/{userId}
func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id required")
		return
	}

	user, err := h.directory.GetUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}
