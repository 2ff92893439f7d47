package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/opendeck/parley/internal/directory"
	"github.com/opendeck/parley/internal/storage"
)

const presignExpiry = 15 * time.Minute

var allowedAvatarTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
}

// AvatarHandler hands out presigned avatar upload URLs. nil storage means the
// feature is disabled and the endpoint answers 503.
type AvatarHandler struct {
	directory *directory.Service
	storage   *storage.AvatarStorage
	logger    *slog.Logger
}

func NewAvatarHandler(dir *directory.Service, st *storage.AvatarStorage, logger *slog.Logger) *AvatarHandler {
	return &AvatarHandler{directory: dir, storage: st, logger: logger}
}

// Upload handles POST /api/users/{userId}/avatar
func (h *AvatarHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.storage == nil {
		writeError(w, http.StatusServiceUnavailable, "avatar storage not configured")
		return
	}

	userID := r.PathValue("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id required")
		return
	}

	var input struct {
		ContentType string `json:"content_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !allowedAvatarTypes[input.ContentType] {
		writeError(w, http.StatusBadRequest, "unsupported avatar content type")
		return
	}

	// The user must exist before we hand out an upload slot.
	if _, err := h.directory.GetUser(r.Context(), userID); err != nil {
		writeDomainError(w, err)
		return
	}

	uploadURL, avatarURL, err := h.storage.PresignAvatarUpload(r.Context(), userID, input.ContentType, presignExpiry)
	if err != nil {
		h.logger.Error("presign avatar upload failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create upload URL")
		return
	}

	if err := h.directory.SetAvatarURL(r.Context(), userID, avatarURL); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"upload_url": uploadURL,
		"avatar_url": avatarURL,
	})
}
