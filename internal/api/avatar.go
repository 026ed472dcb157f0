package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openauth-dev/connect/internal/avatar"
	"github.com/openauth-dev/connect/internal/metrics"
	"github.com/openauth-dev/connect/internal/repository"
)

// AvatarHandler serves user avatars through the local cache.
type AvatarHandler struct {
	cache  *avatar.Cache
	users  repository.UserRepository
	logger *zap.Logger
}

// NewAvatarHandler creates an AvatarHandler.
func NewAvatarHandler(cache *avatar.Cache, users repository.UserRepository, logger *zap.Logger) *AvatarHandler {
	return &AvatarHandler{cache: cache, users: users, logger: logger}
}

// Get handles GET /avatars/{userID}. Users without a usable remote avatar
// get the placeholder; the endpoint never 404s for an existing user so that
// <img> tags can point at it unconditionally.
func (h *AvatarHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		ErrBadRequest(w, "invalid user id")
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("loading avatar owner", zap.Error(err))
		ErrInternal(w)
		return
	}

	if !user.AvatarEnabled || user.AvatarRemoteURL == "" {
		metrics.RecordAvatarRequest("fallback")
		h.serve(w, r, avatar.Default())
		return
	}

	h.serve(w, r, h.cache.Fetch(r.Context(), user.ID, user.AvatarRemoteURL))
}

func (h *AvatarHandler) serve(w http.ResponseWriter, r *http.Request, av *avatar.Avatar) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if av.Path != "" {
		w.Header().Set("Content-Type", av.ContentType)
		http.ServeFile(w, r, av.Path)
		return
	}
	w.Header().Set("Content-Type", av.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(av.Data)
}
