package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/openauth-dev/connect/internal/auth"
	"github.com/openauth-dev/connect/internal/db"
	"github.com/openauth-dev/connect/internal/metrics"
	"github.com/openauth-dev/connect/internal/repository"
	"github.com/openauth-dev/connect/internal/session"
)

// AccountHandler serves the confirmation side of identity linking: the
// explicit link/unlink actions in account settings and the registration
// completion for handed-off external identities.
type AccountHandler struct {
	resolver *auth.Resolver
	users    repository.UserRepository
	sessions session.Store
	logger   *zap.Logger
	secure   bool
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(resolver *auth.Resolver, users repository.UserRepository, sessions session.Store, logger *zap.Logger, secure bool) *AccountHandler {
	return &AccountHandler{resolver: resolver, users: users, sessions: sessions, logger: logger, secure: secure}
}

// userResponse is the public shape of a user record.
type userResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Activated bool   `json:"activated"`
	Linked    bool   `json:"linked"`
}

func toUserResponse(u *db.User) userResponse {
	return userResponse{
		ID:        u.ID.String(),
		Username:  u.Username,
		Email:     u.Email,
		Activated: u.Activated,
		Linked:    u.ExternalAuthKey != nil,
	}
}

// Link handles POST /account/link. It commits the identity staged by an
// earlier flow callback onto the signed-in account.
func (h *AccountHandler) Link(w http.ResponseWriter, r *http.Request) {
	user := userFromCtx(r.Context())

	err := h.resolver.ConfirmLink(r.Context(), sessionIDFromCtx(r.Context()), user)
	switch {
	case err == nil:
		NoContent(w)
	case errors.Is(err, auth.ErrNoPendingLink):
		ErrBadRequest(w, "no pending identity to link")
	case errors.Is(err, auth.ErrConflict):
		ErrConflict(w, "this identity is already linked to another account")
	default:
		h.logger.Error("confirming link", zap.Error(err))
		ErrInternal(w)
	}
}

// Unlink handles POST /account/unlink.
func (h *AccountHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	user := userFromCtx(r.Context())

	err := h.resolver.Disconnect(r.Context(), user)
	switch {
	case err == nil:
		NoContent(w)
	case errors.Is(err, auth.ErrNotLinked):
		ErrBadRequest(w, "account is not linked")
	default:
		h.logger.Error("disconnecting account", zap.Error(err))
		ErrInternal(w)
	}
}

// registerRequest is the body of POST /register. The profile fields are
// optional; empty ones are filled from the staged identity's claims.
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`

	Website    string `json:"website,omitempty"`
	Location   string `json:"location,omitempty"`
	Occupation string `json:"occupation,omitempty"`
	Hobbies    string `json:"hobbies,omitempty"`
	AboutMe    string `json:"aboutMe,omitempty"`
	Birthday   string `json:"birthday,omitempty"`
	Gender     string `json:"gender,omitempty"`
}

// Register handles POST /register. It only serves sessions holding a staged
// external registration; ordinary sign-up lives elsewhere.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	switch {
	case req.Username == "":
		ErrUnprocessable(w, "username is required")
		return
	case req.Email == "":
		ErrUnprocessable(w, "email is required")
		return
	case len(req.Password) < 8:
		ErrUnprocessable(w, "password must be at least 8 characters")
		return
	}

	// Pre-check both identifiers so the form can point at the offending
	// field. The unique constraints still catch a losing race; that path
	// answers with the generic conflict below.
	taken, err := h.identifierTaken(r.Context(), req.Username, req.Email)
	if err != nil {
		h.logger.Error("checking registration identifiers", zap.Error(err))
		ErrInternal(w)
		return
	}
	if taken != "" {
		ErrConflict(w, "this "+taken+" is already registered")
		return
	}

	user, err := h.resolver.CompleteRegistration(r.Context(), sessionIDFromCtx(r.Context()), auth.Registration{
		Username:   req.Username,
		Email:      req.Email,
		Password:   req.Password,
		Website:    req.Website,
		Location:   req.Location,
		Occupation: req.Occupation,
		Hobbies:    req.Hobbies,
		AboutMe:    req.AboutMe,
		Birthday:   req.Birthday,
		Gender:     req.Gender,
	})
	switch {
	case err == nil:
		// Registration signs the new account in under a fresh session id.
		rotateSession(w, r, h.sessions, h.secure)
		metrics.RecordFlowOutcome("registered")
		Created(w, toUserResponse(user))
	case errors.Is(err, auth.ErrNoPendingRegistration):
		ErrBadRequest(w, "no pending registration in this session")
	case errors.Is(err, auth.ErrConflict):
		ErrConflict(w, "username or email already taken")
	default:
		h.logger.Error("completing registration", zap.Error(err))
		ErrInternal(w)
	}
}

// identifierTaken reports which registration identifier, "username" or
// "email", already belongs to an existing account. Empty means both are
// free.
func (h *AccountHandler) identifierTaken(ctx context.Context, username, email string) (string, error) {
	if _, err := h.users.GetByUsername(ctx, username); err == nil {
		return "username", nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	if _, err := h.users.GetByEmail(ctx, email); err == nil {
		return "email", nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	return "", nil
}

// Me handles GET /account/me, returning the signed-in user.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	Ok(w, toUserResponse(userFromCtx(r.Context())))
}
