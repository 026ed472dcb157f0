package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/openauth-dev/connect/internal/auth"
	"github.com/openauth-dev/connect/internal/metrics"
	"github.com/openauth-dev/connect/internal/session"
)

// FlowHandler serves the single external-login entry point. Initiation,
// provider aborts and the code callback all arrive on the same route and are
// told apart by their query parameters.
type FlowHandler struct {
	flow     *auth.Flow
	sessions session.Store
	logger   *zap.Logger
	secure   bool
}

// NewFlowHandler creates a FlowHandler.
func NewFlowHandler(flow *auth.Flow, sessions session.Store, logger *zap.Logger, secure bool) *FlowHandler {
	return &FlowHandler{flow: flow, sessions: sessions, logger: logger, secure: secure}
}

// Authenticate handles GET /auth/openauth.
//
// Whatever went wrong, the client sees one generic failure message with a
// correlation id; the actual cause is only logged. The only distinction the
// status code makes is 409 for an identity already claimed by another
// account, since the frontend renders that case differently.
func (h *FlowHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	sid := sessionIDFromCtx(r.Context())
	current := userFromCtx(r.Context())

	result, err := h.flow.Run(r.Context(), sid, current, r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// A callback that signed the user in retires the pre-login session id.
	if outcomeFor(result.Redirect) == "login" {
		rotateSession(w, r, h.sessions, h.secure)
	}

	metrics.RecordFlowOutcome(outcomeFor(result.Redirect))
	http.Redirect(w, r, result.Redirect, http.StatusFound)
}

func (h *FlowHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetReqID(r.Context())

	h.logger.Warn("external login failed",
		zap.String("request_id", reqID),
		zap.Error(err))

	status := http.StatusBadGateway
	code := "connection_failed"
	switch {
	case errors.Is(err, auth.ErrConflict):
		status = http.StatusConflict
		code = "conflict"
		metrics.RecordFlowOutcome("conflict")
	case errors.Is(err, auth.ErrStateValidation), errors.Is(err, auth.ErrProviderRejected):
		status = http.StatusBadRequest
		metrics.RecordFlowOutcome("rejected")
	default:
		metrics.RecordFlowOutcome("error")
	}

	JSON(w, status, envelope{
		"error": errorResponse{
			Message:   "Connecting your account failed. Please try again.",
			Code:      code,
			Reference: reqID,
		},
	})
}

// outcomeFor classifies a successful flow result for instrumentation.
func outcomeFor(redirect string) string {
	switch redirect {
	case "/":
		return "login"
	case "/register":
		return "registration"
	case "/account#openauth":
		return "link_pending"
	default:
		return "initiated"
	}
}
