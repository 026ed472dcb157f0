package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/openauth-dev/connect/internal/auth"
	"github.com/openauth-dev/connect/internal/avatar"
	"github.com/openauth-dev/connect/internal/metrics"
	"github.com/openauth-dev/connect/internal/repository"
	"github.com/openauth-dev/connect/internal/session"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Flow     *auth.Flow
	Resolver *auth.Resolver
	Avatars  *avatar.Cache

	Users    repository.UserRepository
	Sessions session.Store

	Logger *zap.Logger

	// Secure controls whether the session cookie is set with the Secure
	// flag. Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// error references for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	flowHandler := NewFlowHandler(cfg.Flow, cfg.Sessions, cfg.Logger, cfg.Secure)
	avatarHandler := NewAvatarHandler(cfg.Avatars, cfg.Users, cfg.Logger)
	accountHandler := NewAccountHandler(cfg.Resolver, cfg.Users, cfg.Sessions, cfg.Logger, cfg.Secure)

	// Operational endpoints stay outside the session machinery.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(EnsureSession(cfg.Secure))
		r.Use(CurrentUser(cfg.Sessions, cfg.Users, cfg.Logger))

		// The external login entry point. Initiation, provider aborts and
		// the code callback all land here.
		r.Get("/auth/openauth", flowHandler.Authenticate)

		// Registration completion for handed-off external identities.
		r.Post("/register", accountHandler.Register)

		// Avatars are public; the handler falls back to the placeholder.
		r.Get("/avatars/{userID}", avatarHandler.Get)

		// --- Authenticated routes ---
		r.Group(func(r chi.Router) {
			r.Use(RequireUser)

			r.Get("/account/me", accountHandler.Me)
			r.Post("/account/link", accountHandler.Link)
			r.Post("/account/unlink", accountHandler.Unlink)
		})
	})

	return r
}
