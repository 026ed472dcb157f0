package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openauth-dev/connect/internal/db"
	"github.com/openauth-dev/connect/internal/repository"
	"github.com/openauth-dev/connect/internal/session"
)

// sessionCookieName is the cookie carrying the opaque session id.
const sessionCookieName = "connect_session"

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeySession holds the session id assigned by EnsureSession.
	contextKeySession contextKey = iota

	// contextKeyUser holds the *db.User resolved by CurrentUser, if any.
	contextKeyUser
)

// EnsureSession guarantees every request carries a session id. A missing
// cookie, or one whose value was never minted by NewID, gets a fresh id set
// back on the response so the flow's state token survives the round trip to
// the provider.
func EnsureSession(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sid string
			if cookie, err := r.Cookie(sessionCookieName); err == nil && session.ValidID(cookie.Value) {
				sid = cookie.Value
			} else {
				sid = session.NewID()
				setSessionCookie(w, sid, secure)
			}

			ctx := context.WithValue(r.Context(), contextKeySession, sid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// setSessionCookie issues the session cookie for sid.
func setSessionCookie(w http.ResponseWriter, sid string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sid,
		Path:     "/",
		MaxAge:   int(session.Lifetime.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// rotateSession moves the signed-in marker onto a freshly minted session id
// and reissues the cookie. Called right after login and registration so an
// id the browser carried before authenticating never names an authenticated
// session. If the marker cannot be carried over, the old id stays in place
// rather than dropping the login.
func rotateSession(w http.ResponseWriter, r *http.Request, sessions session.Store, secure bool) {
	ctx := r.Context()
	old := sessionIDFromCtx(ctx)

	raw, ok, err := sessions.Get(ctx, old, session.KeyUserID)
	if err != nil || !ok {
		return
	}

	fresh := session.NewID()
	if err := sessions.Register(ctx, fresh, session.KeyUserID, raw); err != nil {
		return
	}
	_ = sessions.Unregister(ctx, old, session.KeyUserID)
	setSessionCookie(w, fresh, secure)
}

// CurrentUser resolves the signed-in user for the session, if any, and
// stores it in the request context. Anonymous requests pass straight
// through; a stale user id in the session is treated as anonymous.
func CurrentUser(sessions session.Store, users repository.UserRepository, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid := sessionIDFromCtx(r.Context())

			raw, ok, err := session.Fetch[string](r.Context(), sessions, sid, session.KeyUserID)
			if err != nil {
				logger.Error("reading session login", zap.Error(err))
				ErrInternal(w)
				return
			}
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			id, err := uuid.Parse(raw)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			user, err := users.GetByID(r.Context(), id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					next.ServeHTTP(w, r)
					return
				}
				logger.Error("loading session user", zap.Error(err))
				ErrInternal(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects anonymous requests with a 401. Must run after
// CurrentUser in the chain.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFromCtx(r.Context()) == nil {
			ErrUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// sessionIDFromCtx retrieves the session id stored by EnsureSession.
func sessionIDFromCtx(ctx context.Context) string {
	sid, _ := ctx.Value(contextKeySession).(string)
	return sid
}

// userFromCtx retrieves the user stored by CurrentUser. Returns nil for
// anonymous requests.
func userFromCtx(ctx context.Context) *db.User {
	user, _ := ctx.Value(contextKeyUser).(*db.User)
	return user
}
