package auth

import "errors"

// Sentinel errors returned by the OAuth flow and the identity link resolver.
// Callers should use errors.Is for comparison.
//
// The HTTP layer collapses all of these into a single user-facing "connection
// failed" message; the distinguishing kind is logged together with an opaque
// correlation id, never shown to the end user.
var (
	// ErrConfiguration is returned when the provider metadata is unavailable
	// or incomplete (missing endpoint, missing scopes). Operator-fixable.
	ErrConfiguration = errors.New("auth: provider not configured")

	// ErrStateValidation is returned when the callback's state parameter is
	// absent, does not match the stored token, or the token was already
	// consumed. Likely a replay, a forged callback, or an expired session.
	ErrStateValidation = errors.New("auth: state validation failed")

	// ErrInvalidToken is returned when the token exchange yields an empty
	// or missing access token.
	ErrInvalidToken = errors.New("auth: provider returned no usable token")

	// ErrInvalidProfile is returned when the userinfo document lacks a
	// subject claim.
	ErrInvalidProfile = errors.New("auth: provider returned no usable profile")

	// ErrConflict is returned when the external identity is already bound to
	// a different local account than the one currently authenticated.
	ErrConflict = errors.New("auth: identity already linked to another account")

	// ErrProviderRejected is returned when the provider redirects back with
	// an error parameter instead of an authorization code.
	ErrProviderRejected = errors.New("auth: provider rejected the authorization request")

	// ErrTransport is returned (in debug mode only) when a remote call to
	// the provider fails at the transport level.
	ErrTransport = errors.New("auth: provider request failed")

	// ErrNoPendingLink is returned when a link confirmation arrives without
	// a pending external identity in the session.
	ErrNoPendingLink = errors.New("auth: no pending identity to link")

	// ErrNoPendingRegistration is returned when a registration submission
	// arrives without a staged external registrant in the session.
	ErrNoPendingRegistration = errors.New("auth: no pending registration")

	// ErrNotLinked is returned when a disconnect is requested for an account
	// that has no external identity attached.
	ErrNotLinked = errors.New("auth: account is not linked")
)
