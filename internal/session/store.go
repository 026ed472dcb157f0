// Package session implements the per-browsing-session transient store used
// by the OAuth flow. Each session is identified by an opaque cookie value and
// holds named entries (the CSRF state token, the current user id, pending
// link and registration contexts) that survive across the redirect round-trip
// to the identity provider.
//
// Three backends exist: a database-backed store (values encrypted at rest),
// a Redis store, and an in-memory store for tests and single-process setups.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Lifetime is how long a session entry survives without being consumed.
// It bounds both the Redis TTL and the expiry column of the database store.
const Lifetime = 24 * time.Hour

// Well-known entry keys. The double underscore prefix marks entries owned by
// the OAuth flow rather than the host application.
const (
	// KeyOAuthState holds the one-shot CSRF state token between flow
	// initiation and the provider callback.
	KeyOAuthState = "__openauth_state"

	// KeyUserID holds the id of the authenticated user, if any.
	KeyUserID = "user_id"

	// KeyPendingLink holds the external identity awaiting an explicit
	// "connect" confirmation in account settings.
	KeyPendingLink = "__openauth_pending_link"

	// KeyPendingRegistration holds the registration handoff context consumed
	// by the registration form.
	KeyPendingRegistration = "__openauth_pending_registration"
)

// Store is the transient key/value store scoped to one browsing session.
// Values are opaque bytes; callers use Put and Fetch for typed access.
//
// Get reports (nil, false, nil) for a missing or expired entry — absence is
// an ordinary condition, not an error.
type Store interface {
	Register(ctx context.Context, sessionID, key string, value []byte) error
	Get(ctx context.Context, sessionID, key string) ([]byte, bool, error)
	Unregister(ctx context.Context, sessionID, key string) error
}

// Put JSON-encodes v and registers it under key.
func Put[T any](ctx context.Context, s Store, sessionID, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encoding %q: %w", key, err)
	}
	return s.Register(ctx, sessionID, key, data)
}

// Fetch retrieves and JSON-decodes the entry under key.
// The second return value reports whether the entry was present.
func Fetch[T any](ctx context.Context, s Store, sessionID, key string) (T, bool, error) {
	var v T
	data, ok, err := s.Get(ctx, sessionID, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("session: decoding %q: %w", key, err)
	}
	return v, true, nil
}

// NewID mints a new session identifier: 32 random bytes, base64url-encoded.
// Panics if the system's secure random source is unavailable — running
// without one is a fatal deployment error, not a condition to degrade over.
func NewID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("session: secure random source unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// ValidID reports whether s is a well-formed session identifier as minted by
// NewID. Cookie values that fail this check were never issued by the server
// and must not be adopted as session ids.
func ValidID(s string) bool {
	b, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil && len(b) == 32
}
