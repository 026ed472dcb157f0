package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openauth-dev/connect/internal/db"
	"github.com/openauth-dev/connect/internal/repository"
	"github.com/openauth-dev/connect/internal/session"
)

// AvatarInvalidator removes any cached copy of a remote avatar. Satisfied by
// *avatar.Cache; kept as a local interface so the resolver does not depend on
// the cache package.
type AvatarInvalidator interface {
	Invalidate(remoteURL string) error
}

// PendingLink is the session-scoped record of a verified external identity
// waiting for the signed-in user to confirm the connection from their
// account settings.
type PendingLink struct {
	Identity Identity `json:"identity"`
}

// PendingRegistration is the session-scoped handoff into the registration
// form for a verified identity that matches no existing account.
type PendingRegistration struct {
	Identity          Identity `json:"identity"`
	SuggestedUsername string   `json:"suggestedUsername"`
	SuggestedEmail    string   `json:"suggestedEmail"`

	// SkipCaptcha is always true for externally verified registrants.
	SkipCaptcha bool `json:"skipCaptcha"`
}

// Registration carries the fields submitted on the registration form when a
// pending external registration is completed. The profile fields are
// optional; whatever the form leaves empty gets filled from the provider's
// claims, never the other way around.
type Registration struct {
	Username string
	Email    string
	Password string

	Website    string
	Location   string
	Occupation string
	Hobbies    string
	AboutMe    string
	Birthday   string
	Gender     string
}

// Resolver decides what a verified external identity means for the current
// session and performs the resulting account writes. The decision is a
// four-way split on (session authenticated?, identity already linked?):
//
//	anonymous, linked        → sign the linked account in
//	authenticated, linked    → same account: no-op; different: conflict
//	authenticated, unlinked  → stage a pending link for confirmation
//	anonymous, unlinked      → hand off to registration
type Resolver struct {
	users    repository.UserRepository
	sessions session.Store
	avatars  AvatarInvalidator
	logger   *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(users repository.UserRepository, sessions session.Store, avatars AvatarInvalidator, logger *zap.Logger) *Resolver {
	return &Resolver{
		users:    users,
		sessions: sessions,
		avatars:  avatars,
		logger:   logger.Named("resolver"),
	}
}

// Resolve maps a verified identity onto the four flow outcomes and returns
// the redirect the caller should issue.
func (r *Resolver) Resolve(ctx context.Context, sessionID string, identity Identity, current *db.User) (*Result, error) {
	linked, err := r.users.GetByExternalAuthKey(ctx, identity.AuthKey())
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("auth: looking up linked account: %w", err)
	}

	switch {
	case current == nil && linked != nil:
		return r.login(ctx, sessionID, identity, linked)

	case current != nil && linked != nil:
		if linked.ID == current.ID {
			// Re-authenticating an identity already linked to the very
			// account that is signed in changes nothing.
			return &Result{Redirect: "/account#openauth"}, nil
		}
		return nil, fmt.Errorf("%w: identity linked to another account", ErrConflict)

	case current != nil:
		if err := session.Put(ctx, r.sessions, sessionID, session.KeyPendingLink, PendingLink{Identity: identity}); err != nil {
			return nil, fmt.Errorf("auth: staging pending link: %w", err)
		}
		return &Result{Redirect: "/account#openauth"}, nil

	default:
		pending := PendingRegistration{
			Identity:          identity,
			SuggestedUsername: identity.Claim("nickname"),
			SuggestedEmail:    identity.Claim("email"),
			SkipCaptcha:       true,
		}
		if err := session.Put(ctx, r.sessions, sessionID, session.KeyPendingRegistration, pending); err != nil {
			return nil, fmt.Errorf("auth: staging pending registration: %w", err)
		}
		return &Result{Redirect: "/register"}, nil
	}
}

// login signs the linked account into the session and refreshes the remote
// avatar reference when the provider supplied one.
func (r *Resolver) login(ctx context.Context, sessionID string, identity Identity, user *db.User) (*Result, error) {
	if err := session.Put(ctx, r.sessions, sessionID, session.KeyUserID, user.ID.String()); err != nil {
		return nil, fmt.Errorf("auth: writing session login: %w", err)
	}

	fields := map[string]any{"last_login_at": time.Now()}
	if picture := identity.Claim("picture"); picture != "" && picture != user.AvatarRemoteURL {
		fields["avatar_remote_url"] = picture
		fields["avatar_enabled"] = true
	}
	if err := r.users.PatchFields(ctx, user.ID, fields); err != nil {
		return nil, fmt.Errorf("auth: recording login: %w", err)
	}

	r.logger.Info("external login", zap.String("userID", user.ID.String()))
	return &Result{Redirect: "/"}, nil
}

// ConfirmLink writes the staged identity onto the signed-in account. The
// pending entry is consumed whether or not the write succeeds.
func (r *Resolver) ConfirmLink(ctx context.Context, sessionID string, current *db.User) error {
	pending, ok, err := session.Fetch[PendingLink](ctx, r.sessions, sessionID, session.KeyPendingLink)
	_ = r.sessions.Unregister(ctx, sessionID, session.KeyPendingLink)
	if err != nil {
		return fmt.Errorf("auth: reading pending link: %w", err)
	}
	if !ok {
		return ErrNoPendingLink
	}

	fields := map[string]any{"external_auth_key": pending.Identity.AuthKey()}
	if picture := pending.Identity.Claim("picture"); picture != "" {
		fields["avatar_remote_url"] = picture
		fields["avatar_enabled"] = true
	}
	if err := r.users.PatchFields(ctx, current.ID, fields); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%w: identity linked to another account", ErrConflict)
		}
		return fmt.Errorf("auth: linking account: %w", err)
	}

	r.logger.Info("account linked", zap.String("userID", current.ID.String()))
	return nil
}

// Disconnect severs the link between the account and its external identity.
// The remote avatar reference and its enable flag are dropped with it, and
// the cached copy, if any, is deleted eagerly rather than left to expire. A
// later sign-in or re-link with a picture claim enables the avatar again.
func (r *Resolver) Disconnect(ctx context.Context, current *db.User) error {
	if current.ExternalAuthKey == nil {
		return ErrNotLinked
	}

	remoteURL := current.AvatarRemoteURL
	fields := map[string]any{
		"external_auth_key": nil,
		"avatar_remote_url": "",
		"avatar_enabled":    false,
	}
	if err := r.users.PatchFields(ctx, current.ID, fields); err != nil {
		return fmt.Errorf("auth: disconnecting account: %w", err)
	}

	if remoteURL != "" {
		if err := r.avatars.Invalidate(remoteURL); err != nil {
			r.logger.Warn("cached avatar not removed", zap.Error(err))
		}
	}

	r.logger.Info("account disconnected", zap.String("userID", current.ID.String()))
	return nil
}

// CompleteRegistration creates an account for a staged external registrant.
// Profile claims are imported only into fields the form left empty, and the
// account is activated without email verification only when the provider
// vouched for the very address the registrant entered.
func (r *Resolver) CompleteRegistration(ctx context.Context, sessionID string, reg Registration) (*db.User, error) {
	pending, ok, err := session.Fetch[PendingRegistration](ctx, r.sessions, sessionID, session.KeyPendingRegistration)
	if err != nil {
		return nil, fmt.Errorf("auth: reading pending registration: %w", err)
	}
	if !ok {
		return nil, ErrNoPendingRegistration
	}

	hash, err := HashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("auth: hashing password: %w", err)
	}

	authKey := pending.Identity.AuthKey()
	user := &db.User{
		Username:        reg.Username,
		Email:           reg.Email,
		Password:        db.EncryptedString(hash),
		ExternalAuthKey: &authKey,
		AvatarEnabled:   true,
		AvatarRemoteURL: pending.Identity.Claim("picture"),
		Activated:       emailVouched(pending.Identity, reg.Email),
		Website:         reg.Website,
		Location:        reg.Location,
		Occupation:      reg.Occupation,
		Hobbies:         reg.Hobbies,
		AboutMe:         reg.AboutMe,
		Birthday:        reg.Birthday,
		Gender:          reg.Gender,
	}
	applyProfileClaims(user, pending.Identity)

	if err := r.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: username or email taken", ErrConflict)
		}
		return nil, fmt.Errorf("auth: creating account: %w", err)
	}

	// Consume the handoff and sign the fresh account in.
	_ = r.sessions.Unregister(ctx, sessionID, session.KeyPendingRegistration)
	if err := session.Put(ctx, r.sessions, sessionID, session.KeyUserID, user.ID.String()); err != nil {
		return nil, fmt.Errorf("auth: writing session login: %w", err)
	}

	r.logger.Info("external registration completed", zap.String("userID", user.ID.String()))
	return user, nil
}

// emailVouched reports whether the provider confirmed ownership of exactly
// the address the registrant entered. The provider signals a verified
// address by repeating it in the email_verified claim.
func emailVouched(identity Identity, entered string) bool {
	email := identity.Claim("email")
	return email != "" && email == identity.Claim("email_verified") && email == entered
}

// applyProfileClaims copies optional profile claims into the user record,
// touching only fields that are still empty.
func applyProfileClaims(user *db.User, identity Identity) {
	set := func(dst *string, claim string) {
		if *dst == "" {
			*dst = identity.Claim(claim)
		}
	}
	set(&user.Website, "website")
	set(&user.Location, "location")
	set(&user.Occupation, "occupation")
	set(&user.Hobbies, "hobbies")
	set(&user.AboutMe, "aboutMe")
	set(&user.Birthday, "birthdate")
	set(&user.Gender, "gender")
}
