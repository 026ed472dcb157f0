package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/openauth-dev/connect/internal/db"
	"github.com/openauth-dev/connect/internal/discovery"
	"github.com/openauth-dev/connect/internal/oauthapi"
	"github.com/openauth-dev/connect/internal/session"
)

// Result is the outcome of a flow step or a resolver decision: the target
// the user agent should be redirected to next.
type Result struct {
	Redirect string
}

// Flow drives the three legs of the authorization-code flow. A single entry
// point serves all three, selected by the query parameters present:
//
//	no code, no error  → initiate: mint state, redirect to the provider
//	error present      → abort: surface the provider-supplied error
//	code present       → callback: verify state, exchange, resolve identity
//
// Flow owns the state-token lifecycle and produces a verified Identity; all
// account-linking writes are delegated to the Resolver so they have exactly
// one owner.
type Flow struct {
	disc        *discovery.Client
	profile     *oauthapi.Client
	resolver    *Resolver
	sessions    session.Store
	clientID    string
	redirectURI string
	logger      *zap.Logger
}

// FlowConfig carries the constructor parameters for Flow.
type FlowConfig struct {
	Discovery *discovery.Client
	Profile   *oauthapi.Client
	Resolver  *Resolver
	Sessions  session.Store
	ClientID  string

	// RedirectURI is the fixed callback URL registered with the provider.
	RedirectURI string

	Logger *zap.Logger
}

// NewFlow creates a Flow with the given dependencies.
func NewFlow(cfg FlowConfig) *Flow {
	return &Flow{
		disc:        cfg.Discovery,
		profile:     cfg.Profile,
		resolver:    cfg.Resolver,
		sessions:    cfg.Sessions,
		clientID:    cfg.ClientID,
		redirectURI: cfg.RedirectURI,
		logger:      cfg.Logger.Named("flow"),
	}
}

// Run executes one flow step for the given session and query parameters.
// current is the user currently authenticated in this session, or nil.
func (f *Flow) Run(ctx context.Context, sessionID string, current *db.User, query url.Values) (*Result, error) {
	switch {
	case query.Get("code") != "":
		return f.callback(ctx, sessionID, current, query)
	case query.Get("error") != "":
		return nil, fmt.Errorf("%w: %s", ErrProviderRejected, query.Get("error"))
	default:
		return f.initiate(ctx, sessionID)
	}
}

// initiate starts a new flow: it requires both the supported scopes and the
// authorization endpoint from discovery (failing with ErrConfiguration when
// either is unavailable — a redirect to a blank endpoint is never issued),
// stores a fresh state token in the session, and computes the authorization
// URI the caller should redirect to.
func (f *Flow) initiate(ctx context.Context, sessionID string) (*Result, error) {
	scopes, ok := f.disc.ScopesSupported(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: scopes unavailable", ErrConfiguration)
	}

	endpoint, ok := f.disc.AuthorizationEndpoint(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: authorization endpoint unavailable", ErrConfiguration)
	}

	token, err := NewStateToken()
	if err != nil {
		return nil, err
	}

	if err := session.Put(ctx, f.sessions, sessionID, session.KeyOAuthState, StateToken{Token: token}); err != nil {
		return nil, fmt.Errorf("auth: storing state token: %w", err)
	}

	cfg := &oauth2.Config{
		ClientID:    f.clientID,
		RedirectURL: f.redirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: endpoint},
		Scopes:      scopes,
	}

	return &Result{Redirect: cfg.AuthCodeURL(token)}, nil
}

// callback completes the flow. State verification is unconditional and
// happens before any other side effect; only then is the code exchanged and
// the profile fetched, and the verified identity handed to the resolver.
func (f *Flow) callback(ctx context.Context, sessionID string, current *db.User, query url.Values) (*Result, error) {
	if err := f.consumeState(ctx, sessionID, query.Get("state")); err != nil {
		return nil, err
	}

	accessToken, err := f.profile.ExchangeCode(ctx, query.Get("code"))
	if err != nil {
		return nil, mapRemoteError(err)
	}
	if accessToken == "" {
		return nil, ErrInvalidToken
	}

	claims, err := f.profile.UserInfo(ctx, accessToken)
	if err != nil {
		return nil, mapRemoteError(err)
	}
	if claims["sub"] == "" {
		return nil, ErrInvalidProfile
	}

	identity := NewIdentity(claims)
	f.logger.Info("external identity verified", zap.String("subject", identity.Subject))

	return f.resolver.Resolve(ctx, sessionID, identity, current)
}

// consumeState verifies the presented state parameter against the stored
// token. The stored token is deleted regardless of the outcome — one shot,
// no replay — and the comparison is constant-time.
func (f *Flow) consumeState(ctx context.Context, sessionID, presented string) error {
	stored, ok, err := session.Fetch[StateToken](ctx, f.sessions, sessionID, session.KeyOAuthState)

	// Burn the stored token before evaluating the match. A failed deletion
	// is deliberately ignored: the entry expires on its own and failing the
	// whole callback over it would help nobody.
	_ = f.sessions.Unregister(ctx, sessionID, session.KeyOAuthState)

	if err != nil {
		return fmt.Errorf("auth: reading state token: %w", err)
	}
	if presented == "" {
		return fmt.Errorf("%w: missing state parameter", ErrStateValidation)
	}
	if !ok {
		return fmt.Errorf("%w: no state in session", ErrStateValidation)
	}
	if !stateTokensEqual(stored.Token, presented) {
		return fmt.Errorf("%w: mismatching state", ErrStateValidation)
	}
	return nil
}

// mapRemoteError translates oauthapi errors into the flow taxonomy.
func mapRemoteError(err error) error {
	if errors.Is(err, oauthapi.ErrNotConfigured) {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
