// Package oauthapi performs the server-side calls of the authorization-code
// flow: exchanging the one-time code for an access token and fetching the
// userinfo document with it.
package oauthapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/openauth-dev/connect/internal/discovery"
	"github.com/openauth-dev/connect/internal/metrics"
)

// requestTimeout bounds every remote call made by this client.
const requestTimeout = 10 * time.Second

// ErrNotConfigured is returned when the provider metadata does not expose
// the endpoint a call needs. Operator-fixable: the provider is either not
// configured or unreachable.
var ErrNotConfigured = errors.New("oauthapi: provider endpoint not configured")

// Client talks to the identity provider's token and userinfo endpoints,
// resolving their URLs through the discovery client on every call.
//
// Failure handling is deliberately asymmetric between production and
// development: by default a non-200 response or transport failure is
// swallowed into an empty result (and logged), so provider internals never
// leak to end users. With Debug set the underlying error propagates to the
// caller. This is a configuration switch, not a hard failure mode.
type Client struct {
	disc         *discovery.Client
	clientID     string
	clientSecret string
	redirectURI  string
	debug        bool
	http         *http.Client
	logger       *zap.Logger
}

// Config carries the constructor parameters for Client.
type Config struct {
	Discovery    *discovery.Client
	ClientID     string
	ClientSecret string

	// RedirectURI is the fixed callback URL registered with the provider.
	RedirectURI string

	// Debug propagates remote errors to callers instead of swallowing them.
	Debug bool

	Logger *zap.Logger
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg Config) *Client {
	return &Client{
		disc:         cfg.Discovery,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		debug:        cfg.Debug,
		http:         &http.Client{Timeout: requestTimeout},
		logger:       cfg.Logger.Named("oauthapi"),
	}
}

// ExchangeCode posts the authorization code to the token endpoint and returns
// the access token. Returns ErrNotConfigured when the token endpoint is
// unavailable. A swallowed remote failure yields ("", nil); the caller treats
// an empty token as invalid.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	tokenEndpoint, ok := c.disc.TokenEndpoint(ctx)
	if !ok {
		return "", ErrNotConfigured
	}

	cfg := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  c.redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL: tokenEndpoint,
			// The provider expects client credentials in the request body,
			// not via HTTP basic auth.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		metrics.RecordProviderRequest("token", "error")
		if c.debug {
			return "", fmt.Errorf("oauthapi: exchanging code: %w", err)
		}
		c.logger.Warn("token exchange failed", zap.Error(err))
		return "", nil
	}

	metrics.RecordProviderRequest("token", "ok")
	return token.AccessToken, nil
}

// UserInfo posts to the userinfo endpoint with the given bearer token and
// returns the profile claims as strings. Returns ErrNotConfigured when the
// userinfo endpoint is unavailable. A swallowed remote failure yields an
// empty map; the caller treats a missing subject claim as an invalid profile.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]string, error) {
	userinfoEndpoint, ok := c.disc.UserinfoEndpoint(ctx)
	if !ok {
		return nil, ErrNotConfigured
	}

	// oauth2.NewClient wraps our bounded-timeout client with a transport
	// that injects the Authorization: Bearer header.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, userinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("oauthapi: building userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := authed.Do(req)
	if err != nil {
		metrics.RecordProviderRequest("userinfo", "error")
		if c.debug {
			return nil, fmt.Errorf("oauthapi: fetching userinfo: %w", err)
		}
		c.logger.Warn("userinfo fetch failed", zap.Error(err))
		return map[string]string{}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordProviderRequest("userinfo", "error")
		err := fmt.Errorf("oauthapi: userinfo endpoint returned %d", resp.StatusCode)
		if c.debug {
			return nil, err
		}
		c.logger.Warn("userinfo fetch failed", zap.Error(err))
		return map[string]string{}, nil
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		if c.debug {
			return nil, fmt.Errorf("oauthapi: decoding userinfo: %w", err)
		}
		c.logger.Warn("userinfo decode failed", zap.Error(err))
		return map[string]string{}, nil
	}

	metrics.RecordProviderRequest("userinfo", "ok")
	return stringifyClaims(raw), nil
}

// stringifyClaims flattens a decoded userinfo document into string claims.
// Nested objects and arrays are dropped — the flow only consumes scalar
// claims (sub, email, picture, profile fields).
func stringifyClaims(raw map[string]any) map[string]string {
	claims := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			claims[k] = val
		case bool:
			claims[k] = strconv.FormatBool(val)
		case float64:
			claims[k] = strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return claims
}
