// Package discovery fetches and memoizes the identity provider's OAuth
// endpoint metadata document.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openauth-dev/connect/internal/metrics"
)

// fetchTimeout bounds the metadata request. A timeout is treated like any
// other transport failure: the document stays unavailable for this request.
const fetchTimeout = 10 * time.Second

// document is the subset of the provider metadata this service consumes.
type document struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	ScopesSupported       []string `json:"scopes_supported"`
}

// Client retrieves the provider's endpoint metadata and memoizes it for the
// lifetime of the process — picking up provider-side changes requires a
// restart. A failed fetch is not memoized, so a provider outage during
// startup does not wedge the service until restart.
//
// Accessors report missing endpoints as unavailable rather than failing, so
// callers can apply their configuration-error policy uniformly.
//
// Client is constructed explicitly and injected where needed; it holds no
// process-global state beyond its own cache field.
type Client struct {
	metadataURL string
	http        *http.Client
	logger      *zap.Logger

	mu  sync.Mutex
	doc *document
}

// NewClient creates a discovery client for the given provider base URL and
// client id. The metadata document is expected at
// <base>/open-id-configuration?clientID=<id>.
func NewClient(providerURL, clientID string, logger *zap.Logger) *Client {
	return &Client{
		metadataURL: fmt.Sprintf("%s/open-id-configuration?clientID=%s",
			providerURL, url.QueryEscape(clientID)),
		http:   &http.Client{Timeout: fetchTimeout},
		logger: logger.Named("discovery"),
	}
}

// AuthorizationEndpoint returns the provider's authorization URL.
// The second return value reports availability.
func (c *Client) AuthorizationEndpoint(ctx context.Context) (string, bool) {
	doc := c.document(ctx)
	if doc == nil || doc.AuthorizationEndpoint == "" {
		return "", false
	}
	return doc.AuthorizationEndpoint, true
}

// TokenEndpoint returns the provider's token URL.
func (c *Client) TokenEndpoint(ctx context.Context) (string, bool) {
	doc := c.document(ctx)
	if doc == nil || doc.TokenEndpoint == "" {
		return "", false
	}
	return doc.TokenEndpoint, true
}

// UserinfoEndpoint returns the provider's userinfo URL.
func (c *Client) UserinfoEndpoint(ctx context.Context) (string, bool) {
	doc := c.document(ctx)
	if doc == nil || doc.UserinfoEndpoint == "" {
		return "", false
	}
	return doc.UserinfoEndpoint, true
}

// ScopesSupported returns the scopes advertised by the provider, with
// "openid" appended if the provider omitted it. An absent scopes_supported
// key is unavailable — the flow must not guess at scopes.
func (c *Client) ScopesSupported(ctx context.Context) ([]string, bool) {
	doc := c.document(ctx)
	if doc == nil || doc.ScopesSupported == nil {
		return nil, false
	}

	scopes := make([]string, 0, len(doc.ScopesSupported)+1)
	hasOpenID := false
	for _, s := range doc.ScopesSupported {
		if s == "openid" {
			hasOpenID = true
		}
		scopes = append(scopes, s)
	}
	if !hasOpenID {
		scopes = append(scopes, "openid")
	}
	return scopes, true
}

// document returns the memoized metadata, fetching it on first use.
// Returns nil when the document cannot be fetched; the failure is logged and
// the next call retries. The mutex makes concurrent first fetches serialize;
// losing a race costs one duplicate request at worst.
func (c *Client) document(ctx context.Context) *document {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.doc != nil {
		return c.doc
	}

	doc, err := c.fetch(ctx)
	if err != nil {
		metrics.RecordProviderRequest("metadata", "error")
		c.logger.Warn("provider metadata unavailable", zap.Error(err))
		return nil
	}

	metrics.RecordProviderRequest("metadata", "ok")
	c.doc = doc
	return doc
}

func (c *Client) fetch(ctx context.Context) (*document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: building metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: fetching metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: metadata endpoint returned %d", resp.StatusCode)
	}

	var doc document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("discovery: decoding metadata: %w", err)
	}
	return &doc, nil
}
