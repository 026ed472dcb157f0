package oauthapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openauth-dev/connect/internal/discovery"
)

// newProvider spins up a provider whose token and userinfo handlers are
// supplied per test; the metadata document points back at the same server.
func newProvider(t *testing.T, token, userinfo http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/open-id-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"authorization_endpoint": %q,
			"token_endpoint": %q,
			"userinfo_endpoint": %q,
			"scopes_supported": ["openid"]
		}`, srv.URL+"/authorize", srv.URL+"/token", srv.URL+"/userinfo")
	})
	if token != nil {
		mux.HandleFunc("/token", token)
	}
	if userinfo != nil {
		mux.HandleFunc("/userinfo", userinfo)
	}

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, debug bool) *Client {
	t.Helper()
	logger := zap.NewNop()
	return NewClient(Config{
		Discovery:    discovery.NewClient(srv.URL, "client-1", logger),
		ClientID:     "client-1",
		ClientSecret: "secret",
		RedirectURI:  "https://app.example.com/auth/openauth",
		Debug:        debug,
		Logger:       logger,
	})
}

func TestExchangeCodeSendsCredentialsInBody(t *testing.T) {
	srv := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Empty(t, r.Header.Get("Authorization"), "credentials must not use basic auth")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "tok-1", "token_type": "Bearer"}`)
	}, nil)

	client := newTestClient(t, srv, true)
	token, err := client.ExchangeCode(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}

func TestExchangeCodeFailureSwallowedByDefault(t *testing.T) {
	srv := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	client := newTestClient(t, srv, false)
	token, err := client.ExchangeCode(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestExchangeCodeFailurePropagatesInDebug(t *testing.T) {
	srv := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	client := newTestClient(t, srv, true)
	_, err := client.ExchangeCode(context.Background(), "the-code")
	assert.Error(t, err)
}

func TestExchangeCodeNotConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv, true)
	_, err := client.ExchangeCode(context.Background(), "the-code")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestUserInfoSendsBearerToken(t *testing.T) {
	srv := newProvider(t, nil, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sub": "sub-1", "email": "alice@example.com", "email_verified": "alice@example.com", "age": 30, "verified": true, "address": {"city": "Berlin"}}`)
	})

	client := newTestClient(t, srv, true)
	claims, err := client.UserInfo(context.Background(), "tok-1")
	require.NoError(t, err)

	assert.Equal(t, "sub-1", claims["sub"])
	assert.Equal(t, "alice@example.com", claims["email"])
	assert.Equal(t, "30", claims["age"])
	assert.Equal(t, "true", claims["verified"])
	assert.NotContains(t, claims, "address", "nested objects are dropped")
}

func TestUserInfoFailureSwallowedByDefault(t *testing.T) {
	srv := newProvider(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	client := newTestClient(t, srv, false)
	claims, err := client.UserInfo(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestUserInfoFailurePropagatesInDebug(t *testing.T) {
	srv := newProvider(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	client := newTestClient(t, srv, true)
	_, err := client.UserInfo(context.Background(), "tok-1")
	assert.Error(t, err)
}
