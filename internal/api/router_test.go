package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openauth-dev/connect/internal/auth"
	"github.com/openauth-dev/connect/internal/avatar"
	"github.com/openauth-dev/connect/internal/db"
	"github.com/openauth-dev/connect/internal/discovery"
	"github.com/openauth-dev/connect/internal/oauthapi"
	"github.com/openauth-dev/connect/internal/repository"
	"github.com/openauth-dev/connect/internal/session"
)

// testStack is a fully wired service instance backed by a throwaway SQLite
// database and a fake identity provider.
type testStack struct {
	srv      *httptest.Server
	provider *httptest.Server
	users    repository.UserRepository
	client   *http.Client
}

func newTestStack(t *testing.T, claims map[string]string) *testStack {
	t.Helper()
	logger := zap.NewNop()

	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	users := repository.NewUserRepository(database)
	sessions := session.NewMemoryStore()

	mux := http.NewServeMux()
	var provider *httptest.Server
	mux.HandleFunc("/open-id-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"authorization_endpoint": %q,
			"token_endpoint": %q,
			"userinfo_endpoint": %q,
			"scopes_supported": ["profile", "email"]
		}`, provider.URL+"/authorize", provider.URL+"/token", provider.URL+"/userinfo")
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "test-token", "token_type": "Bearer"}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(claims)
	})
	provider = httptest.NewServer(mux)
	t.Cleanup(provider.Close)

	avatars, err := avatar.NewCache(t.TempDir(), users, logger)
	require.NoError(t, err)

	disc := discovery.NewClient(provider.URL, "client-1", logger)
	profile := oauthapi.NewClient(oauthapi.Config{
		Discovery:    disc,
		ClientID:     "client-1",
		ClientSecret: "secret",
		RedirectURI:  "http://app.example.com/auth/openauth",
		Debug:        true,
		Logger:       logger,
	})
	resolver := auth.NewResolver(users, sessions, avatars, logger)
	flow := auth.NewFlow(auth.FlowConfig{
		Discovery:   disc,
		Profile:     profile,
		Resolver:    resolver,
		Sessions:    sessions,
		ClientID:    "client-1",
		RedirectURI: "http://app.example.com/auth/openauth",
		Logger:      logger,
	})

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Flow:     flow,
		Resolver: resolver,
		Avatars:  avatars,
		Users:    users,
		Sessions: sessions,
		Logger:   logger,
		Secure:   false,
	}))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		// Redirects are asserted on, not followed.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testStack{srv: srv, provider: provider, users: users, client: client}
}

func (s *testStack) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := s.client.Get(s.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func (s *testStack) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := s.client.Post(s.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

// sessionCookie returns the session cookie value the client currently
// carries for the stack's server, or "" when none is set.
func (s *testStack) sessionCookie(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(s.srv.URL)
	require.NoError(t, err)
	for _, c := range s.client.Jar.Cookies(u) {
		if c.Name == "connect_session" {
			return c.Value
		}
	}
	return ""
}

// authenticate runs the full flow for the stack's configured claims and
// returns the final redirect target.
func (s *testStack) authenticate(t *testing.T) string {
	t.Helper()

	resp := s.get(t, "/auth/openauth")
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	authorize := resp.Header.Get("Location")
	require.Contains(t, authorize, "/authorize")

	parsed, err := url.Parse(authorize)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)

	resp = s.get(t, "/auth/openauth?code=auth-code&state="+state)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	return resp.Header.Get("Location")
}

func TestHealthz(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	resp := stack.get(t, "/healthz")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthenticateSetsSessionCookie(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	resp := stack.get(t, "/auth/openauth")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "connect_session" && c.Value != "" {
			found = true
			assert.True(t, c.HttpOnly)
		}
	}
	assert.True(t, found, "session cookie must be issued")
}

func TestCallbackWithBadStateReturnsGenericError(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	resp := stack.get(t, "/auth/openauth?code=abc&state=forged")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error struct {
			Message   string `json:"message"`
			Code      string `json:"code"`
			Reference string `json:"reference"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotContains(t, body.Error.Message, "state", "cause must not leak to the user")
	assert.NotEmpty(t, body.Error.Reference)
}

func TestFullLoginFlow(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	// Linked account exists.
	key := "openauth:sub-1"
	user := &db.User{Username: "alice", Email: "alice@example.com", Activated: true, AvatarEnabled: true}
	user.ExternalAuthKey = &key
	require.NoError(t, stack.users.Create(context.Background(), user))

	target := stack.authenticate(t)
	assert.Equal(t, "/", target)

	resp := stack.get(t, "/account/me")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Username string `json:"username"`
			Linked   bool   `json:"linked"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "alice", body.Data.Username)
	assert.True(t, body.Data.Linked)
}

func TestRegistrationHandoffAndCompletion(t *testing.T) {
	stack := newTestStack(t, map[string]string{
		"sub":            "sub-7",
		"nickname":       "carol",
		"email":          "carol@example.com",
		"email_verified": "carol@example.com",
	})

	target := stack.authenticate(t)
	require.Equal(t, "/register", target)
	before := stack.sessionCookie(t)
	require.NotEmpty(t, before)

	resp := stack.post(t, "/register", `{"username": "carol", "email": "carol@example.com", "password": "long-enough-password"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The session id carried through the handoff must not survive into the
	// signed-in session.
	after := stack.sessionCookie(t)
	require.NotEmpty(t, after)
	assert.NotEqual(t, before, after)

	var body struct {
		Data struct {
			Username  string `json:"username"`
			Activated bool   `json:"activated"`
			Linked    bool   `json:"linked"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "carol", body.Data.Username)
	assert.True(t, body.Data.Activated, "provider vouched for the entered email")
	assert.True(t, body.Data.Linked)
}

func TestRegisterWithoutPendingHandoff(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	resp := stack.post(t, "/register", `{"username": "x", "email": "x@example.com", "password": "long-enough-password"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterValidation(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	resp := stack.post(t, "/register", `{"username": "x", "email": "x@example.com", "password": "short"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAccountEndpointsRequireAuthentication(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	for _, path := range []string{"/account/link", "/account/unlink"} {
		resp := stack.post(t, path, "")
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	resp := stack.get(t, "/account/me")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLinkAndUnlink(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-9"})

	user := &db.User{Username: "bob", Email: "bob@example.com", Activated: true}
	require.NoError(t, stack.users.Create(context.Background(), user))

	// Link up front so the first flow round signs bob in, then exercise
	// unlink and the staged re-link path on that session.
	key := "openauth:sub-9"
	require.NoError(t, stack.users.PatchFields(context.Background(), user.ID, map[string]any{"external_auth_key": key}))

	target := stack.authenticate(t)
	require.Equal(t, "/", target, "linked identity signs in")

	resp := stack.post(t, "/account/unlink", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := stack.users.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ExternalAuthKey)

	// Unlinking twice fails.
	resp = stack.post(t, "/account/unlink", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A fresh flow while signed in stages the identity for confirmation.
	target = stack.authenticate(t)
	require.Equal(t, "/account#openauth", target)

	resp = stack.post(t, "/account/link", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err = stack.users.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExternalAuthKey)
	assert.Equal(t, key, *got.ExternalAuthKey)
}

func TestAvatarEndpoint(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	user := &db.User{Username: "alice", Email: "alice@example.com", Activated: true}
	require.NoError(t, stack.users.Create(context.Background(), user))

	t.Run("placeholder for user without remote avatar", func(t *testing.T) {
		resp := stack.get(t, "/avatars/"+user.ID.String())
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	})

	t.Run("invalid id", func(t *testing.T) {
		resp := stack.get(t, "/avatars/not-a-uuid")
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown user", func(t *testing.T) {
		resp := stack.get(t, "/avatars/00000000-0000-0000-0000-000000000001")
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestAvatarDisabledUserNeverContactsRemote(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	var hits atomic.Int32
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(remote.Close)

	// A remote URL is still on record, but the avatar was disabled.
	user := &db.User{
		Username:        "dave",
		Email:           "dave@example.com",
		Activated:       true,
		AvatarEnabled:   false,
		AvatarRemoteURL: remote.URL + "/dave.png",
	}
	require.NoError(t, stack.users.Create(context.Background(), user))

	resp := stack.get(t, "/avatars/"+user.ID.String())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Equal(t, int32(0), hits.Load(), "disabled avatars are served without a download")
}

func TestRegisterDuplicateIdentifier(t *testing.T) {
	stack := newTestStack(t, map[string]string{
		"sub":      "sub-8",
		"nickname": "erin",
	})

	existing := &db.User{Username: "erin", Email: "erin@example.com", Activated: true}
	require.NoError(t, stack.users.Create(context.Background(), existing))

	target := stack.authenticate(t)
	require.Equal(t, "/register", target)

	resp := stack.post(t, "/register", `{"username": "erin", "email": "other@example.com", "password": "long-enough-password"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "taken username")

	resp = stack.post(t, "/register", `{"username": "erin2", "email": "erin@example.com", "password": "long-enough-password"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "taken email")

	// The pre-check rejects before the handoff is consumed, so a corrected
	// submission still goes through.
	resp = stack.post(t, "/register", `{"username": "erin2", "email": "other@example.com", "password": "long-enough-password"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestLoginRotatesSessionCookie(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	key := "openauth:sub-1"
	user := &db.User{Username: "alice", Email: "alice@example.com", Activated: true, AvatarEnabled: true}
	user.ExternalAuthKey = &key
	require.NoError(t, stack.users.Create(context.Background(), user))

	resp := stack.get(t, "/auth/openauth")
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	parsed, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)

	before := stack.sessionCookie(t)
	require.NotEmpty(t, before)

	resp = stack.get(t, "/auth/openauth?code=auth-code&state="+state)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))

	// A session id the browser carried before signing in must never name
	// the signed-in session.
	after := stack.sessionCookie(t)
	require.NotEmpty(t, after)
	assert.NotEqual(t, before, after)

	resp = stack.get(t, "/account/me")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "login survives the rotation")
}

func TestForgedSessionCookieReplaced(t *testing.T) {
	stack := newTestStack(t, map[string]string{"sub": "sub-1"})

	req, err := http.NewRequest(http.MethodGet, stack.srv.URL+"/auth/openauth", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "connect_session", Value: "attacker-chosen-id"})

	bare := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := bare.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var issued string
	for _, c := range resp.Cookies() {
		if c.Name == "connect_session" {
			issued = c.Value
		}
	}
	require.NotEmpty(t, issued, "a malformed cookie value must be replaced")
	assert.NotEqual(t, "attacker-chosen-id", issued)
	assert.True(t, session.ValidID(issued))
}
