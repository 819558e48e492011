package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milanbella/sa-oauth/config"
	"github.com/milanbella/sa-oauth/db"
	"github.com/milanbella/sa-oauth/grant"
	"github.com/milanbella/sa-oauth/identity"
	"github.com/milanbella/sa-oauth/metrics"
	"github.com/milanbella/sa-oauth/session"
	"github.com/milanbella/sa-oauth/store"
)

type testEnv struct {
	srv    *httptest.Server
	client *http.Client
	server *grant.Server
	users  *identity.SQLUserProvider
	alice  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	dsn := "file:" + filepath.Join(t.TempDir(), "auth.db") + "?_pragma=foreign_keys(1)"
	d, err := db.New(ctx, config.DBConfig{Driver: "sqlite", DSN: dsn, MaxIdleConns: 1, PingTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(ctx, d))

	mem := store.NewMemoryStore(nil)
	mem.PutClient(store.Client{ID: "C1", Secret: "s1", Name: "Web", RedirectURIs: []string{"http://a/cb"}})
	mem.PutClient(store.Client{ID: "C3", Secret: "p@ss word", Name: "Odd", RedirectURIs: []string{"http://c/cb"}})
	mem.PutScope("read", "Read", "")
	mem.PutScope("write", "Write", "")

	encoder := identity.BcryptEncoder{Cost: 4}
	hash, err := encoder.EncodePassword("wonderland", "salt")
	require.NoError(t, err)
	users := identity.NewSQLUserProvider(d)
	aliceID, err := users.CreateUser(ctx, identity.Principal{Username: "alice", PasswordHash: hash, Salt: "salt", Roles: []string{"ROLE_USER"}})
	require.NoError(t, err)
	authenticator := identity.NewAuthenticator(users, encoder)

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	server, err := grant.NewServer(mem, mem, mem, grant.Options{
		GrantTypes:       []string{"authorization_code", "client_credentials", "password", "refresh_token"},
		AccessTokenTTL:   time.Hour,
		RefreshTokenTTL:  24 * time.Hour,
		AuthCodeTTL:      time.Minute,
		PasswordVerifier: authenticator,
		Observer:         m,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(RouterDeps{
		Server:        server,
		Sessions:      session.NewManager(d),
		Authenticator: authenticator,
		Metrics:       m,
		LoginPath:     "/login",
	}))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testEnv{srv: srv, client: client, server: server, users: users, alice: aliceID}
}

func (e *testEnv) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func basic(id, secret string) http.Header {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(url.QueryEscape(id), url.QueryEscape(secret))
	return req.Header
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

const authorizePath = "/oauth/authorize?response_type=code&client_id=C1&redirect_uri=http%3A%2F%2Fa%2Fcb&scope=read&state=xyz"

// login walks the browser through the login redirect and returns the
// authorization URL the user is sent back to.
func (e *testEnv) login(t *testing.T) string {
	t.Helper()

	resp := e.get(t, authorizePath, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loginURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loginURL.Path)
	returnTo := loginURL.Query().Get("return_to")
	assert.Equal(t, authorizePath, returnTo)

	resp = e.postForm(t, "/login", url.Values{"username": {"alice"}, "password": {"wonderland"}, "return_to": {returnTo}}, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, returnTo, resp.Header.Get("Location"))
	return returnTo
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t)
	returnTo := env.login(t)

	resp := env.get(t, returnTo, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "a", callback.Host)
	assert.Equal(t, "xyz", callback.Query().Get("state"))
	code := callback.Query().Get("code")
	require.NotEmpty(t, code)

	resp = env.postForm(t, "/oauth/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"http://a/cb"},
	}, basic("C1", "s1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no-cache", resp.Header.Get("Pragma"))
	tok := decode[grant.TokenResponse](t, resp)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, "read", tok.Scope)
	assert.NotEmpty(t, tok.RefreshToken)

	resp = env.get(t, "/api/me", bearer(tok.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[ResponseMe](t, resp)
	assert.Equal(t, env.alice, me.OwnerID)
	assert.Equal(t, "user", me.OwnerType)
	assert.Equal(t, "C1", me.ClientID)
	assert.Equal(t, "alice", me.Username)
	assert.Equal(t, []string{"read"}, me.Scopes)
	assert.ElementsMatch(t, []string{"ROLE_USER", "ROLE_READ"}, me.Roles)

	// The code is single use.
	resp = env.postForm(t, "/oauth/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"http://a/cb"},
	}, basic("C1", "s1"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, grant.CodeInvalidGrant, decode[responseError](t, resp).Error)
}

func TestAuthorizeDeny(t *testing.T) {
	env := newTestEnv(t)
	returnTo := env.login(t)

	query, err := url.Parse(returnTo)
	require.NoError(t, err)
	form := query.Query()
	form.Set("decision", "deny")

	resp := env.postForm(t, "/oauth/authorize", form, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, grant.CodeAccessDenied, callback.Query().Get("error"))
	assert.Equal(t, "xyz", callback.Query().Get("state"))
	assert.Empty(t, callback.Query().Get("code"))
}

func TestAuthorizeErrors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown client is not redirected", func(t *testing.T) {
		resp := env.get(t, "/oauth/authorize?response_type=code&client_id=nope&redirect_uri=http%3A%2F%2Fa%2Fcb", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Location"))
	})

	t.Run("unregistered redirect is not redirected", func(t *testing.T) {
		resp := env.get(t, "/oauth/authorize?response_type=code&client_id=C1&redirect_uri=http%3A%2F%2Fevil%2Fcb", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Location"))
	})

	t.Run("bad response type goes back to the client", func(t *testing.T) {
		resp := env.get(t, "/oauth/authorize?response_type=token&client_id=C1&redirect_uri=http%3A%2F%2Fa%2Fcb&state=s", nil)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		callback, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "a", callback.Host)
		assert.Equal(t, grant.CodeUnsupportedResponseType, callback.Query().Get("error"))
		assert.Equal(t, "s", callback.Query().Get("state"))
	})
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	t.Run("json", func(t *testing.T) {
		body := `{"username":"alice","password":"wonderland","return_to":"/oauth/authorize?x=1"}`
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/login", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := env.client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "/oauth/authorize?x=1", decode[ResponseLogin](t, resp).RedirectURL)
	})

	t.Run("wrong password", func(t *testing.T) {
		resp := env.postForm(t, "/login", url.Values{"username": {"alice"}, "password": {"nope"}}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("offsite return_to", func(t *testing.T) {
		resp := env.postForm(t, "/login", url.Values{"username": {"alice"}, "password": {"wonderland"}, "return_to": {"//evil.example"}}, nil)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/", resp.Header.Get("Location"))
	})

	t.Run("logout", func(t *testing.T) {
		resp := env.postForm(t, "/logout", url.Values{}, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = env.get(t, authorizePath, nil)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/login?"))
	})
}

func TestTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("client credentials in form", func(t *testing.T) {
		resp := env.postForm(t, "/oauth/token", url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {"C1"},
			"client_secret": {"s1"},
			"scope":         {"read write"},
		}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		tok := decode[grant.TokenResponse](t, resp)
		assert.Equal(t, "read write", tok.Scope)
		assert.Empty(t, tok.RefreshToken)
	})

	t.Run("basic credentials are url decoded", func(t *testing.T) {
		resp := env.postForm(t, "/oauth/token", url.Values{"grant_type": {"client_credentials"}}, basic("C3", "p@ss word"))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("bad secret", func(t *testing.T) {
		resp := env.postForm(t, "/oauth/token", url.Values{"grant_type": {"client_credentials"}}, basic("C1", "wrong"))
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `Basic realm="sa-oauth"`)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
		assert.Equal(t, grant.CodeInvalidClient, decode[responseError](t, resp).Error)
	})

	t.Run("unsupported grant", func(t *testing.T) {
		resp := env.postForm(t, "/oauth/token", url.Values{"grant_type": {"implicit"}}, basic("C1", "s1"))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, grant.CodeUnsupportedGrantType, decode[responseError](t, resp).Error)
	})

	t.Run("password grant and refresh", func(t *testing.T) {
		resp := env.postForm(t, "/oauth/token", url.Values{
			"grant_type": {"password"},
			"username":   {"alice"},
			"password":   {"wonderland"},
			"scope":      {"read"},
		}, basic("C1", "s1"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		first := decode[grant.TokenResponse](t, resp)
		require.NotEmpty(t, first.RefreshToken)

		resp = env.postForm(t, "/oauth/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {first.RefreshToken},
		}, basic("C1", "s1"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		second := decode[grant.TokenResponse](t, resp)
		assert.NotEqual(t, first.AccessToken, second.AccessToken)

		resp = env.get(t, "/api/me", bearer(first.AccessToken))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp = env.get(t, "/api/me", bearer(second.AccessToken))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestBearer(t *testing.T) {
	env := newTestEnv(t)

	tok, err := env.server.Token(context.Background(), grant.TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     "C1",
		ClientSecret: "s1",
		Scope:        "read",
	})
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		resp := env.get(t, "/api/me", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, `Bearer realm="sa-oauth"`, resp.Header.Get("WWW-Authenticate"))
	})

	t.Run("unknown token", func(t *testing.T) {
		resp := env.get(t, "/api/me", bearer("nope"))
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`)
	})

	t.Run("client token via query", func(t *testing.T) {
		resp := env.get(t, "/api/me?access_token="+url.QueryEscape(tok.AccessToken), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		me := decode[ResponseMe](t, resp)
		assert.Equal(t, "client", me.OwnerType)
		assert.Equal(t, "C1", me.OwnerID)
		assert.Empty(t, me.Username)
		assert.Equal(t, []string{"ROLE_READ"}, me.Roles)
	})

	t.Run("scope guard", func(t *testing.T) {
		guarded := NewBearerAuthenticator(env.server, env.users).Middleware(
			RequireScope("write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})),
		)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="insufficient_scope"`)
	})

	t.Run("form body token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("access_token="+url.QueryEscape(tok.AccessToken)))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		assert.Equal(t, tok.AccessToken, extractBearerToken(req))
	})
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.postForm(t, "/oauth/token", url.Values{"grant_type": {"client_credentials"}}, basic("C1", "s1"))

	resp = env.get(t, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `sa_oauth_tokens_issued_total{grant_type="client_credentials"} 1`)
	assert.Contains(t, body.String(), `route="/oauth/token"`)
}

func TestSafeReturnTo(t *testing.T) {
	for raw, want := range map[string]string{
		"":                      "/",
		"/oauth/authorize?a=b":  "/oauth/authorize?a=b",
		"//evil.example/x":      "/",
		"/\\evil.example":       "/",
		"https://evil.example/": "/",
		"relative":              "/",
	} {
		assert.Equal(t, want, safeReturnTo(raw), raw)
	}
}
