package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milanbella/sa-oauth/config"
	"github.com/milanbella/sa-oauth/db"
)

func newManager(t *testing.T) (*Manager, *time.Time) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "sessions.db") + "?_pragma=foreign_keys(1)"
	d, err := db.New(ctx, config.DBConfig{Driver: "sqlite", DSN: dsn, MaxIdleConns: 1, PingTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(ctx, d))

	now := time.Unix(1_700_000_000, 0)
	m := NewManager(d)
	m.now = func() time.Time { return now }
	return m, &now
}

// serve runs one request through the middleware and returns the session the
// handler saw and the cookie set on the response, if any.
func serve(t *testing.T, m *Manager, cookie *http.Cookie, handler func(w http.ResponseWriter, r *http.Request)) (*Info, *http.Cookie) {
	t.Helper()

	var seen *Info
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = info
		if handler != nil {
			handler(w, r)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var set *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieName {
			set = c
		}
	}
	return seen, set
}

func TestMiddlewareCreatesAndReusesSession(t *testing.T) {
	m, _ := newManager(t)

	first, cookie := serve(t, m, nil, nil)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, first.Token, cookie.Value)
	assert.False(t, first.LoggedIn())

	second, again := serve(t, m, cookie, nil)
	assert.Nil(t, again, "fresh session is not rewritten")
	assert.Equal(t, first.ID, second.ID)

	unknown, replaced := serve(t, m, &http.Cookie{Name: cookieName, Value: "stale"}, nil)
	require.NotNil(t, replaced)
	assert.NotEqual(t, first.ID, unknown.ID)
}

func TestMiddlewareRotatesAndExpires(t *testing.T) {
	m, now := newManager(t)

	first, cookie := serve(t, m, nil, nil)

	*now = now.Add(rotationInterval)
	rotated, newCookie := serve(t, m, cookie, nil)
	require.NotNil(t, newCookie)
	assert.Equal(t, first.ID, rotated.ID)
	assert.NotEqual(t, cookie.Value, newCookie.Value)

	*now = now.Add(sessionTTL + time.Second)
	expired, replaced := serve(t, m, newCookie, nil)
	require.NotNil(t, replaced)
	assert.NotEqual(t, first.ID, expired.ID)
}

func TestBindUser(t *testing.T) {
	m, _ := newManager(t)

	var bound *Info
	_, cookie := serve(t, m, nil, nil)
	_, loginCookie := serve(t, m, cookie, func(w http.ResponseWriter, r *http.Request) {
		var err error
		bound, err = m.BindUser(w, r, "u-alice")
		require.NoError(t, err)
	})
	require.NotNil(t, loginCookie)
	assert.NotEqual(t, cookie.Value, loginCookie.Value, "login rotates the token")
	assert.Equal(t, "u-alice", bound.UserID)

	old, replaced := serve(t, m, cookie, nil)
	require.NotNil(t, replaced)
	assert.False(t, old.LoggedIn(), "pre-login token no longer works")

	current, _ := serve(t, m, loginCookie, nil)
	assert.True(t, current.LoggedIn())
	assert.Equal(t, "u-alice", current.UserID)

	_, logoutCookie := serve(t, m, loginCookie, func(w http.ResponseWriter, r *http.Request) {
		_, err := m.BindUser(w, r, "")
		require.NoError(t, err)
	})
	after, _ := serve(t, m, logoutCookie, nil)
	assert.False(t, after.LoggedIn())
}
