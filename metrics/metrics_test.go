package metrics

import (
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestObserverCounters(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.TokenIssued("password")
	m.TokenIssued("password")
	m.GrantFailed("refresh_token", "invalid_grant")
	m.GrantFailed("", "invalid_request")
	m.TokenVerified("valid")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokensIssued.WithLabelValues("password")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.grantFailures.WithLabelValues("refresh_token", "invalid_grant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.grantFailures.WithLabelValues("none", "invalid_request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bearerVerified.WithLabelValues("valid")))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/clients/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clients/abc123", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/clients/{id}", "418")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "sa_oauth_http_requests_total"))
}

func TestRegisterDB(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Ping())

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterDB(reg, db))

	count, err := testutil.GatherAndCount(reg, "sa_oauth_db_open_connections")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
