package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/milanbella/sa-oauth/db"
	"github.com/milanbella/sa-oauth/logger"
	"github.com/milanbella/sa-oauth/stringutils"
)

type ctxKey string

const (
	cookieName               = "sa_session"
	sessionContextKey ctxKey = "browser-session"

	rotationInterval = 15 * time.Minute
	sessionTTL       = 24 * time.Hour
)

// Info is the browser session attached to a request.
type Info struct {
	ID    string
	Token string
	// UserID is empty until the resource owner logs in.
	UserID string
}

// LoggedIn reports whether a user is bound to the session.
func (i *Info) LoggedIn() bool {
	return i != nil && i.UserID != ""
}

// Manager ensures every request has a valid session cookie and keeps the session fresh.
type Manager struct {
	db  *db.DB
	now func() time.Time
}

func NewManager(d *db.DB) *Manager {
	return &Manager{db: d, now: time.Now}
}

// Middleware sets or refreshes the session cookie as needed before calling the next handler.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		info, cookieToSet, err := m.ensureSession(ctx, r.Cookie)
		if err != nil {
			logger.ErrorContext(ctx, err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		if cookieToSet != nil {
			http.SetCookie(w, cookieToSet)
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, sessionContextKey, info)))
	})
}

func (m *Manager) ensureSession(ctx context.Context, cookieFn func(name string) (*http.Cookie, error)) (*Info, *http.Cookie, error) {
	cookie, err := cookieFn(cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return m.createSession(ctx)
		}
		return nil, nil, err
	}

	if cookie.Value == "" {
		return m.createSession(ctx)
	}

	var (
		info      = Info{Token: cookie.Value}
		userID    sql.NullString
		expiresAt int64
		updatedAt int64
	)
	err = m.db.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, updated_at
		FROM browser_sessions
		WHERE session_token = ?
	`, cookie.Value).Scan(&info.ID, &userID, &expiresAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m.createSession(ctx)
		}
		return nil, nil, logger.LogErr(fmt.Errorf("query browser session: %w", err))
	}
	info.UserID = userID.String

	now := m.now().UTC()
	if now.Unix() > expiresAt {
		return m.replaceSession(ctx, info.ID)
	}

	if now.Sub(time.Unix(updatedAt, 0)) >= rotationInterval {
		return m.rotateSession(ctx, &info)
	}

	return &info, nil, nil
}

func (m *Manager) createSession(ctx context.Context) (*Info, *http.Cookie, error) {
	info := &Info{ID: uuid.NewString(), Token: uuid.NewString()}
	now := m.now().UTC()
	expiresAt := now.Add(sessionTTL)

	if _, err := m.db.ExecContext(ctx, `
		INSERT INTO browser_sessions (id, session_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, info.ID, info.Token, expiresAt.Unix(), now.Unix()); err != nil {
		return nil, nil, logger.LogErr(fmt.Errorf("insert browser session: %w", err))
	}

	return info, buildCookie(info.Token, expiresAt), nil
}

// rotateSession issues a new token for the same session row.
func (m *Manager) rotateSession(ctx context.Context, info *Info) (*Info, *http.Cookie, error) {
	token := uuid.NewString()
	now := m.now().UTC()
	expiresAt := now.Add(sessionTTL)

	res, err := m.db.ExecContext(ctx, `
		UPDATE browser_sessions
		SET session_token = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`, token, expiresAt.Unix(), now.Unix(), info.ID)
	if err != nil {
		return nil, nil, logger.LogErr(fmt.Errorf("rotate browser session %s: %w", info.ID, err))
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return m.createSession(ctx)
	}

	info.Token = token
	return info, buildCookie(token, expiresAt), nil
}

func (m *Manager) replaceSession(ctx context.Context, id string) (*Info, *http.Cookie, error) {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE id = ?`, id); err != nil {
		return nil, nil, logger.LogErr(fmt.Errorf("delete browser session %s: %w", id, err))
	}
	return m.createSession(ctx)
}

// BindUser attaches userID to the request's session and rotates its token so
// a token seen before login cannot be replayed afterwards. An empty userID
// logs the session out.
func (m *Manager) BindUser(w http.ResponseWriter, r *http.Request, userID string) (*Info, error) {
	info, ok := FromContext(r.Context())
	if !ok {
		return nil, logger.LogErr(errors.New("no browser session in request context"))
	}

	token := uuid.NewString()
	now := m.now().UTC()
	expiresAt := now.Add(sessionTTL)

	res, err := m.db.ExecContext(r.Context(), `
		UPDATE browser_sessions
		SET user_id = ?, session_token = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`, stringutils.NullIfBlank(userID), token, expiresAt.Unix(), now.Unix(), info.ID)
	if err != nil {
		return nil, logger.LogErr(fmt.Errorf("bind user to browser session %s: %w", info.ID, err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, logger.LogErr(fmt.Errorf("browser session %s vanished", info.ID))
	}

	http.SetCookie(w, buildCookie(token, expiresAt))
	return &Info{ID: info.ID, Token: token, UserID: userID}, nil
}

func buildCookie(token string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     cookieName,
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		Expires:  expiresAt,
		SameSite: http.SameSiteLaxMode,
	}
}

// FromContext extracts the session stored by the middleware.
func FromContext(ctx context.Context) (*Info, bool) {
	val, ok := ctx.Value(sessionContextKey).(*Info)
	return val, ok && val != nil
}
