package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/milanbella/sa-oauth/db"
	"github.com/milanbella/sa-oauth/logger"
)

// SQLStore implements ClientStore, ScopeStore and SessionStore on top of a
// relational database using the schema shipped in package db.
type SQLStore struct {
	db  *db.DB
	now func() time.Time
}

var (
	_ ClientStore  = (*SQLStore)(nil)
	_ ScopeStore   = (*SQLStore)(nil)
	_ SessionStore = (*SQLStore)(nil)
)

// SQLOption configures an SQLStore.
type SQLOption func(*SQLStore)

// WithClock overrides the wall clock used for expiry checks and timestamps.
func WithClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLStore constructs an SQLStore backed by the given pool.
func NewSQLStore(d *db.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: d, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) unixNow() int64 {
	return s.now().Unix()
}

// ResolveClient looks up a client and checks the optional secret and redirect URI filters.
func (s *SQLStore) ResolveClient(ctx context.Context, q ClientQuery) (*Client, error) {
	if strings.TrimSpace(q.ClientID) == "" {
		return nil, ErrNotFound
	}

	var client Client
	err := s.db.QueryRowContext(ctx, `
		SELECT id, secret, name
		FROM clients
		WHERE id = ?
	`, q.ClientID).Scan(&client.ID, &client.Secret, &client.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, logger.LogErr(fmt.Errorf("query client %s: %w", q.ClientID, err))
	}

	if q.Secret != nil && subtle.ConstantTimeCompare([]byte(client.Secret), []byte(*q.Secret)) != 1 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT redirect_uri
		FROM client_redirect_uris
		WHERE client_id = ?
	`, client.ID)
	if err != nil {
		return nil, logger.LogErr(fmt.Errorf("query redirect uris for client %s: %w", client.ID, err))
	}
	defer rows.Close()

	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, logger.LogErr(fmt.Errorf("scan redirect uri for client %s: %w", client.ID, err))
		}
		client.RedirectURIs = append(client.RedirectURIs, uri)
	}
	if err := rows.Err(); err != nil {
		return nil, logger.LogErr(fmt.Errorf("iterate redirect uris for client %s: %w", client.ID, err))
	}

	if q.RedirectURI != nil {
		if !containsExact(client.RedirectURIs, *q.RedirectURI) {
			return nil, ErrNotFound
		}
		client.RedirectURI = *q.RedirectURI
	}

	return &client, nil
}

// ResolveScope performs an exact-match lookup of a scope identifier.
func (s *SQLStore) ResolveScope(ctx context.Context, scope, clientID, grantType string) (*Scope, error) {
	var (
		sc          Scope
		description sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope, name, description
		FROM scopes
		WHERE scope = ?
	`, scope).Scan(&sc.ID, &sc.Scope, &sc.Name, &description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, logger.LogErr(fmt.Errorf("query scope %q: %w", scope, err))
	}
	sc.Description = description.String

	return &sc, nil
}

func (s *SQLStore) CreateSession(ctx context.Context, clientID string, ownerType OwnerType, ownerID string) (int64, error) {
	if strings.TrimSpace(clientID) == "" {
		return 0, logger.LogErr(errors.New("client id is required"))
	}

	now := s.unixNow()
	id, err := s.db.InsertID(ctx, `
		INSERT INTO sessions (client_id, owner_type, owner_id, stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		clientID, string(ownerType), ownerID, string(StageRequested), now, now)
	if err != nil {
		return 0, logger.LogErr(fmt.Errorf("insert session for client %s: %w", clientID, err))
	}

	return id, nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	var (
		sess      Session
		ownerType string
		stage     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, owner_type, owner_id, stage, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`, sessionID).Scan(&sess.ID, &sess.ClientID, &ownerType, &sess.OwnerID, &stage, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, logger.LogErr(fmt.Errorf("query session %d: %w", sessionID, err))
	}
	sess.OwnerType = OwnerType(ownerType)
	sess.Stage = Stage(stage)

	return &sess, nil
}

func (s *SQLStore) UpdateSessionStage(ctx context.Context, sessionID int64, stage Stage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET stage = ?, updated_at = ?
		WHERE id = ?
	`, string(stage), s.unixNow(), sessionID)
	if err != nil {
		return logger.LogErr(fmt.Errorf("update stage of session %d: %w", sessionID, err))
	}
	return expectRows(res, fmt.Sprintf("update stage of session %d", sessionID))
}

// DeleteSession removes every session of the owner/client pair together with
// its codes, tokens and scope associations.
func (s *SQLStore) DeleteSession(ctx context.Context, clientID string, ownerType OwnerType, ownerID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE client_id = ? AND owner_type = ? AND owner_id = ?
	`, clientID, string(ownerType), ownerID); err != nil {
		return logger.LogErr(fmt.Errorf("delete sessions of %s %s for client %s: %w", ownerType, ownerID, clientID, err))
	}
	return nil
}

func (s *SQLStore) AssociateRedirectURI(ctx context.Context, sessionID int64, redirectURI string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO session_redirects (session_id, redirect_uri)
		VALUES (?, ?)
	`, sessionID, redirectURI); err != nil {
		return logger.LogErr(fmt.Errorf("insert redirect uri for session %d: %w", sessionID, err))
	}
	return nil
}

func (s *SQLStore) AssociateAccessToken(ctx context.Context, sessionID int64, accessToken string, expiresAt int64) (int64, error) {
	id, err := s.db.InsertID(ctx, `
		INSERT INTO session_access_tokens (session_id, access_token, expires_at)
		VALUES (?, ?, ?)`,
		sessionID, accessToken, expiresAt)
	if err != nil {
		return 0, logger.LogErr(fmt.Errorf("insert access token for session %d: %w", sessionID, err))
	}
	return id, nil
}

func (s *SQLStore) AssociateRefreshToken(ctx context.Context, accessTokenID int64, refreshToken string, expiresAt int64, clientID string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO session_refresh_tokens (session_access_token_id, refresh_token, expires_at, client_id)
		VALUES (?, ?, ?, ?)
	`, accessTokenID, refreshToken, expiresAt, clientID); err != nil {
		return logger.LogErr(fmt.Errorf("insert refresh token for access token %d: %w", accessTokenID, err))
	}
	return nil
}

func (s *SQLStore) AssociateAuthCode(ctx context.Context, sessionID int64, authCode string, expiresAt int64) (int64, error) {
	id, err := s.db.InsertID(ctx, `
		INSERT INTO session_authcodes (session_id, auth_code, expires_at)
		VALUES (?, ?, ?)`,
		sessionID, authCode, expiresAt)
	if err != nil {
		return 0, logger.LogErr(fmt.Errorf("insert auth code for session %d: %w", sessionID, err))
	}
	return id, nil
}

func (s *SQLStore) RemoveAuthCode(ctx context.Context, sessionID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM session_authcodes
		WHERE session_id = ?
	`, sessionID); err != nil {
		return logger.LogErr(fmt.Errorf("delete auth codes of session %d: %w", sessionID, err))
	}
	return nil
}

func (s *SQLStore) ConsumeAuthCode(ctx context.Context, authCodeID int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM session_authcodes
		WHERE id = ?
	`, authCodeID)
	if err != nil {
		return logger.LogErr(fmt.Errorf("consume auth code %d: %w", authCodeID, err))
	}
	return expectRows(res, fmt.Sprintf("consume auth code %d", authCodeID))
}

func (s *SQLStore) ValidateAuthCode(ctx context.Context, clientID, redirectURI, authCode string) (*AuthCodeGrant, error) {
	var grant AuthCodeGrant
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, c.id
		FROM sessions s
			JOIN session_authcodes c ON c.session_id = s.id
			JOIN session_redirects r ON r.session_id = s.id
		WHERE s.client_id = ?
			AND c.auth_code = ?
			AND c.expires_at >= ?
			AND r.redirect_uri = ?
	`, clientID, authCode, s.unixNow(), redirectURI).Scan(&grant.SessionID, &grant.AuthCodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, logger.LogErr(fmt.Errorf("validate auth code for client %s: %w", clientID, err))
	}
	return &grant, nil
}

func (s *SQLStore) ValidateAccessToken(ctx context.Context, accessToken string) (*TokenOwner, error) {
	var (
		owner     TokenOwner
		ownerType string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT t.session_id, s.client_id, s.owner_id, s.owner_type
		FROM session_access_tokens t
			JOIN sessions s ON s.id = t.session_id
		WHERE t.access_token = ?
			AND t.expires_at >= ?
	`, accessToken, s.unixNow()).Scan(&owner.SessionID, &owner.ClientID, &owner.OwnerID, &ownerType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, logger.LogErr(fmt.Errorf("validate access token: %w", err))
	}
	owner.OwnerType = OwnerType(ownerType)
	return &owner, nil
}

func (s *SQLStore) GetAccessToken(ctx context.Context, accessTokenID int64) (*AccessToken, error) {
	var tok AccessToken
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, access_token, expires_at
		FROM session_access_tokens
		WHERE id = ?
	`, accessTokenID).Scan(&tok.ID, &tok.SessionID, &tok.AccessToken, &tok.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, logger.LogErr(fmt.Errorf("query access token %d: %w", accessTokenID, err))
	}
	return &tok, nil
}

func (s *SQLStore) RemoveAccessToken(ctx context.Context, accessTokenID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM session_access_tokens
		WHERE id = ?
	`, accessTokenID); err != nil {
		return logger.LogErr(fmt.Errorf("delete access token %d: %w", accessTokenID, err))
	}
	return nil
}

// ValidateRefreshToken only accepts tokens whose access token and session
// still exist.
func (s *SQLStore) ValidateRefreshToken(ctx context.Context, refreshToken, clientID string) (int64, error) {
	var accessTokenID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT r.session_access_token_id
		FROM session_refresh_tokens r
		JOIN session_access_tokens t ON t.id = r.session_access_token_id
		JOIN sessions s ON s.id = t.session_id
		WHERE r.refresh_token = ?
			AND r.expires_at >= ?
			AND r.client_id = ?
	`, refreshToken, s.unixNow(), clientID).Scan(&accessTokenID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, logger.LogErr(fmt.Errorf("validate refresh token for client %s: %w", clientID, err))
	}
	return accessTokenID, nil
}

func (s *SQLStore) RemoveRefreshToken(ctx context.Context, refreshToken string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM session_refresh_tokens
		WHERE refresh_token = ?
	`, refreshToken)
	if err != nil {
		return logger.LogErr(fmt.Errorf("delete refresh token: %w", err))
	}
	return expectRows(res, "delete refresh token")
}

func (s *SQLStore) AssociateScope(ctx context.Context, accessTokenID, scopeID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO session_token_scopes (session_access_token_id, scope_id)
		VALUES (?, ?)
	`, accessTokenID, scopeID); err != nil {
		return logger.LogErr(fmt.Errorf("associate scope %d with access token %d: %w", scopeID, accessTokenID, err))
	}
	return nil
}

// GetScopes returns the scopes granted to an access token, ordered by scope id.
// A token without scopes yields an empty slice.
func (s *SQLStore) GetScopes(ctx context.Context, accessToken string) ([]Scope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sc.id, sc.scope, sc.name, sc.description
		FROM session_token_scopes ts
			JOIN session_access_tokens t ON t.id = ts.session_access_token_id
			JOIN scopes sc ON sc.id = ts.scope_id
		WHERE t.access_token = ?
		ORDER BY sc.id
	`, accessToken)
	if err != nil {
		return nil, logger.LogErr(fmt.Errorf("query scopes of access token: %w", err))
	}
	defer rows.Close()

	scopes := []Scope{}
	for rows.Next() {
		var (
			sc          Scope
			description sql.NullString
		)
		if err := rows.Scan(&sc.ID, &sc.Scope, &sc.Name, &description); err != nil {
			return nil, logger.LogErr(fmt.Errorf("scan scope: %w", err))
		}
		sc.Description = description.String
		scopes = append(scopes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, logger.LogErr(fmt.Errorf("iterate scopes: %w", err))
	}

	return scopes, nil
}

func (s *SQLStore) AssociateAuthCodeScope(ctx context.Context, authCodeID, scopeID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO session_authcode_scopes (authcode_id, scope_id)
		VALUES (?, ?)
	`, authCodeID, scopeID); err != nil {
		return logger.LogErr(fmt.Errorf("associate scope %d with auth code %d: %w", scopeID, authCodeID, err))
	}
	return nil
}

func (s *SQLStore) GetAuthCodeScopes(ctx context.Context, authCodeID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_id
		FROM session_authcode_scopes
		WHERE authcode_id = ?
		ORDER BY scope_id
	`, authCodeID)
	if err != nil {
		return nil, logger.LogErr(fmt.Errorf("query scopes of auth code %d: %w", authCodeID, err))
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, logger.LogErr(fmt.Errorf("scan auth code scope: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, logger.LogErr(fmt.Errorf("iterate auth code scopes: %w", err))
	}

	return ids, nil
}

func expectRows(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return logger.LogErr(fmt.Errorf("%s: rows affected: %w", op, err))
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func containsExact(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
