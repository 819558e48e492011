package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps clients, scopes and sessions in maps. It mirrors the
// relational store's semantics, including cascading deletes, and is meant
// for tests and single-process development setups.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	clients map[string]Client
	scopes  map[string]Scope

	sessions       map[int64]*Session
	redirects      map[int64][]string
	accessTokens   map[int64]*AccessToken
	refreshTokens  map[string]*memRefreshToken
	authCodes      map[int64]*memAuthCode
	tokenScopes    map[int64][]int64
	authCodeScopes map[int64][]int64

	lastSessionID  int64
	lastTokenID    int64
	lastAuthCodeID int64
	lastScopeID    int64
}

type memRefreshToken struct {
	accessTokenID int64
	expiresAt     int64
	clientID      string
}

type memAuthCode struct {
	id        int64
	sessionID int64
	code      string
	expiresAt int64
}

var (
	_ ClientStore  = (*MemoryStore)(nil)
	_ ScopeStore   = (*MemoryStore)(nil)
	_ SessionStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:            now,
		clients:        make(map[string]Client),
		scopes:         make(map[string]Scope),
		sessions:       make(map[int64]*Session),
		redirects:      make(map[int64][]string),
		accessTokens:   make(map[int64]*AccessToken),
		refreshTokens:  make(map[string]*memRefreshToken),
		authCodes:      make(map[int64]*memAuthCode),
		tokenScopes:    make(map[int64][]int64),
		authCodeScopes: make(map[int64][]int64),
	}
}

// PutClient registers or replaces a client.
func (m *MemoryStore) PutClient(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	c.RedirectURI = ""
	m.clients[c.ID] = c
}

// PutScope registers a scope and returns its assigned id.
func (m *MemoryStore) PutScope(scope, name, description string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.scopes[scope]; ok {
		existing.Name = name
		existing.Description = description
		m.scopes[scope] = existing
		return existing.ID
	}
	m.lastScopeID++
	m.scopes[scope] = Scope{ID: m.lastScopeID, Scope: scope, Name: name, Description: description}
	return m.lastScopeID
}

func (m *MemoryStore) unixNow() int64 {
	return m.now().Unix()
}

func (m *MemoryStore) ResolveClient(_ context.Context, q ClientQuery) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[q.ClientID]
	if !ok || strings.TrimSpace(q.ClientID) == "" {
		return nil, ErrNotFound
	}
	if q.Secret != nil && subtle.ConstantTimeCompare([]byte(c.Secret), []byte(*q.Secret)) != 1 {
		return nil, ErrNotFound
	}

	out := c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	if q.RedirectURI != nil {
		if !containsExact(c.RedirectURIs, *q.RedirectURI) {
			return nil, ErrNotFound
		}
		out.RedirectURI = *q.RedirectURI
	}
	return &out, nil
}

func (m *MemoryStore) ResolveScope(_ context.Context, scope, _, _ string) (*Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.scopes[scope]
	if !ok {
		return nil, ErrNotFound
	}
	return &sc, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, clientID string, ownerType OwnerType, ownerID string) (int64, error) {
	if strings.TrimSpace(clientID) == "" {
		return 0, errors.New("client id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSessionID++
	now := m.unixNow()
	m.sessions[m.lastSessionID] = &Session{
		ID:        m.lastSessionID,
		ClientID:  clientID,
		OwnerType: ownerType,
		OwnerID:   ownerID,
		Stage:     StageRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return m.lastSessionID, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sess
	return &out, nil
}

func (m *MemoryStore) UpdateSessionStage(_ context.Context, sessionID int64, stage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Stage = stage
	sess.UpdatedAt = m.unixNow()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, clientID string, ownerType OwnerType, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		if sess.ClientID == clientID && sess.OwnerType == ownerType && sess.OwnerID == ownerID {
			m.deleteSessionLocked(id)
		}
	}
	return nil
}

func (m *MemoryStore) deleteSessionLocked(sessionID int64) {
	delete(m.sessions, sessionID)
	delete(m.redirects, sessionID)
	for id, code := range m.authCodes {
		if code.sessionID == sessionID {
			m.deleteAuthCodeLocked(id)
		}
	}
	for id, tok := range m.accessTokens {
		if tok.SessionID == sessionID {
			m.deleteAccessTokenLocked(id)
		}
	}
}

func (m *MemoryStore) deleteAuthCodeLocked(id int64) {
	delete(m.authCodes, id)
	delete(m.authCodeScopes, id)
}

func (m *MemoryStore) deleteAccessTokenLocked(id int64) {
	delete(m.accessTokens, id)
	delete(m.tokenScopes, id)
	for tok, rt := range m.refreshTokens {
		if rt.accessTokenID == id {
			delete(m.refreshTokens, tok)
		}
	}
}

func (m *MemoryStore) AssociateRedirectURI(_ context.Context, sessionID int64, redirectURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirects[sessionID] = append(m.redirects[sessionID], redirectURI)
	return nil
}

func (m *MemoryStore) AssociateAccessToken(_ context.Context, sessionID int64, accessToken string, expiresAt int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tok := range m.accessTokens {
		if tok.AccessToken == accessToken {
			return 0, errors.New("duplicate access token")
		}
	}
	m.lastTokenID++
	m.accessTokens[m.lastTokenID] = &AccessToken{
		ID:          m.lastTokenID,
		SessionID:   sessionID,
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
	}
	return m.lastTokenID, nil
}

func (m *MemoryStore) AssociateRefreshToken(_ context.Context, accessTokenID int64, refreshToken string, expiresAt int64, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.refreshTokens[refreshToken]; dup {
		return errors.New("duplicate refresh token")
	}
	m.refreshTokens[refreshToken] = &memRefreshToken{
		accessTokenID: accessTokenID,
		expiresAt:     expiresAt,
		clientID:      clientID,
	}
	return nil
}

func (m *MemoryStore) AssociateAuthCode(_ context.Context, sessionID int64, authCode string, expiresAt int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, code := range m.authCodes {
		if code.code == authCode {
			return 0, errors.New("duplicate auth code")
		}
	}
	m.lastAuthCodeID++
	m.authCodes[m.lastAuthCodeID] = &memAuthCode{
		id:        m.lastAuthCodeID,
		sessionID: sessionID,
		code:      authCode,
		expiresAt: expiresAt,
	}
	return m.lastAuthCodeID, nil
}

func (m *MemoryStore) RemoveAuthCode(_ context.Context, sessionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, code := range m.authCodes {
		if code.sessionID == sessionID {
			m.deleteAuthCodeLocked(id)
		}
	}
	return nil
}

func (m *MemoryStore) ConsumeAuthCode(_ context.Context, authCodeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.authCodes[authCodeID]; !ok {
		return ErrNotFound
	}
	m.deleteAuthCodeLocked(authCodeID)
	return nil
}

func (m *MemoryStore) ValidateAuthCode(_ context.Context, clientID, redirectURI, authCode string) (*AuthCodeGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.unixNow()
	for _, code := range m.authCodes {
		if code.code != authCode || code.expiresAt < now {
			continue
		}
		sess, ok := m.sessions[code.sessionID]
		if !ok || sess.ClientID != clientID {
			continue
		}
		if !containsExact(m.redirects[sess.ID], redirectURI) {
			continue
		}
		return &AuthCodeGrant{SessionID: sess.ID, AuthCodeID: code.id}, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ValidateAccessToken(_ context.Context, accessToken string) (*TokenOwner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.unixNow()
	for _, tok := range m.accessTokens {
		if tok.AccessToken != accessToken || tok.ExpiresAt < now {
			continue
		}
		sess, ok := m.sessions[tok.SessionID]
		if !ok {
			continue
		}
		return &TokenOwner{
			SessionID: sess.ID,
			ClientID:  sess.ClientID,
			OwnerID:   sess.OwnerID,
			OwnerType: sess.OwnerType,
		}, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetAccessToken(_ context.Context, accessTokenID int64) (*AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.accessTokens[accessTokenID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *tok
	return &out, nil
}

func (m *MemoryStore) RemoveAccessToken(_ context.Context, accessTokenID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteAccessTokenLocked(accessTokenID)
	return nil
}

func (m *MemoryStore) ValidateRefreshToken(_ context.Context, refreshToken, clientID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.refreshTokens[refreshToken]
	if !ok || rt.expiresAt < m.unixNow() || rt.clientID != clientID {
		return 0, ErrNotFound
	}
	tok, ok := m.accessTokens[rt.accessTokenID]
	if !ok {
		return 0, ErrNotFound
	}
	if _, ok := m.sessions[tok.SessionID]; !ok {
		return 0, ErrNotFound
	}
	return rt.accessTokenID, nil
}

func (m *MemoryStore) RemoveRefreshToken(_ context.Context, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refreshTokens[refreshToken]; !ok {
		return ErrNotFound
	}
	delete(m.refreshTokens, refreshToken)
	return nil
}

func (m *MemoryStore) AssociateScope(_ context.Context, accessTokenID, scopeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenScopes[accessTokenID] = append(m.tokenScopes[accessTokenID], scopeID)
	return nil
}

func (m *MemoryStore) GetScopes(_ context.Context, accessToken string) ([]Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scopes := []Scope{}
	for id, tok := range m.accessTokens {
		if tok.AccessToken != accessToken {
			continue
		}
		for _, scopeID := range m.tokenScopes[id] {
			if sc, ok := m.scopeByIDLocked(scopeID); ok {
				scopes = append(scopes, sc)
			}
		}
	}
	slices.SortFunc(scopes, func(a, b Scope) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return scopes, nil
}

func (m *MemoryStore) scopeByIDLocked(id int64) (Scope, bool) {
	for _, sc := range m.scopes {
		if sc.ID == id {
			return sc, true
		}
	}
	return Scope{}, false
}

func (m *MemoryStore) AssociateAuthCodeScope(_ context.Context, authCodeID, scopeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCodeScopes[authCodeID] = append(m.authCodeScopes[authCodeID], scopeID)
	return nil
}

func (m *MemoryStore) GetAuthCodeScopes(_ context.Context, authCodeID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := slices.Clone(m.authCodeScopes[authCodeID])
	if ids == nil {
		ids = []int64{}
	}
	slices.Sort(ids)
	return ids, nil
}
