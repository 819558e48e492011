// Package store persists OAuth2 clients, scopes and sessions together with
// the codes and tokens bound to them.
//
// Lookups report a failed match with ErrNotFound. That covers rows that do
// not exist, rows that exist but have expired, and credential mismatches;
// callers cannot and should not tell them apart. Any other error is a
// storage fault.
//
// Expiry is compared against the clock at the moment of each query and
// nothing is cached between calls.
package store

import (
	"context"
	"errors"
)

// ErrNotFound reports that a lookup matched nothing usable.
var ErrNotFound = errors.New("not found")

// ClientQuery narrows a client lookup. Nil filters do not constrain the match.
type ClientQuery struct {
	ClientID    string
	Secret      *string
	RedirectURI *string
	GrantType   string
}

// ClientByID starts a query for the given client identifier.
func ClientByID(clientID string) ClientQuery {
	return ClientQuery{ClientID: clientID}
}

// WithSecret requires the stored secret to equal secret exactly.
func (q ClientQuery) WithSecret(secret string) ClientQuery {
	q.Secret = &secret
	return q
}

// WithRedirectURI requires uri to be one of the client's registered redirect URIs.
func (q ClientQuery) WithRedirectURI(uri string) ClientQuery {
	q.RedirectURI = &uri
	return q
}

// WithGrantType records the grant type of the request. Stores may use it to
// restrict clients; the bundled stores accept every grant type.
func (q ClientQuery) WithGrantType(grantType string) ClientQuery {
	q.GrantType = grantType
	return q
}

// ClientStore validates client identity, secret and redirect URI combinations.
type ClientStore interface {
	ResolveClient(ctx context.Context, q ClientQuery) (*Client, error)
}

// ScopeStore resolves scope identifiers. clientID and grantType are accepted so
// an implementation can restrict scopes per client or grant; they may be empty.
type ScopeStore interface {
	ResolveScope(ctx context.Context, scope, clientID, grantType string) (*Scope, error)
}

// SessionStore owns sessions and everything bound to them.
type SessionStore interface {
	CreateSession(ctx context.Context, clientID string, ownerType OwnerType, ownerID string) (int64, error)
	GetSession(ctx context.Context, sessionID int64) (*Session, error)
	UpdateSessionStage(ctx context.Context, sessionID int64, stage Stage) error
	DeleteSession(ctx context.Context, clientID string, ownerType OwnerType, ownerID string) error

	AssociateRedirectURI(ctx context.Context, sessionID int64, redirectURI string) error
	AssociateAccessToken(ctx context.Context, sessionID int64, accessToken string, expiresAt int64) (int64, error)
	AssociateRefreshToken(ctx context.Context, accessTokenID int64, refreshToken string, expiresAt int64, clientID string) error
	AssociateAuthCode(ctx context.Context, sessionID int64, authCode string, expiresAt int64) (int64, error)

	// RemoveAuthCode deletes every authorization code of the session.
	RemoveAuthCode(ctx context.Context, sessionID int64) error
	// ConsumeAuthCode deletes one authorization code. Exactly one caller
	// succeeds for a given code; the others get ErrNotFound.
	ConsumeAuthCode(ctx context.Context, authCodeID int64) error
	ValidateAuthCode(ctx context.Context, clientID, redirectURI, authCode string) (*AuthCodeGrant, error)

	ValidateAccessToken(ctx context.Context, accessToken string) (*TokenOwner, error)
	GetAccessToken(ctx context.Context, accessTokenID int64) (*AccessToken, error)
	RemoveAccessToken(ctx context.Context, accessTokenID int64) error

	ValidateRefreshToken(ctx context.Context, refreshToken, clientID string) (int64, error)
	// RemoveRefreshToken deletes the token, returning ErrNotFound if it was already gone.
	RemoveRefreshToken(ctx context.Context, refreshToken string) error

	AssociateScope(ctx context.Context, accessTokenID, scopeID int64) error
	GetScopes(ctx context.Context, accessToken string) ([]Scope, error)
	AssociateAuthCodeScope(ctx context.Context, authCodeID, scopeID int64) error
	GetAuthCodeScopes(ctx context.Context, authCodeID int64) ([]int64, error)
}
