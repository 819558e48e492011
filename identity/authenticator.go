package identity

import (
	"context"
	"errors"

	"github.com/milanbella/sa-oauth/grant"
)

// ErrInvalidCredentials indicates the supplied username/password combination is invalid.
var ErrInvalidCredentials = grant.ErrInvalidCredentials

// Authenticator checks resource owner credentials against a UserProvider.
type Authenticator struct {
	users   UserProvider
	encoder PasswordEncoder
}

var _ grant.PasswordVerifier = (*Authenticator)(nil)

func NewAuthenticator(users UserProvider, encoder PasswordEncoder) *Authenticator {
	return &Authenticator{users: users, encoder: encoder}
}

// Users exposes the provider for callers that need the principal's details.
func (a *Authenticator) Users() UserProvider {
	return a.users
}

// Authenticate returns the principal when the password matches. Unknown
// users and wrong passwords both yield ErrInvalidCredentials.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*Principal, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	principal, err := a.users.LoadPrincipal(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !a.encoder.IsPasswordValid(principal.PasswordHash, password, principal.Salt) {
		return nil, ErrInvalidCredentials
	}

	return principal, nil
}

// VerifyPassword lets the password grant use the authenticator. The user's
// allowed scopes, when set, bound the scopes the grant may issue.
func (a *Authenticator) VerifyPassword(ctx context.Context, username, password string) (*grant.ResourceOwner, error) {
	principal, err := a.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return &grant.ResourceOwner{ID: principal.ID, Scopes: principal.AllowedScopes}, nil
}
