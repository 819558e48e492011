// Package grant implements the OAuth2 grant flows on top of the stores in
// package store: code issuance at the authorization endpoint, the
// authorization_code, client_credentials, password and refresh_token grants
// at the token endpoint, and bearer token verification for resource servers.
package grant

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/milanbella/sa-oauth/store"
	"github.com/milanbella/sa-oauth/stringutils"
	"github.com/milanbella/sa-oauth/tokens"
)

// GrantType names a token endpoint flow.
type GrantType string

const (
	AuthorizationCode GrantType = "authorization_code"
	ClientCredentials GrantType = "client_credentials"
	Password          GrantType = "password"
	RefreshToken      GrantType = "refresh_token"
)

// ResourceOwner is a user whose password was verified by a PasswordVerifier.
type ResourceOwner struct {
	ID string
	// Scopes, when non-nil, is the full set of scopes the owner may be granted.
	Scopes []string
}

// PasswordVerifier checks resource owner credentials for the password grant.
// It returns ErrInvalidCredentials when they do not match.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, username, password string) (*ResourceOwner, error)
}

// PasswordVerifierFunc adapts a function to PasswordVerifier.
type PasswordVerifierFunc func(ctx context.Context, username, password string) (*ResourceOwner, error)

func (f PasswordVerifierFunc) VerifyPassword(ctx context.Context, username, password string) (*ResourceOwner, error) {
	return f(ctx, username, password)
}

// Observer receives grant outcomes. Implementations must be safe for concurrent use.
type Observer interface {
	TokenIssued(grantType string)
	GrantFailed(grantType, code string)
	TokenVerified(result string)
}

type nopObserver struct{}

func (nopObserver) TokenIssued(string)         {}
func (nopObserver) GrantFailed(string, string) {}
func (nopObserver) TokenVerified(string)       {}

// Options configures a Server.
type Options struct {
	GrantTypes      []string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	// TokenBytes is the entropy of every generated token. Zero means tokens.DefaultByteLength.
	TokenBytes    int
	DefaultScopes []string
	RequireScope  bool

	PasswordVerifier PasswordVerifier
	Codec            *tokens.Codec
	Observer         Observer
	Now              func() time.Time
}

type grantHandler func(ctx context.Context, client *store.Client, req *TokenRequest) (*TokenResponse, error)

// Server runs the grant flows.
type Server struct {
	clients  store.ClientStore
	scopes   store.ScopeStore
	sessions store.SessionStore

	opts     Options
	codec    *tokens.Codec
	observer Observer
	now      func() time.Time
	handlers map[GrantType]grantHandler
}

// NewServer validates opts and registers the configured grant types. Every
// failure wraps ErrConfiguration.
func NewServer(clients store.ClientStore, scopes store.ScopeStore, sessions store.SessionStore, opts Options) (*Server, error) {
	if clients == nil || scopes == nil || sessions == nil {
		return nil, fmt.Errorf("%w: client, scope and session stores are required", ErrConfiguration)
	}
	if len(opts.GrantTypes) == 0 {
		return nil, fmt.Errorf("%w: no grant types enabled", ErrConfiguration)
	}
	if opts.AccessTokenTTL <= 0 {
		return nil, fmt.Errorf("%w: access token ttl must be greater than zero", ErrConfiguration)
	}
	if opts.TokenBytes < 0 {
		return nil, fmt.Errorf("%w: token length must not be negative", ErrConfiguration)
	}
	if opts.TokenBytes == 0 {
		opts.TokenBytes = tokens.DefaultByteLength
	}

	s := &Server{
		clients:  clients,
		scopes:   scopes,
		sessions: sessions,
		opts:     opts,
		codec:    opts.Codec,
		observer: opts.Observer,
		now:      opts.Now,
		handlers: make(map[GrantType]grantHandler),
	}
	if s.codec == nil {
		codec, err := tokens.New()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		s.codec = codec
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.now == nil {
		s.now = time.Now
	}

	for _, raw := range opts.GrantTypes {
		gt := GrantType(strings.TrimSpace(raw))
		switch gt {
		case AuthorizationCode:
			if opts.AuthCodeTTL <= 0 {
				return nil, fmt.Errorf("%w: authorization code ttl must be greater than zero", ErrConfiguration)
			}
			s.handlers[gt] = s.authorizationCodeGrant
		case ClientCredentials:
			s.handlers[gt] = s.clientCredentialsGrant
		case Password:
			if opts.PasswordVerifier == nil {
				return nil, fmt.Errorf("%w: password grant requires a password verifier", ErrConfiguration)
			}
			s.handlers[gt] = s.passwordGrant
		case RefreshToken:
			if opts.RefreshTokenTTL <= 0 {
				return nil, fmt.Errorf("%w: refresh token ttl must be greater than zero", ErrConfiguration)
			}
			s.handlers[gt] = s.refreshTokenGrant
		default:
			return nil, fmt.Errorf("%w: unsupported grant type %q", ErrConfiguration, raw)
		}
	}

	return s, nil
}

// Enabled reports whether the grant type was registered.
func (s *Server) Enabled(gt GrantType) bool {
	_, ok := s.handlers[gt]
	return ok
}

// resolveScopes turns a space separated scope parameter into stored scopes,
// falling back to the configured defaults.
func (s *Server) resolveScopes(ctx context.Context, raw, clientID string, gt GrantType) ([]store.Scope, error) {
	names := stringutils.UniqueFields(raw)
	if len(names) == 0 {
		names = s.opts.DefaultScopes
	}
	if len(names) == 0 {
		if s.opts.RequireScope {
			return nil, invalidRequest("scope is required")
		}
		return nil, nil
	}

	scopes := make([]store.Scope, 0, len(names))
	for _, name := range names {
		sc, err := s.scopes.ResolveScope(ctx, name, clientID, string(gt))
		if err != nil {
			if isNotFound(err) {
				return nil, invalidScope(fmt.Sprintf("unknown scope %q", name))
			}
			return nil, serverError("unable to resolve scope", err)
		}
		scopes = append(scopes, *sc)
	}
	return scopes, nil
}

func scopeNames(scopes []store.Scope) []string {
	names := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		names = append(names, sc.Scope)
	}
	return names
}

// restrictScopes rejects scopes outside allowed. A nil allowed list permits everything.
func restrictScopes(scopes []store.Scope, allowed []string) error {
	if allowed == nil {
		return nil
	}
	for _, sc := range scopes {
		if !slices.Contains(allowed, sc.Scope) {
			return invalidScope(fmt.Sprintf("scope %q is not permitted", sc.Scope))
		}
	}
	return nil
}
