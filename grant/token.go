package grant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/milanbella/sa-oauth/store"
	"github.com/milanbella/sa-oauth/stringutils"
)

// TokenRequest carries the token endpoint parameters. Which fields are used
// depends on GrantType.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	Code        string
	RedirectURI string

	Username string
	Password string

	RefreshToken string
	Scope        string
}

// TokenResponse is the successful token endpoint body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token authenticates the client and runs the requested grant. Failures are
// returned as *Error.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	gt := strings.TrimSpace(req.GrantType)
	resp, err := s.token(ctx, gt, &req)
	if err != nil {
		gErr := AsError(err)
		s.observer.GrantFailed(gt, gErr.Code)
		return nil, gErr
	}
	s.observer.TokenIssued(gt)
	return resp, nil
}

func (s *Server) token(ctx context.Context, gt string, req *TokenRequest) (*TokenResponse, error) {
	if gt == "" {
		return nil, invalidRequest("grant_type is required")
	}
	handler, ok := s.handlers[GrantType(gt)]
	if !ok {
		return nil, newError(CodeUnsupportedGrantType, fmt.Sprintf("grant type %q is not supported", gt), http.StatusBadRequest)
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return nil, invalidClient()
	}

	client, err := s.clients.ResolveClient(ctx, store.ClientByID(clientID).WithSecret(req.ClientSecret).WithGrantType(gt))
	if err != nil {
		if isNotFound(err) {
			return nil, invalidClient()
		}
		return nil, serverError("unable to load client", err)
	}

	return handler(ctx, client, req)
}

func (s *Server) authorizationCodeGrant(ctx context.Context, client *store.Client, req *TokenRequest) (*TokenResponse, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, invalidRequest("code is required")
	}
	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI == "" {
		return nil, invalidRequest("redirect_uri is required")
	}

	authCode, err := s.sessions.ValidateAuthCode(ctx, client.ID, redirectURI, code)
	if err != nil {
		if isNotFound(err) {
			return nil, invalidGrant("authorization code is invalid or expired")
		}
		return nil, serverError("unable to validate authorization code", err)
	}

	// Scope links are deleted together with the code.
	scopeIDs, err := s.sessions.GetAuthCodeScopes(ctx, authCode.AuthCodeID)
	if err != nil {
		return nil, serverError("unable to load authorization code scopes", err)
	}

	if err := s.sessions.ConsumeAuthCode(ctx, authCode.AuthCodeID); err != nil {
		if isNotFound(err) {
			return nil, invalidGrant("authorization code is invalid or expired")
		}
		return nil, serverError("unable to consume authorization code", err)
	}

	resp, err := s.issue(ctx, authCode.SessionID, client.ID, scopeIDs, s.Enabled(RefreshToken))
	if err != nil {
		return nil, err
	}

	if err := s.sessions.UpdateSessionStage(ctx, authCode.SessionID, store.StageGranted); err != nil {
		return nil, serverError("unable to update session", err)
	}
	return resp, nil
}

func (s *Server) clientCredentialsGrant(ctx context.Context, client *store.Client, req *TokenRequest) (*TokenResponse, error) {
	scopes, err := s.resolveScopes(ctx, req.Scope, client.ID, ClientCredentials)
	if err != nil {
		return nil, err
	}

	sessionID, err := s.sessions.CreateSession(ctx, client.ID, store.OwnerTypeClient, client.ID)
	if err != nil {
		return nil, serverError("unable to create session", err)
	}

	resp, err := s.issue(ctx, sessionID, client.ID, scopeIDs(scopes), false)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.UpdateSessionStage(ctx, sessionID, store.StageGranted); err != nil {
		return nil, serverError("unable to update session", err)
	}
	return resp, nil
}

func (s *Server) passwordGrant(ctx context.Context, client *store.Client, req *TokenRequest) (*TokenResponse, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, invalidRequest("username and password are required")
	}

	owner, err := s.opts.PasswordVerifier.VerifyPassword(ctx, username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || isNotFound(err) {
			return nil, invalidGrant("invalid resource owner credentials")
		}
		return nil, serverError("unable to verify credentials", err)
	}

	scopes, err := s.resolveScopes(ctx, req.Scope, client.ID, Password)
	if err != nil {
		return nil, err
	}
	if err := restrictScopes(scopes, owner.Scopes); err != nil {
		return nil, err
	}

	sessionID, err := s.sessions.CreateSession(ctx, client.ID, store.OwnerTypeUser, owner.ID)
	if err != nil {
		return nil, serverError("unable to create session", err)
	}

	resp, err := s.issue(ctx, sessionID, client.ID, scopeIDs(scopes), s.Enabled(RefreshToken))
	if err != nil {
		return nil, err
	}

	if err := s.sessions.UpdateSessionStage(ctx, sessionID, store.StageGranted); err != nil {
		return nil, serverError("unable to update session", err)
	}
	return resp, nil
}

// refreshTokenGrant rotates the token pair. Removing the presented refresh
// token is the single-use check: only one concurrent caller can delete it.
func (s *Server) refreshTokenGrant(ctx context.Context, client *store.Client, req *TokenRequest) (*TokenResponse, error) {
	refreshToken := strings.TrimSpace(req.RefreshToken)
	if refreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	accessTokenID, err := s.sessions.ValidateRefreshToken(ctx, refreshToken, client.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, invalidGrant("refresh token is invalid or expired")
		}
		return nil, serverError("unable to validate refresh token", err)
	}

	old, err := s.sessions.GetAccessToken(ctx, accessTokenID)
	if err != nil {
		if isNotFound(err) {
			return nil, invalidGrant("refresh token is invalid or expired")
		}
		return nil, serverError("unable to load access token", err)
	}

	granted, err := s.sessions.GetScopes(ctx, old.AccessToken)
	if err != nil {
		return nil, serverError("unable to load granted scopes", err)
	}

	scopes := granted
	if requested := stringutils.UniqueFields(req.Scope); len(requested) > 0 {
		scopes = scopes[:0:0]
		for _, name := range requested {
			i := indexOfScope(granted, name)
			if i < 0 {
				return nil, invalidScope(fmt.Sprintf("scope %q was not granted", name))
			}
			scopes = append(scopes, granted[i])
		}
	}

	if err := s.sessions.RemoveRefreshToken(ctx, refreshToken); err != nil {
		if isNotFound(err) {
			return nil, invalidGrant("refresh token is invalid or expired")
		}
		return nil, serverError("unable to revoke refresh token", err)
	}

	if err := s.sessions.RemoveAccessToken(ctx, old.ID); err != nil {
		return nil, serverError("unable to revoke access token", err)
	}

	return s.issue(ctx, old.SessionID, client.ID, scopeIDs(scopes), true)
}

// issue mints an access token, and optionally a refresh token, for the session.
func (s *Server) issue(ctx context.Context, sessionID int64, clientID string, scopes []int64, withRefresh bool) (*TokenResponse, error) {
	now := s.now()

	accessToken, err := s.codec.Generate(s.opts.TokenBytes)
	if err != nil {
		return nil, serverError("unable to generate access token", err)
	}

	accessTokenID, err := s.sessions.AssociateAccessToken(ctx, sessionID, accessToken, now.Add(s.opts.AccessTokenTTL).Unix())
	if err != nil {
		return nil, serverError("unable to store access token", err)
	}

	for _, scopeID := range scopes {
		if err := s.sessions.AssociateScope(ctx, accessTokenID, scopeID); err != nil {
			return nil, serverError("unable to store token scope", err)
		}
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.opts.AccessTokenTTL.Seconds()),
	}

	if withRefresh {
		refreshToken, err := s.codec.Generate(s.opts.TokenBytes)
		if err != nil {
			return nil, serverError("unable to generate refresh token", err)
		}
		if err := s.sessions.AssociateRefreshToken(ctx, accessTokenID, refreshToken, now.Add(s.opts.RefreshTokenTTL).Unix(), clientID); err != nil {
			return nil, serverError("unable to store refresh token", err)
		}
		resp.RefreshToken = refreshToken
	}

	if len(scopes) > 0 {
		granted, err := s.sessions.GetScopes(ctx, accessToken)
		if err != nil {
			return nil, serverError("unable to load granted scopes", err)
		}
		resp.Scope = stringutils.JoinFields(scopeNames(granted))
	}

	return resp, nil
}

func scopeIDs(scopes []store.Scope) []int64 {
	ids := make([]int64, 0, len(scopes))
	for _, sc := range scopes {
		ids = append(ids, sc.ID)
	}
	return ids
}

func indexOfScope(scopes []store.Scope, name string) int {
	for i, sc := range scopes {
		if sc.Scope == name {
			return i
		}
	}
	return -1
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
