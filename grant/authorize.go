package grant

import (
	"context"
	"net/http"
	"strings"

	"github.com/milanbella/sa-oauth/store"
)

// AuthorizeRequest carries the authorization endpoint parameters.
type AuthorizeRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
}

// Authorization is a validated authorization request awaiting the resource
// owner's decision.
type Authorization struct {
	Client      *store.Client
	RedirectURI string
	Scopes      []store.Scope
	State       string
}

// ValidateAuthorizeRequest checks the client and redirect URI first. Errors
// found after that carry RedirectURI and State so they can be reported back
// to the client by redirect.
func (s *Server) ValidateAuthorizeRequest(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return nil, invalidRequest("client_id is required")
	}

	client, err := s.clients.ResolveClient(ctx, store.ClientByID(clientID).WithGrantType(string(AuthorizationCode)))
	if err != nil {
		if isNotFound(err) {
			return nil, newError(CodeInvalidClient, "unknown client", http.StatusBadRequest)
		}
		return nil, serverError("unable to load client", err)
	}

	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			return nil, invalidRequest("redirect_uri is required")
		}
		redirectURI = client.RedirectURIs[0]
	}

	client, err = s.clients.ResolveClient(ctx, store.ClientByID(clientID).WithRedirectURI(redirectURI).WithGrantType(string(AuthorizationCode)))
	if err != nil {
		if isNotFound(err) {
			return nil, invalidRequest("redirect_uri is not registered for this client")
		}
		return nil, serverError("unable to load client", err)
	}

	auth := &Authorization{
		Client:      client,
		RedirectURI: redirectURI,
		State:       req.State,
	}

	if err := s.checkAuthorizeRequest(ctx, auth, req); err != nil {
		gErr := AsError(err)
		gErr.RedirectURI = redirectURI
		gErr.State = req.State
		return nil, gErr
	}

	return auth, nil
}

func (s *Server) checkAuthorizeRequest(ctx context.Context, auth *Authorization, req AuthorizeRequest) error {
	switch strings.TrimSpace(req.ResponseType) {
	case "":
		return invalidRequest("response_type is required")
	case "code":
	default:
		return newError(CodeUnsupportedResponseType, "only response_type=code is supported", http.StatusBadRequest)
	}
	if !s.Enabled(AuthorizationCode) {
		return newError(CodeUnauthorizedClient, "authorization code grant is disabled", http.StatusBadRequest)
	}

	scopes, err := s.resolveScopes(ctx, req.Scope, auth.Client.ID, AuthorizationCode)
	if err != nil {
		return err
	}
	auth.Scopes = scopes
	return nil
}

// IssueAuthCode records the owner's approval: a new session bound to the
// redirect URI, and a short lived code carrying the requested scopes.
func (s *Server) IssueAuthCode(ctx context.Context, auth *Authorization, ownerID string) (string, error) {
	sessionID, err := s.sessions.CreateSession(ctx, auth.Client.ID, store.OwnerTypeUser, ownerID)
	if err != nil {
		return "", serverError("unable to create session", err)
	}

	if err := s.sessions.AssociateRedirectURI(ctx, sessionID, auth.RedirectURI); err != nil {
		return "", serverError("unable to store redirect uri", err)
	}

	code, err := s.codec.Generate(s.opts.TokenBytes)
	if err != nil {
		return "", serverError("unable to generate authorization code", err)
	}

	codeID, err := s.sessions.AssociateAuthCode(ctx, sessionID, code, s.now().Add(s.opts.AuthCodeTTL).Unix())
	if err != nil {
		return "", serverError("unable to store authorization code", err)
	}

	for _, sc := range auth.Scopes {
		if err := s.sessions.AssociateAuthCodeScope(ctx, codeID, sc.ID); err != nil {
			return "", serverError("unable to store authorization code scope", err)
		}
	}

	return code, nil
}

// DenyAuthorization records a refused request as a denied session and
// returns the error to redirect back to the client.
func (s *Server) DenyAuthorization(ctx context.Context, auth *Authorization, ownerID string) error {
	sessionID, err := s.sessions.CreateSession(ctx, auth.Client.ID, store.OwnerTypeUser, ownerID)
	if err != nil {
		return serverError("unable to create session", err)
	}
	if err := s.sessions.UpdateSessionStage(ctx, sessionID, store.StageDenied); err != nil {
		return serverError("unable to update session", err)
	}

	s.observer.GrantFailed(string(AuthorizationCode), CodeAccessDenied)
	return &Error{
		Code:        CodeAccessDenied,
		Description: "the resource owner denied the request",
		Status:      http.StatusFound,
		RedirectURI: auth.RedirectURI,
		State:       auth.State,
	}
}

// RevokeSessions removes every session the owner holds with the client,
// along with their codes and tokens.
func (s *Server) RevokeSessions(ctx context.Context, clientID string, ownerType store.OwnerType, ownerID string) error {
	if err := s.sessions.DeleteSession(ctx, clientID, ownerType, ownerID); err != nil {
		return serverError("unable to delete sessions", err)
	}
	return nil
}
