package grant

import (
	"context"
	"strings"

	"github.com/milanbella/sa-oauth/store"
)

// AccessInfo describes a valid bearer token.
type AccessInfo struct {
	SessionID int64
	ClientID  string
	OwnerID   string
	OwnerType store.OwnerType
	Scopes    []string
}

// HasScope reports whether the token was granted scope.
func (a *AccessInfo) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// VerifyAccessToken resolves a bearer token. Unknown and expired tokens yield
// store.ErrNotFound; any other error is a storage fault.
func (s *Server) VerifyAccessToken(ctx context.Context, accessToken string) (*AccessInfo, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		s.observer.TokenVerified("invalid")
		return nil, store.ErrNotFound
	}

	owner, err := s.sessions.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		s.observer.TokenVerified(verifyResult(err))
		return nil, err
	}

	scopes, err := s.sessions.GetScopes(ctx, accessToken)
	if err != nil {
		s.observer.TokenVerified(verifyResult(err))
		return nil, err
	}

	s.observer.TokenVerified("valid")
	return &AccessInfo{
		SessionID: owner.SessionID,
		ClientID:  owner.ClientID,
		OwnerID:   owner.OwnerID,
		OwnerType: owner.OwnerType,
		Scopes:    scopeNames(scopes),
	}, nil
}

func verifyResult(err error) string {
	if isNotFound(err) {
		return "invalid"
	}
	return "error"
}
