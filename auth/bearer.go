package auth

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/milanbella/sa-oauth/grant"
	"github.com/milanbella/sa-oauth/identity"
	"github.com/milanbella/sa-oauth/logger"
	"github.com/milanbella/sa-oauth/store"
)

type principalCtxKey struct{}

type rejectedCtxKey struct{}

// Principal is the security context of a request carrying a valid bearer token.
type Principal struct {
	SessionID int64
	ClientID  string
	OwnerID   string
	OwnerType store.OwnerType
	Scopes    []string
	// Roles merges the user's own roles with ROLE_<SCOPE> for every granted scope.
	Roles []string
	// User is set for tokens owned by a user that still exists.
	User *identity.Principal
}

func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PrincipalFromContext returns the principal attached by BearerAuthenticator.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(*Principal)
	return p, ok && p != nil
}

// ScopeRole maps a scope to the role granted with it.
func ScopeRole(scope string) string {
	return "ROLE_" + strings.ToUpper(scope)
}

// BearerAuthenticator resolves bearer tokens into a Principal. A request
// without a token, or with an unknown or expired one, continues
// unauthenticated; guards such as RequireAuthenticated decide what to do.
type BearerAuthenticator struct {
	server *grant.Server
	users  identity.UserProvider
}

func NewBearerAuthenticator(server *grant.Server, users identity.UserProvider) *BearerAuthenticator {
	return &BearerAuthenticator{server: server, users: users}
}

func (b *BearerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := b.authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				ctx := context.WithValue(r.Context(), rejectedCtxKey{}, true)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			logger.ErrorContext(r.Context(), fmt.Errorf("bearer authentication: %w", err))
			writeNoStoreJSON(w, http.StatusInternalServerError, responseError{Error: grant.CodeServerError, ErrorDescription: "internal error"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalCtxKey{}, principal)))
	})
}

func (b *BearerAuthenticator) authenticate(ctx context.Context, token string) (*Principal, error) {
	info, err := b.server.VerifyAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}

	principal := &Principal{
		SessionID: info.SessionID,
		ClientID:  info.ClientID,
		OwnerID:   info.OwnerID,
		OwnerType: info.OwnerType,
		Scopes:    info.Scopes,
		Roles:     []string{},
	}

	if info.OwnerType == store.OwnerTypeUser && b.users != nil {
		user, err := b.users.FindByID(ctx, info.OwnerID)
		switch {
		case err == nil:
			principal.User = user
			principal.Roles = append(principal.Roles, user.Roles...)
		case errors.Is(err, identity.ErrUserNotFound):
		default:
			return nil, err
		}
	}

	for _, scope := range info.Scopes {
		if role := ScopeRole(scope); !principal.HasRole(role) {
			principal.Roles = append(principal.Roles, role)
		}
	}

	return principal, nil
}

// extractBearerToken reads the Authorization header, then the access_token
// query parameter, then a form-encoded body field of the same name.
func extractBearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}

	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "application/x-www-form-urlencoded" {
			return r.PostFormValue("access_token")
		}
	}

	return ""
}

// RequireAuthenticated rejects requests without a valid bearer token.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			challenge := `Bearer realm="sa-oauth"`
			if rejected, _ := r.Context().Value(rejectedCtxKey{}).(bool); rejected {
				challenge += `, error="invalid_token"`
			}
			w.Header().Set("WWW-Authenticate", challenge)
			writeNoStoreJSON(w, http.StatusUnauthorized, responseError{Error: grant.CodeInvalidToken, ErrorDescription: "a valid bearer token is required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireScope rejects authenticated requests whose token lacks scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return RequireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := PrincipalFromContext(r.Context())
			if !principal.HasScope(scope) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="sa-oauth", error="insufficient_scope", scope="`+scope+`"`)
				writeNoStoreJSON(w, http.StatusForbidden, responseError{Error: "insufficient_scope", ErrorDescription: "token lacks scope " + scope})
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
