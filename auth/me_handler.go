package auth

import (
	"net/http"
)

// MeHandler describes the owner of the presented bearer token.
func MeHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	resp := ResponseMe{
		OwnerID:   principal.OwnerID,
		OwnerType: string(principal.OwnerType),
		ClientID:  principal.ClientID,
		Scopes:    principal.Scopes,
		Roles:     principal.Roles,
	}
	if principal.User != nil {
		resp.Username = principal.User.Username
	}

	writeNoStoreJSON(w, http.StatusOK, resp)
}
