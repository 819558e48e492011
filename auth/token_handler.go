package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/milanbella/sa-oauth/grant"
	"github.com/milanbella/sa-oauth/logger"
)

// TokenHandler handles OAuth token endpoint requests.
type TokenHandler struct {
	server *grant.Server
}

// NewTokenHandler constructs an http.Handler for the token endpoint.
func NewTokenHandler(server *grant.Server) http.Handler {
	return &TokenHandler{server: server}
}

func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.server == nil {
		logger.Error(errors.New("token handler misconfigured: nil grant server"))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	req, err := parseTokenRequest(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp, err := h.server.Token(r.Context(), *req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeNoStoreJSON(w, http.StatusOK, resp)
}

// parseTokenRequest reads the form body and the client credentials, which
// may come from HTTP Basic auth or from client_id/client_secret form fields.
func parseTokenRequest(r *http.Request) (*grant.TokenRequest, error) {
	if r.Method != http.MethodPost {
		return nil, &grant.Error{Code: grant.CodeInvalidRequest, Description: "token endpoint requires POST", Status: http.StatusMethodNotAllowed}
	}

	if err := r.ParseForm(); err != nil {
		return nil, &grant.Error{Code: grant.CodeInvalidRequest, Description: "unable to parse request body", Status: http.StatusBadRequest}
	}

	clientID, clientSecret, hasBasic := r.BasicAuth()
	if hasBasic {
		// Basic credentials are form-urlencoded before base64.
		var err error
		if clientID, err = url.QueryUnescape(clientID); err != nil {
			return nil, &grant.Error{Code: grant.CodeInvalidClient, Description: "malformed client credentials", Status: http.StatusUnauthorized, WWWAuthenticate: true}
		}
		if clientSecret, err = url.QueryUnescape(clientSecret); err != nil {
			return nil, &grant.Error{Code: grant.CodeInvalidClient, Description: "malformed client credentials", Status: http.StatusUnauthorized, WWWAuthenticate: true}
		}
	} else {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}

	return &grant.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     strings.TrimSpace(clientID),
		ClientSecret: clientSecret,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	}, nil
}

func (h *TokenHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	gErr := grant.AsError(err)

	response := responseError{Error: gErr.Code, ErrorDescription: gErr.Description}
	if gErr.Code == grant.CodeServerError {
		logger.ErrorContext(r.Context(), err)
		response.ErrorDescription = "internal error"
	}

	status := gErr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	if gErr.WWWAuthenticate {
		w.Header().Set("WWW-Authenticate", `Basic realm="sa-oauth", error="`+gErr.Code+`"`)
	}

	writeNoStoreJSON(w, status, response)
}

func writeNoStoreJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error(err)
	}
}
