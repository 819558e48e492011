package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/milanbella/sa-oauth/grant"
	"github.com/milanbella/sa-oauth/logger"
	"github.com/milanbella/sa-oauth/session"
)

// AuthorizationHandler handles OAuth 2.0 authorization requests. A resource
// owner without a logged in browser session is sent to the login path first.
// GET approves immediately; POST carries an explicit allow or deny decision.
type AuthorizationHandler struct {
	server    *grant.Server
	loginPath string
}

// NewAuthorizationHandler constructs an http.Handler that processes authorization requests.
func NewAuthorizationHandler(server *grant.Server, loginPath string) http.Handler {
	return &AuthorizationHandler{server: server, loginPath: loginPath}
}

func (h *AuthorizationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.server == nil {
		logger.Error(errors.New("authorization handler misconfigured: nil grant server"))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if h.loginPath == "" {
		logger.Error(errors.New("authorization handler misconfigured: empty login path"))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	authReq, err := processHTTPAuthorizationRequest(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	authorization, err := h.server.ValidateAuthorizeRequest(r.Context(), authReq.AuthorizeRequest)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	sessionInfo, ok := session.FromContext(r.Context())
	if !ok {
		logger.ErrorContext(r.Context(), errors.New("session information missing in context"))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if !sessionInfo.LoggedIn() {
		loginURL, err := appendQuery(h.loginPath, map[string]string{"return_to": r.URL.RequestURI()})
		if err != nil {
			h.handleError(w, r, fmt.Errorf("build login redirect: %w", err))
			return
		}
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}

	if authReq.Decision == decisionDeny {
		h.handleError(w, r, h.server.DenyAuthorization(r.Context(), authorization, sessionInfo.UserID))
		return
	}

	code, err := h.server.IssueAuthCode(r.Context(), authorization, sessionInfo.UserID)
	if err != nil {
		// The redirect URI is trusted by now.
		gErr := grant.AsError(err)
		gErr.RedirectURI = authorization.RedirectURI
		gErr.State = authorization.State
		h.handleError(w, r, gErr)
		return
	}

	successRedirect, err := appendQuery(authorization.RedirectURI, map[string]string{
		"code":  code,
		"state": authorization.State,
	})
	if err != nil {
		h.handleError(w, r, fmt.Errorf("build redirect for client %s: %w", authorization.Client.ID, err))
		return
	}
	http.Redirect(w, r, successRedirect, http.StatusFound)
}

func (h *AuthorizationHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	gErr := grant.AsError(err)
	if gErr.Code == grant.CodeServerError {
		logger.ErrorContext(r.Context(), err)
	}

	if gErr.RedirectURI != "" {
		description := gErr.Description
		if gErr.Code == grant.CodeServerError {
			description = "internal error"
		}
		redirect, buildErr := appendErrorQuery(gErr.RedirectURI, gErr.Code, description, gErr.State)
		if buildErr == nil {
			http.Redirect(w, r, redirect, http.StatusFound)
			return
		}
		logger.ErrorContext(r.Context(), fmt.Errorf("build error redirect: %w", buildErr))
	}

	status := gErr.Status
	if status == 0 || status == http.StatusFound {
		status = http.StatusBadRequest
	}
	if gErr.Code == grant.CodeServerError {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.Error(w, gErr.Error(), status)
}
