package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/milanbella/sa-oauth/identity"
	"github.com/milanbella/sa-oauth/logger"
	"github.com/milanbella/sa-oauth/session"
)

const maxLoginBody = 1 << 16

// LoginHandler authenticates the resource owner and binds them to the
// browser session, then sends them back to return_to.
type LoginHandler struct {
	sessions      *session.Manager
	authenticator *identity.Authenticator
}

// NewLoginHandler constructs an http.Handler for login requests.
func NewLoginHandler(sessions *session.Manager, authenticator *identity.Authenticator) http.Handler {
	return &LoginHandler{sessions: sessions, authenticator: authenticator}
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil || h.authenticator == nil {
		logger.Error(errors.New("login handler misconfigured"))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	req, asJSON, err := readLoginRequest(r)
	if err != nil {
		writeLoginResponse(w, r, asJSON, http.StatusBadRequest, ResponseLogin{Message: "invalid request body"})
		return
	}

	principal, err := h.authenticator.Authenticate(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeLoginResponse(w, r, asJSON, http.StatusUnauthorized, ResponseLogin{Message: "invalid credentials"})
			return
		}
		logger.ErrorContext(r.Context(), fmt.Errorf("login failed: %w", err))
		writeLoginResponse(w, r, asJSON, http.StatusInternalServerError, ResponseLogin{Message: "internal error"})
		return
	}

	if _, err := h.sessions.BindUser(w, r, principal.ID); err != nil {
		writeLoginResponse(w, r, asJSON, http.StatusInternalServerError, ResponseLogin{Message: "internal error"})
		return
	}

	returnTo := safeReturnTo(req.ReturnTo)
	if asJSON {
		writeLoginResponse(w, r, true, http.StatusOK, ResponseLogin{RedirectURL: returnTo})
		return
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// LogoutHandler detaches the user from the browser session.
func LogoutHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := sessions.BindUser(w, r, ""); err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func readLoginRequest(r *http.Request) (RequestLogin, bool, error) {
	var req RequestLogin

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxLoginBody))
		if err != nil {
			return req, true, err
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return req, true, err
		}
		if req.ReturnTo == "" {
			req.ReturnTo = r.URL.Query().Get("return_to")
		}
		return req, true, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, false, err
	}
	req.Username = r.Form.Get("username")
	req.Password = r.Form.Get("password")
	req.ReturnTo = r.Form.Get("return_to")
	return req, false, nil
}

func writeLoginResponse(w http.ResponseWriter, r *http.Request, asJSON bool, status int, resp ResponseLogin) {
	if !asJSON {
		if status == http.StatusOK {
			http.Redirect(w, r, resp.RedirectURL, http.StatusFound)
			return
		}
		http.Error(w, resp.Message, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error(err)
	}
}
