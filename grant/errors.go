package grant

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrConfiguration marks a server that cannot be built from its options.
var ErrConfiguration = errors.New("invalid grant configuration")

// ErrInvalidCredentials is returned by a PasswordVerifier when the resource
// owner's username or password does not match.
var ErrInvalidCredentials = errors.New("invalid resource owner credentials")

// OAuth2 error codes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidScope            = "invalid_scope"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeAccessDenied            = "access_denied"
	CodeInvalidToken            = "invalid_token"
	CodeServerError             = "server_error"
)

// Error is a protocol failure that is reported to the client.
type Error struct {
	Code        string
	Description string
	Status      int
	// WWWAuthenticate asks the transport to send a challenge header.
	WWWAuthenticate bool
	// RedirectURI is set once the authorization request's redirect URI has
	// been verified; the error is then delivered to the client by redirect.
	RedirectURI string
	State       string

	cause error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

func invalidRequest(description string) *Error {
	return newError(CodeInvalidRequest, description, http.StatusBadRequest)
}

func invalidClient() *Error {
	e := newError(CodeInvalidClient, "client authentication failed", http.StatusUnauthorized)
	e.WWWAuthenticate = true
	return e
}

func invalidGrant(description string) *Error {
	return newError(CodeInvalidGrant, description, http.StatusBadRequest)
}

func invalidScope(description string) *Error {
	return newError(CodeInvalidScope, description, http.StatusBadRequest)
}

// serverError hides the cause from the client but keeps it for logging.
func serverError(description string, cause error) *Error {
	e := newError(CodeServerError, description, http.StatusInternalServerError)
	e.cause = cause
	return e
}

// AsError converts any error into the protocol error sent to the client.
func AsError(err error) *Error {
	var gErr *Error
	if errors.As(err, &gErr) && gErr != nil {
		return gErr
	}
	return serverError("internal error", err)
}
