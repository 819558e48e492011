package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/milanbella/sa-oauth/grant"
)

type decision string

const (
	decisionNone  decision = ""
	decisionAllow decision = "allow"
	decisionDeny  decision = "deny"
)

type authorizationRequest struct {
	grant.AuthorizeRequest
	Decision decision
}

func processHTTPAuthorizationRequest(r *http.Request) (*authorizationRequest, error) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		return nil, &grant.Error{Code: grant.CodeInvalidRequest, Description: "authorization request must use GET or POST", Status: http.StatusMethodNotAllowed}
	}

	if err := r.ParseForm(); err != nil {
		return nil, &grant.Error{Code: grant.CodeInvalidRequest, Description: "unable to parse request parameters", Status: http.StatusBadRequest}
	}

	rawRedirectURI := strings.TrimSpace(r.Form.Get("redirect_uri"))
	if rawRedirectURI != "" {
		parsedURI, err := url.Parse(rawRedirectURI)
		if err != nil {
			return nil, &grant.Error{Code: grant.CodeInvalidRequest, Description: "redirect_uri is malformed", Status: http.StatusBadRequest}
		}
		if !parsedURI.IsAbs() {
			return nil, &grant.Error{Code: grant.CodeInvalidRequest, Description: "redirect_uri must be absolute", Status: http.StatusBadRequest}
		}
	}

	authReq := &authorizationRequest{
		AuthorizeRequest: grant.AuthorizeRequest{
			ResponseType: r.Form.Get("response_type"),
			ClientID:     r.Form.Get("client_id"),
			RedirectURI:  rawRedirectURI,
			Scope:        r.Form.Get("scope"),
			State:        r.Form.Get("state"),
		},
	}

	if r.Method == http.MethodPost {
		switch d := decision(strings.ToLower(r.PostForm.Get("decision"))); d {
		case decisionAllow, decisionDeny:
			authReq.Decision = d
		case decisionNone:
			authReq.Decision = decisionAllow
		default:
			return nil, &grant.Error{Code: grant.CodeInvalidRequest, Description: "decision must be allow or deny", Status: http.StatusBadRequest}
		}
	}

	return authReq, nil
}

// appendQuery returns a copy of base with the given parameters added; empty
// values are skipped.
func appendQuery(base string, params map[string]string) (string, error) {
	redirect, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	query := redirect.Query()
	for k, v := range params {
		if v != "" {
			query.Set(k, v)
		}
	}
	redirect.RawQuery = query.Encode()

	return redirect.String(), nil
}

func appendErrorQuery(base, code, description, state string) (string, error) {
	return appendQuery(base, map[string]string{
		"error":             code,
		"error_description": description,
		"state":             state,
	})
}

// safeReturnTo accepts only same-origin absolute paths.
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return raw
}
