package auth

type RequestLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ReturnTo string `json:"return_to,omitempty"`
}

type ResponseLogin struct {
	RedirectURL string `json:"redirect_url,omitempty"`
	Message     string `json:"message,omitempty"`
}

type ResponseMe struct {
	OwnerID   string   `json:"owner_id"`
	OwnerType string   `json:"owner_type"`
	ClientID  string   `json:"client_id"`
	Username  string   `json:"username,omitempty"`
	Scopes    []string `json:"scopes"`
	Roles     []string `json:"roles"`
}

type responseError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
