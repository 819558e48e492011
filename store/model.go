package store

// OwnerType identifies the kind of principal a session belongs to.
type OwnerType string

const (
	OwnerTypeUser   OwnerType = "user"
	OwnerTypeClient OwnerType = "client"
)

// Stage tracks how far a session has progressed through its grant flow.
type Stage string

const (
	StageRequested Stage = "requested"
	StageGranted   Stage = "granted"
	StageDenied    Stage = "denied"
)

// Client is a registered OAuth client application.
type Client struct {
	ID           string
	Secret       string
	Name         string
	RedirectURIs []string
	// RedirectURI is the registered URI that matched the lookup, if one was requested.
	RedirectURI string
}

// Session is one authorization grant, in progress or completed.
type Session struct {
	ID        int64
	ClientID  string
	OwnerType OwnerType
	OwnerID   string
	Stage     Stage
	CreatedAt int64
	UpdatedAt int64
}

// AccessToken is a persisted bearer token row.
type AccessToken struct {
	ID          int64
	SessionID   int64
	AccessToken string
	ExpiresAt   int64
}

// AuthCodeGrant is the result of a successful authorization code lookup.
type AuthCodeGrant struct {
	SessionID  int64
	AuthCodeID int64
}

// TokenOwner describes who an access token was issued to.
type TokenOwner struct {
	SessionID int64
	ClientID  string
	OwnerID   string
	OwnerType OwnerType
}

// Scope is a named permission unit.
type Scope struct {
	ID          int64
	Scope       string
	Name        string
	Description string
}
