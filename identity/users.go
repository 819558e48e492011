// Package identity resolves resource owners and checks their passwords.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/milanbella/sa-oauth/db"
	"github.com/milanbella/sa-oauth/logger"
	"github.com/milanbella/sa-oauth/stringutils"
)

// ErrUserNotFound indicates no user matched the lookup.
var ErrUserNotFound = errors.New("user not found")

// Principal is an authenticated or authenticatable user.
type Principal struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Salt         string
	Roles        []string

	// AllowedScopes caps what the password grant may issue to this user.
	// Nil means unrestricted; an empty, non-nil slice allows no scope.
	AllowedScopes []string
}

// UserProvider loads users by login name or id.
type UserProvider interface {
	LoadPrincipal(ctx context.Context, username string) (*Principal, error)
	FindByID(ctx context.Context, id string) (*Principal, error)
}

// SQLUserProvider reads the users table.
type SQLUserProvider struct {
	db *db.DB
}

func NewSQLUserProvider(d *db.DB) *SQLUserProvider {
	return &SQLUserProvider{db: d}
}

// LoadPrincipal matches the username first and the email second.
func (p *SQLUserProvider) LoadPrincipal(ctx context.Context, usernameOrEmail string) (*Principal, error) {
	usernameOrEmail = strings.TrimSpace(usernameOrEmail)
	if usernameOrEmail == "" {
		return nil, ErrUserNotFound
	}

	principal, err := p.queryOne(ctx, "username", usernameOrEmail)
	if errors.Is(err, ErrUserNotFound) {
		return p.queryOne(ctx, "email", usernameOrEmail)
	}
	return principal, err
}

func (p *SQLUserProvider) FindByID(ctx context.Context, id string) (*Principal, error) {
	return p.queryOne(ctx, "id", id)
}

// queryOne looks a user up by one of the fixed column names above.
func (p *SQLUserProvider) queryOne(ctx context.Context, column, value string) (*Principal, error) {
	var (
		principal Principal
		email     sql.NullString
		roles     string
		allowed   sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, salt, roles, allowed_scopes
		FROM users
		WHERE `+column+` = ?
	`, value).Scan(&principal.ID, &principal.Username, &email, &principal.PasswordHash, &principal.Salt, &roles, &allowed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, logger.LogErr(fmt.Errorf("query user by %s: %w", column, err))
	}
	principal.Email = email.String
	principal.Roles = stringutils.UniqueFields(roles)
	if allowed.Valid {
		principal.AllowedScopes = stringutils.UniqueFields(allowed.String)
		if principal.AllowedScopes == nil {
			principal.AllowedScopes = []string{}
		}
	}

	return &principal, nil
}

// CreateUser inserts a user with an already encoded password and returns its id.
func (p *SQLUserProvider) CreateUser(ctx context.Context, u Principal) (string, error) {
	if strings.TrimSpace(u.Username) == "" {
		return "", logger.LogErr(errors.New("username is required"))
	}
	if u.PasswordHash == "" {
		return "", logger.LogErr(errors.New("password hash is required"))
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	var allowed any
	if u.AllowedScopes != nil {
		allowed = stringutils.JoinFields(u.AllowedScopes)
	}

	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, salt, roles, allowed_scopes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, stringutils.NullIfBlank(u.Email), u.PasswordHash, u.Salt, stringutils.JoinFields(u.Roles), allowed); err != nil {
		return "", logger.LogErr(fmt.Errorf("insert user %s: %w", u.Username, err))
	}

	return u.ID, nil
}
