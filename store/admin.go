package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/milanbella/sa-oauth/db"
	"github.com/milanbella/sa-oauth/logger"
	"github.com/milanbella/sa-oauth/stringutils"
)

// CreateClient registers a client together with its redirect URIs.
func (s *SQLStore) CreateClient(ctx context.Context, c Client) error {
	if strings.TrimSpace(c.ID) == "" {
		return logger.LogErr(errors.New("client id is required"))
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.ID
	}

	return s.db.InTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO clients (id, secret, name)
			VALUES (?, ?, ?)
		`, c.ID, c.Secret, c.Name); err != nil {
			return logger.LogErr(fmt.Errorf("insert client %s: %w", c.ID, err))
		}

		for _, uri := range c.RedirectURIs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO client_redirect_uris (client_id, redirect_uri)
				VALUES (?, ?)
			`, c.ID, uri); err != nil {
				return logger.LogErr(fmt.Errorf("insert redirect uri for client %s: %w", c.ID, err))
			}
		}
		return nil
	})
}

// CreateScope registers a scope and returns its id.
func (s *SQLStore) CreateScope(ctx context.Context, scope, name, description string) (int64, error) {
	if strings.TrimSpace(scope) == "" {
		return 0, logger.LogErr(errors.New("scope is required"))
	}
	if name == "" {
		name = scope
	}

	id, err := s.db.InsertID(ctx, `
		INSERT INTO scopes (scope, name, description)
		VALUES (?, ?, ?)
	`, scope, name, stringutils.NullIfBlank(description))
	if err != nil {
		return 0, logger.LogErr(fmt.Errorf("insert scope %s: %w", scope, err))
	}
	return id, nil
}
