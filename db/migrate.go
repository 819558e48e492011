package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/milanbella/sa-oauth/logger"
)

//go:embed migrations
var embedMigrations embed.FS

// Migrate applies all pending schema migrations for the pool's dialect.
func Migrate(ctx context.Context, d *DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations/"+string(d.dialect))
	if err != nil {
		return logger.LogErr(fmt.Errorf("open %s migrations: %w", d.dialect, err))
	}

	provider, err := goose.NewProvider(d.dialect.gooseDialect(), d.DB, migrationFS)
	if err != nil {
		return logger.LogErr(fmt.Errorf("create goose provider: %w", err))
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return logger.LogErr(fmt.Errorf("apply migrations: %w", err))
	}

	for _, r := range results {
		logger.Info("applied migration %s in %s", r.Source.Path, r.Duration)
	}

	return nil
}
