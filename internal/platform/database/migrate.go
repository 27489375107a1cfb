package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Migrate applies the embedded migrations for dialect ("sqlite" or "postgres").
// Running it again is a no-op.
func Migrate(ctx context.Context, db *sql.DB, dialect string, log *slog.Logger) error {
	var gooseDialect goose.Dialect
	switch dialect {
	case "sqlite":
		gooseDialect = goose.DialectSQLite3
	case "postgres":
		gooseDialect = goose.DialectPostgres
	default:
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}

	fsys, err := fs.Sub(migrations, "migrations/"+dialect)
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(gooseDialect, db, fsys)
	if err != nil {
		return fmt.Errorf("creating %s migration provider: %w", dialect, err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("applying %s migrations: %w", dialect, err)
	}
	for _, r := range results {
		log.Info("migration applied",
			slog.String("dialect", dialect),
			slog.Int64("version", r.Source.Version),
			slog.Duration("took", r.Duration),
		)
	}
	return nil
}
