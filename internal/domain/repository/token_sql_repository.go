package repository

import (
	"authgate/internal/common"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Dialect selects the placeholder style of the SQL token store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

type sqlQueries struct {
	get    string
	upsert string
	remove string
}

const sqliteUpsertToken = `INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

const postgresUpsertToken = `INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

var queriesByDialect = map[Dialect]sqlQueries{
	DialectSQLite: {
		get:    `SELECT value FROM kv_store WHERE key = ?`,
		upsert: sqliteUpsertToken,
		remove: `DELETE FROM kv_store WHERE key = ?`,
	},
	DialectPostgres: {
		get:    `SELECT value FROM kv_store WHERE key = $1`,
		upsert: postgresUpsertToken,
		remove: `DELETE FROM kv_store WHERE key = $1`,
	},
}

type sqlTokenStore struct {
	db      *sql.DB
	dialect Dialect
	q       sqlQueries
}

// NewSQLTokenStore stores tokens in the kv_store table created by the
// database migrations. It serves both the SQLite and Postgres backends.
func NewSQLTokenStore(db *sql.DB, dialect Dialect) (TokenStore, error) {
	q, ok := queriesByDialect[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported token store dialect %q: %w", dialect, common.ErrMisconfigured)
	}
	if db == nil {
		return nil, fmt.Errorf("nil database for %s token store: %w", dialect, common.ErrMisconfigured)
	}
	return &sqlTokenStore{db: db, dialect: dialect, q: q}, nil
}

func (s *sqlTokenStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q.get, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("sqlTokenStore(%s).GetItem[%s]: %w: %w", s.dialect, key, common.ErrStorage, err)
	}
	return value, true, nil
}

func (s *sqlTokenStore) SetItem(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.q.upsert, key, value); err != nil {
		return fmt.Errorf("sqlTokenStore(%s).SetItem[%s]: %w: %w", s.dialect, key, common.ErrStorage, err)
	}
	return nil
}

func (s *sqlTokenStore) RemoveItem(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.q.remove, key); err != nil {
		return fmt.Errorf("sqlTokenStore(%s).RemoveItem[%s]: %w: %w", s.dialect, key, common.ErrStorage, err)
	}
	return nil
}
