package repo

import (
	"context"
	"database/sql"

	"phasegate/internal/domain"
)

// Repo is the SQLite-backed task store and actor directory.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
