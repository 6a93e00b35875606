package repository

import (
	"context"
	"database/sql"
)

// DBTX is the subset of database operations repositories need. Both *sql.DB
// and *sql.Tx satisfy it, so a repository can run inside the per-message
// transaction the sync loop opens.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
