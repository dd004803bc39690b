package storage

import (
	"context"
	"database/sql"
)

// Tx is one open transaction handed to WithTx callbacks. Every write made
// through a Tx becomes visible together on commit or not at all.
type Tx struct {
	tx      *sql.Tx
	dialect *dialect
}

func (t *Tx) rebind(query string) string {
	return t.dialect.rebind(query)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
