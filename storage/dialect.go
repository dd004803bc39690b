package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the few places where SQLite and Postgres disagree.
// Queries are written with '?' placeholders and rebound per dialect.
type dialect struct {
	name       string
	migrations []string
	// greatest is the two-argument maximum function.
	greatest     string
	numbered     bool
	readVersion  func(ctx context.Context, tx *sql.Tx) (int, error)
	writeVersion func(ctx context.Context, tx *sql.Tx, version int) error
}

var sqliteDialect = &dialect{
	name:       "sqlite3",
	migrations: sqliteMigrations,
	greatest:   "MAX",
	readVersion: func(ctx context.Context, tx *sql.Tx) (int, error) {
		var version int
		if err := tx.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
			return 0, err
		}
		return version, nil
	},
	writeVersion: func(ctx context.Context, tx *sql.Tx, version int) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", version))
		return err
	},
}

var postgresDialect = &dialect{
	name:       "postgres",
	migrations: postgresMigrations,
	greatest:   "GREATEST",
	numbered:   true,
	readVersion: func(ctx context.Context, tx *sql.Tx) (int, error) {
		// Serializes concurrent instances migrating the same database.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(7253001)`); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
			return 0, err
		}
		var version sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
			return 0, err
		}
		return int(version.Int64), nil
	},
	writeVersion: func(ctx context.Context, tx *sql.Tx, version int) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version)
		return err
	},
}

func (d *dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
