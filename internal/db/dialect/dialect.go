// Package dialect keeps the SQLite/PostgreSQL differences behind tiny SQL fragment helpers.
package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// AutoIncrementPK returns the column definition for an auto-incrementing
// integer primary key.
//
//	SQLite:   INTEGER PRIMARY KEY AUTOINCREMENT
//	Postgres: BIGSERIAL PRIMARY KEY
func AutoIncrementPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// BigInt returns the column type for 64-bit integers (Unix-millisecond
// timestamps in this schema).
//
//	SQLite:   INTEGER
//	Postgres: BIGINT
func BigInt(driver string) string {
	if IsPostgres(driver) {
		return "BIGINT"
	}
	return "INTEGER"
}

// Like returns the case-insensitive pattern-match operator.
//
//	SQLite:   LIKE (ASCII case-insensitive by default)
//	Postgres: ILIKE
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// InsertReturningID runs an INSERT that produces an auto-generated integer
// key and returns that key.
//
//	SQLite:   LastInsertId from the exec result
//	Postgres: RETURNING id appended to the statement
func InsertReturningID(ctx context.Context, db *sqlx.DB, query string, args ...any) (int64, error) {
	if !IsPostgres(db.DriverName()) {
		res, err := db.ExecContext(ctx, db.Rebind(query), args...)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}

	var id int64
	if err := db.QueryRowContext(ctx, db.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert returning id: %w", err)
	}
	return id, nil
}
