// Package db opens the broker's database connections. SQLite runs with a
// single writer connection and a WAL-backed reader pool; PostgreSQL uses one
// pgx pool for both sides.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs the write connection with the read pool. Repositories route
// INSERT/UPDATE/DELETE through Writer and SELECTs through Reader.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps existing writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// NewSQLitePool opens both sides of a SQLite database.
func NewSQLitePool(dbPath string) (*Pool, error) {
	writer, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(writer, reader), nil
}

// NewPostgresPool opens one pgx-backed pool and uses it for both sides;
// Postgres handles concurrent writers natively.
func NewPostgresPool(dsn string, maxConns, minConns int) (*Pool, error) {
	conn, err := OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	return NewPool(conn, conn), nil
}

// Writer returns the connection for mutations and transactions. For SQLite
// this is capped at a single connection to avoid SQLITE_BUSY.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for SELECT queries. For SQLite these are read-only
// connections served from WAL snapshots, concurrent with the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Postgres shares one *sqlx.DB between both sides.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
