package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeout is how long a connection waits on a lock before
	// reporting "database is locked".
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns sizes the read pool. WAL mode allows many readers
	// alongside the single writer.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write side of a SQLite database: one connection in
// WAL mode with foreign keys enforced. A single writer serializes mutations,
// which is the supported way to avoid SQLITE_BUSY under contention.
func OpenSQLite(dbPath string) (*sqlx.DB, error) {
	path, err := prepareSQLiteFile(dbPath)
	if err != nil {
		return nil, err
	}

	// journal_mode and synchronous are database-level settings; the writer
	// establishes them for every connection that follows.
	dsn := sqliteDSN(path, "rwc") + "&_journal_mode=WAL&_synchronous=NORMAL"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// OpenSQLiteReader opens the read side: a read-only pool serving SELECTs
// from WAL snapshots without blocking on the writer.
func OpenSQLiteReader(dbPath string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", sqliteDSN(absPath(dbPath), "ro"))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	db.SetMaxOpenConns(sqliteReaderConns)
	db.SetMaxIdleConns(sqliteReaderConns)
	return db, nil
}

// OpenPostgres opens a pgx-backed pool. Zero values for maxConns and
// minConns fall back to 25 and 5.
func OpenPostgres(dsn string, maxConns, minConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

// sqliteDSN builds the parameters shared by both sides: foreign keys on, a
// busy timeout to ride out transient locks, and a shared page cache.
func sqliteDSN(path, mode string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared",
		path, mode, int(sqliteBusyTimeout/time.Millisecond))
}

// prepareSQLiteFile resolves the path and creates the directory and file so
// the read-only side can open them even before the first write.
func prepareSQLiteFile(dbPath string) (string, error) {
	path := absPath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create database file: %w", err)
	}
	return path, file.Close()
}

func absPath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		return abs
	}
	return dbPath
}
