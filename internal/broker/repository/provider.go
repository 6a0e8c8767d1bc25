package repository

import (
	"fmt"

	"github.com/dispatchd/dispatchd/internal/broker/repository/sqlite"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
)

// Provide opens the configured database and builds the repository on top of it.
func Provide(cfg config.DatabaseConfig) (*sqlite.Repository, func() error, error) {
	var pool *db.Pool
	var err error

	switch cfg.Driver {
	case dialect.SQLite3:
		pool, err = db.NewSQLitePool(cfg.Path)
	case dialect.PGX:
		pool, err = db.NewPostgresPool(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}

	cleanup := func() error {
		if err := repo.Close(); err != nil {
			return err
		}
		return pool.Close()
	}
	return repo, cleanup, nil
}
