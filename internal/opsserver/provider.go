package opsserver

import (
	"context"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Provide starts the ops API and returns a cleanup that shuts it down within
// a five second drain window. Repeat cleanup calls return the first result.
func Provide(ctx context.Context, cfg config.ServerConfig, engine *broker.Engine, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, engine, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var (
		once    sync.Once
		stopErr error
	)
	return srv, func() error {
		once.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}, nil
}
