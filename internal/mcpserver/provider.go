package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// stopTimeout bounds how long a cleanup waits for in-flight tool calls.
const stopTimeout = 5 * time.Second

// Provide starts the MCP server and returns a cleanup that stops it. The
// cleanup tolerates repeated calls; only the first one stops the server.
func Provide(ctx context.Context, cfg config.ServerConfig, engine *broker.Engine, log *logger.Logger, opts ...Option) (*Server, func() error, error) {
	srv := New(cfg, engine, log, opts...)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}
	return srv, stopOnce(srv), nil
}

// stopOnce wraps srv.Stop in a once-guarded, deadline-bounded closure.
func stopOnce(srv *Server) func() error {
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			err = srv.Stop(ctx)
		})
		return err
	}
}
