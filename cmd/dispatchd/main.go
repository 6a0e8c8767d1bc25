// Package main is the entry point for dispatchd.
// The single binary runs the broker engine together with both serving
// surfaces: the MCP tool server agents connect to, and the read-only
// HTTP ops API for dashboards and scripts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dispatchd/dispatchd/internal/broker"
	"github.com/dispatchd/dispatchd/internal/broker/repository"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/common/tracing"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/mcpserver"
	"github.com/dispatchd/dispatchd/internal/opsserver"
)

// shutdownTimeout bounds the drain after a termination signal.
const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("dispatchd exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("dispatchd stopped")
}

// run wires storage, the event bus, the broker engine, and both servers,
// then blocks until the context is cancelled or a component fails.
func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting dispatchd",
		zap.String("database", cfg.Database.Driver),
		zap.Int("mcp_port", cfg.Server.MCPPort),
		zap.Int("ops_port", cfg.Server.OpsPort))

	// Event bus: NATS when configured, in-memory otherwise. The engine
	// takes ownership and closes it on shutdown.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}

	repo, closeRepo, err := repository.Provide(cfg.Database)
	if err != nil {
		eventBus.Close()
		return err
	}
	defer func() {
		if err := closeRepo(); err != nil {
			log.Warn("database close failed", zap.Error(err))
		}
	}()
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))

	engine := broker.NewEngine(cfg, repo, eventBus, log)
	if err := engine.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	mcpSrv, stopMCP, err := mcpserver.Provide(gctx, cfg.Server, engine, log)
	if err != nil {
		_ = engine.Shutdown(ctx)
		return fmt.Errorf("failed to start MCP server: %w", err)
	}

	opsSrv, stopOps, err := opsserver.Provide(gctx, cfg.Server, engine, log)
	if err != nil {
		_ = stopMCP()
		_ = engine.Shutdown(ctx)
		return fmt.Errorf("failed to start ops server: %w", err)
	}

	log.Info("dispatchd ready",
		zap.String("sse_endpoint", mcpSrv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", mcpSrv.StreamableHTTPEndpoint()),
		zap.Int("ops_port", opsSrv.Port()))

	// Serve group. Each member parks until a termination signal or the
	// first failure cancels the group context, then drains its server.
	g.Go(func() error {
		<-gctx.Done()
		if err := stopMCP(); err != nil {
			return fmt.Errorf("mcp server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := stopOps(); err != nil {
			return fmt.Errorf("ops server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()

	log.Info("shutting down dispatchd...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stops the scheduler, wakes every parked long poll, closes the bus.
	if serr := engine.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		log.Warn("tracing shutdown failed", zap.Error(terr))
	}
	return err
}
