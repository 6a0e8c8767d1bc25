// Package opsserver exposes the operational HTTP API for dashboards and
// monitoring: registered agents, task history, progress trails, and queue
// statistics. Agent-facing mutation goes through the MCP tool surface; the
// one mutation here is housekeeping deletion of terminal tasks.
package opsserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/httpmw"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Server serves the ops API on its own port, separate from the MCP
// listener so dashboard traffic never competes with long-polling agents.
type Server struct {
	cfg        config.ServerConfig
	engine     *broker.Engine
	router     *gin.Engine
	httpServer *http.Server
	mu         sync.Mutex
	running    bool
	port       int
	logger     *logger.Logger
}

// New creates the ops API server. The server does not listen until Start
// is called.
func New(cfg config.ServerConfig, engine *broker.Engine, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		engine: engine,
		router: gin.New(),
		port:   cfg.OpsPort,
		logger: log.WithFields(zap.String("component", "opsserver")),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.router.Use(httpmw.RequestLogger(s.logger, "ops"))
	s.router.Use(httpmw.OtelTracing("dispatchd-ops"))

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/agents", s.handleListAgents)
		api.GET("/agents/:id", s.handleGetAgent)

		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
		api.GET("/tasks/:id/progress", s.handleTaskProgress)
		api.GET("/tasks/:id/review-comments", s.handleTaskReviewComments)
		api.DELETE("/tasks/:id", s.handleDeleteTask)

		api.GET("/stats", s.handleStats)
	}
}

// Router returns the HTTP router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the ops server in a goroutine and returns once it is
// listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.OpsPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("ops API listening", zap.Int("port", s.port))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.port
}

// corsMiddleware allows browser dashboards on other origins to read the
// ops API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
