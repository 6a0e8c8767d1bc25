// Package mcpserver exposes the broker's tool surface over MCP.
// It serves both transports on one listener for compatibility with
// different MCP clients:
//   - SSE transport (/sse, /message) for Claude Desktop, Cursor, etc.
//   - Streamable HTTP transport (/mcp) for Codex
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// PromptValidator decides whether a prompt may be enqueued. A non-nil error
// rejects the assignment before anything is written.
type PromptValidator func(prompt string) error

// Option configures optional server collaborators.
type Option func(*Server)

// WithPromptValidator installs an external prompt validator invoked by
// assign_task and scaffold_plan before enqueueing.
func WithPromptValidator(v PromptValidator) Option {
	return func(s *Server) { s.validatePrompt = v }
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management. All tools operate on the injected broker engine.
type Server struct {
	cfg                  config.ServerConfig
	engine               *broker.Engine
	validatePrompt       PromptValidator
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	port                 int
	logger               *logger.Logger
}

// New creates an MCP server over the given engine. The server does not
// listen until Start is called.
func New(cfg config.ServerConfig, engine *broker.Engine, log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		port:   cfg.MCPPort,
		logger: log.WithFields(zap.String("component", "mcpserver")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the MCP server in a goroutine and returns once it is
// listening. Both transports share the same port.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	// One MCP server shared between both transports. Middlewares run in
	// registration order, so the span covers the heartbeat refresh too.
	mcpServer := server.NewMCPServer(
		"dispatchd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithToolHandlerMiddleware(s.tracingMiddleware()),
		server.WithToolHandlerMiddleware(s.heartbeatMiddleware()),
	)

	s.registerTools(mcpServer)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	// Verify the port is available before declaring the server started.
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
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

// Stop gracefully shuts down the server and both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}

	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}

	return nil
}

// Port returns the port the server is listening on. When the configured
// port was 0, this is the port the kernel picked.
func (s *Server) Port() int {
	return s.port
}

// SSEEndpoint returns the URL for clients that use the SSE transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.port)
}

// StreamableHTTPEndpoint returns the URL for clients that use the
// streamable HTTP transport.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.port)
}
