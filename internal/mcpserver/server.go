// Package mcpserver exposes a read-only MCP tool surface (spec.md §6
// addition) so external agent tooling can query control-plane state
// without a bespoke HTTP client. It never mutates: list_tasks,
// get_task, and list_projects read straight from the same registries
// the HTTP gateway reads from.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/project"
	"github.com/taskforge/taskforge/internal/task"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int
}

// Dependencies are the read-only registries the tools query.
type Dependencies struct {
	Tasks    *task.Registry
	Projects *project.Registry
	Logger   *logging.Logger
}

// Server wraps an SSE-transport MCP server with lifecycle management,
// grounded on the teacher's mcpserver.Server (simplified to the single
// SSE transport; taskforge has no Codex-style Streamable HTTP client).
type Server struct {
	cfg        Config
	sseServer  *server.SSEServer
	httpServer *http.Server
	mu         sync.Mutex
	running    bool
	logger     *logging.Logger
}

// New creates a new MCP server with the given configuration and
// dependencies, registering every tool up front.
func New(cfg Config, deps Dependencies) *Server {
	mcpServer := server.NewMCPServer(
		"taskforge-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, deps)
	if deps.Logger == nil {
		deps.Logger = logging.Noop()
	}

	return &Server{
		cfg:       cfg,
		sseServer: server.NewSSEServer(mcpServer),
		logger:    deps.Logger,
	}
}

// Start starts the MCP server's SSE transport in a goroutine and
// returns once it is listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.sseServer}

	ready := make(chan struct{})
	errCh := make(chan error, 1)

	go func() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- err
			return
		}
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.WithSource("mcpserver").Info(fmt.Sprintf("mcp server listening on %s (/sse)", addr))
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case err := <-errCh:
		return fmt.Errorf("mcp server: %w", err)
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

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("mcp server: shutdown: %w", err)
	}
	if err := s.sseServer.Shutdown(ctx); err != nil {
		s.logger.WithSource("mcpserver").WithError(err).Warn("mcp server: sse shutdown failed")
	}
	return nil
}

// SSEEndpoint returns the SSE URL MCP clients (Claude Desktop, Cursor,
// etc.) connect to.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}
