// Package mcp exposes the containerization workflow over the Model Context
// Protocol. Tools call the internal services directly; there is no transport
// between the server and the coordinator.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/orchestrator"
	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/session"
)

// Server is the MCP facade over the workflow coordinator.
type Server struct {
	mcp         *mcp.Server
	coordinator orchestrator.Service
	sessions    session.Store
	cache       resources.Service
	logger      *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "container-assist").
	Name string

	// Version is the server version (default: "1.0.0").
	Version string

	// Logger for structured logging.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "container-assist",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates the MCP server and registers its tools.
func NewServer(
	cfg *Config,
	coordinator orchestrator.Service,
	sessions session.Store,
	cache resources.Service,
) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Name == "" {
		cfg.Name = "container-assist"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("resource cache is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:         mcpServer,
		coordinator: coordinator,
		sessions:    sessions,
		cache:       cache,
		logger:      cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Close shuts down the coordinator and its active runs.
func (s *Server) Close() error {
	s.logger.Info("closing MCP server")
	return s.coordinator.Close()
}
