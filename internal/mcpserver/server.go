// Package mcpserver exposes the orchestrator engine as an MCP tool
// server over stdio. Every engine operation is a tool in the
// orchestrator_* namespace; each call is audited, optionally traced
// through a bounded debug window, and answered with one JSON text
// content block.
package mcpserver

import (
	"bytes"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewkit/crewkit/internal/common/logger"
	"github.com/crewkit/crewkit/internal/orchestrator"
)

// Config holds the MCP server identity and presentation settings.
type Config struct {
	Name    string // server name reported by initialize and status
	Version string // server version string

	// PolicyPath is the loaded policy document path, shown by status.
	PolicyPath string

	// StatusVerbosePaths includes full filesystem paths in status output.
	StatusVerbosePaths bool
}

// Server wires the engine into an MCP stdio server.
type Server struct {
	cfg    Config
	engine *orchestrator.Engine
	mcp    *server.MCPServer
	debug  *debugWindow
	logger *logger.Logger
}

// New builds the MCP server, installs the audit middleware, and
// registers the full tool set.
func New(engine *orchestrator.Engine, cfg Config, log *logger.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "crewkit-orchestrator"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if log == nil {
		log = logger.Default()
	}

	s := &Server{
		cfg:    cfg,
		engine: engine,
		debug:  newDebugWindow(),
		logger: log.WithFields(zap.String("component", "mcpserver")),
	}
	s.mcp = server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithToolHandlerMiddleware(s.auditMiddleware),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server, mainly for tests.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio blocks serving JSON-RPC frames on stdin/stdout until the
// stream closes. All logging goes to stderr; stdout carries frames only.
func (s *Server) ServeStdio() error {
	s.logger.Info("MCP server serving on stdio",
		zap.String("name", s.cfg.Name),
		zap.String("version", s.cfg.Version),
		zap.String("root", s.engine.Root()))
	return server.ServeStdio(s.mcp)
}

// jsonResult renders v as a 2-space-indented JSON text content block,
// matching the on-disk document formatting.
func jsonResult(v interface{}) *mcp.CallToolResult {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return mcp.NewToolResultError("failed to encode result: " + err.Error())
	}
	return mcp.NewToolResultText(string(bytes.TrimRight(buf.Bytes(), "\n")))
}
