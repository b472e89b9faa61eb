// Package mcp exposes bindrun over the Model Context Protocol so agent
// clients can validate specs, execute runs, and read archived reports
// through a stdio transport.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bindrun/bindrun/internal/engine"
	"github.com/bindrun/bindrun/internal/history"
	"github.com/bindrun/bindrun/internal/validation"
)

// ServerDeps holds the dependencies for creating a Server. Archive may be
// nil; run/report archiving is then disabled.
type ServerDeps struct {
	Executor  *engine.Executor
	Validator *validation.Validator
	Archive   *history.Archive
	Logger    *slog.Logger
}

// Server wraps an MCP server with bindrun tool handlers.
type Server struct {
	executor  *engine.Executor
	validator *validation.Validator
	archive   *history.Archive
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with the bindrun tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		executor:  deps.Executor,
		validator: deps.Validator,
		archive:   deps.Archive,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"bindrun",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("bindrun executes multi-step API workflow specs. Use bindrun.validate to check a spec without running it, bindrun.run to execute one and get the full report, and bindrun.report to fetch or list archived run reports."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: reportTool(), Handler: s.handleReport},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("bindrun.validate",
		mcp.WithDescription("Validate a workflow spec without executing it; returns every issue found"),
		mcp.WithObject("spec", mcp.Required(), mcp.Description("The workflow spec document")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("bindrun.run",
		mcp.WithDescription("Validate and execute a workflow spec, returning the full execution report"),
		mcp.WithObject("spec", mcp.Required(), mcp.Description("The workflow spec document")),
	)
}

func reportTool() mcp.Tool {
	return mcp.NewTool("bindrun.report",
		mcp.WithDescription("Fetch an archived run report by run_id, or list recent runs when run_id is omitted"),
		mcp.WithString("run_id", mcp.Description("Run ID to fetch")),
		mcp.WithString("spec_name", mcp.Description("Filter listings by spec name")),
		mcp.WithNumber("limit", mcp.Description("Max listings to return (default 50)")),
	)
}
