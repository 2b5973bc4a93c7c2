// Package mcp exposes the mail guard to agents as MCP tools over stdio.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/dortort/openclaw-mailguard/internal/guard"
)

// Config holds MCP server configuration.
type Config struct {
	Guard   *guard.Guard
	Version string
	Logger  zerolog.Logger
}

// Server wraps the MCP SDK server around a guard.
type Server struct {
	mcpServer *mcpsdk.Server
	guard     *guard.Guard
	log       zerolog.Logger
}

// New creates an MCP server with all mailguard tools registered.
func New(cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		guard: cfg.Guard,
		log:   cfg.Logger.With().Str("component", "mcp").Logger(),
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "mailguard",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves MCP on stdio. Blocks until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all mailguard tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "mailguard_scan",
		Description: "Sanitize and risk-score an email before reading it. Returns the sanitized body and a session_id to pass to every later mailguard call for this email.",
	}, s.handleScan)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "mailguard_check_tool",
		Description: "Check whether a tool may be used while handling the email of a session. Denied tools must not be called.",
	}, s.handleCheckTool)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "mailguard_plan",
		Description: "Declare the side effects (send, label, delete, ...) you intend to perform for a session. Actions that need a human are returned as pending approvals.",
	}, s.handlePlan)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "mailguard_pending",
		Description: "List the approvals and workflow steps a session is waiting on.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "mailguard_resolve",
		Description: "Approve or deny a pending approval or workflow step. Intended for the human operator.",
	}, s.handleResolve)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "mailguard_cancel",
		Description: "Cancel an approval workflow. Its remaining steps are skipped.",
	}, s.handleCancel)
}
