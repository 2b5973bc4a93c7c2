package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dortort/openclaw-mailguard/internal/config"
	"github.com/dortort/openclaw-mailguard/internal/guard"
	guardmcp "github.com/dortort/openclaw-mailguard/internal/mcp"
)

var (
	mcpSweepInterval time.Duration
	mcpNoWatch       bool
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().DurationVar(&mcpSweepInterval, "sweep-interval", time.Minute, "How often expired workflows and idle sessions are cleaned up")
	mcpCmd.Flags().BoolVar(&mcpNoWatch, "no-watch", false, "Do not reload the config file when it changes")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs mailguard as an MCP (Model Context Protocol) server over stdio.\nExposes tools: mailguard_scan, mailguard_check_tool, mailguard_plan,\nmailguard_pending, mailguard_resolve, mailguard_cancel.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	g, hash, closeAudit, err := setup(logger)
	if err != nil {
		return fmt.Errorf("failed to create guard: %w", err)
	}
	defer func() { _ = closeAudit() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !mcpNoWatch {
		startWatcher(ctx, g, logger)
	}
	go sweepLoop(ctx, g, mcpSweepInterval, logger)

	fmt.Fprintf(os.Stderr, "mailguard MCP server running on stdio (config %s)\n", hash)
	srv := guardmcp.New(guardmcp.Config{Guard: g, Version: version, Logger: logger})
	return srv.Run(ctx)
}

func startWatcher(ctx context.Context, g *guard.Guard, logger zerolog.Logger) {
	path := resolvedConfigPath()
	w, err := config.NewWatcher(path, func(cfg *config.Config, _ string) {
		if err := g.Reload(cfg); err != nil {
			logger.Error().Err(err).Msg("config reload rejected")
		}
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("config hot reload disabled")
		return
	}
	go func() {
		if err := w.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("config watcher stopped")
		}
	}()
}

func sweepLoop(ctx context.Context, g *guard.Guard, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res := g.Sweep()
			logger.Debug().
				Int("expired_workflows", len(res.ExpiredWorkflows)).
				Int("expired_sessions", len(res.ExpiredSessions)).
				Int("pruned_workflows", res.PrunedWorkflows).
				Msg("sweep")
		}
	}
}
