// Package cli implements the mailguard command line.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dortort/openclaw-mailguard/internal/audit"
	"github.com/dortort/openclaw-mailguard/internal/config"
	"github.com/dortort/openclaw-mailguard/internal/guard"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "mailguard",
	Short:         "Prompt-injection firewall for email-reading agents",
	Long:          "Sanitizes and risk-scores inbound email, then gates the tools an agent may use\nwhile handling it. Side effects are held for human approval.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML (default ~/.mailguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mailguard: %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes human-readable logs to stderr; stdout carries results
// and the MCP protocol.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().
		Logger()
}

// resolvedConfigPath is the --config flag or the default location.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

// setup loads the configuration, opens the audit log it names and builds a
// guard. The returned close function flushes the audit log.
func setup(logger zerolog.Logger) (*guard.Guard, string, func() error, error) {
	cfg, hash, err := config.LoadConfigWithHash(resolvedConfigPath())
	if err != nil {
		return nil, "", nil, err
	}

	var sink audit.Sink = audit.Discard
	closeFn := func() error { return nil }
	if cfg.Audit.LogPath != "" {
		l, err := audit.Open(cfg.Audit.LogPath)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		sink = l
		closeFn = l.Close
	}

	g, err := guard.New(cfg, guard.Options{Audit: sink, Logger: logger})
	if err != nil {
		_ = closeFn()
		return nil, "", nil, err
	}
	logger.Debug().Str("config_hash", hash).Msg("configuration loaded")
	return g, hash, closeFn, nil
}
