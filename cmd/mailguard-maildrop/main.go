// mailguard-maildrop reads an email from stdin, scores it and writes the
// verdict to the outbox or quarantine directory. Designed to be called by
// Postfix or sendmail as a pipe transport.
//
// Usage in /etc/aliases:
//
//	agent: |/usr/local/bin/mailguard-maildrop
//
// Environment variables:
//
//	MAILGUARD_CONFIG      config file (default: ~/.mailguard/config.yaml)
//	MAILGUARD_OUTBOX      verdicts for delivered mail (default: /var/lib/mailguard/outbox)
//	MAILGUARD_QUARANTINE  verdicts for quarantined mail (default: /var/lib/mailguard/quarantine)
//	MAILGUARD_ALLOWLIST   optional sender allowlist file
//	MAILGUARD_STATE       state directory for rate limiting (default: /var/lib/mailguard/state)
//	MAILGUARD_SECRET      optional shared secret expected in X-Mailguard-Secret
//
// Exit codes follow sendmail conventions: 0 delivered, 67 rejected sender,
// 75 temporary failure, 1 anything else.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/dortort/openclaw-mailguard/internal/audit"
	"github.com/dortort/openclaw-mailguard/internal/config"
	"github.com/dortort/openclaw-mailguard/internal/guard"
	"github.com/dortort/openclaw-mailguard/internal/maildrop"
	"github.com/dortort/openclaw-mailguard/internal/sanitize"
)

const (
	exNoUser   = 67
	exTempFail = 75
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("app", "mailguard-maildrop").Logger()
	os.Exit(run(logger))
}

func run(logger zerolog.Logger) int {
	cfg, err := config.LoadConfig(os.Getenv("MAILGUARD_CONFIG"))
	if err != nil {
		logger.Error().Err(err).Msg("load config")
		return exTempFail
	}

	var sink audit.Sink = audit.Discard
	if cfg.Audit.LogPath != "" {
		l, err := audit.Open(cfg.Audit.LogPath)
		if err != nil {
			logger.Error().Err(err).Msg("open audit log")
			return exTempFail
		}
		defer func() { _ = l.Close() }()
		sink = l
	}

	g, err := guard.New(cfg, guard.Options{Audit: sink, Logger: logger})
	if err != nil {
		logger.Error().Err(err).Msg("create guard")
		return exTempFail
	}

	raw, err := io.ReadAll(io.LimitReader(os.Stdin, sanitize.MaxRawBytes+1))
	if err != nil {
		logger.Error().Err(err).Msg("read stdin")
		return exTempFail
	}
	if len(raw) == 0 {
		logger.Error().Msg("empty input")
		return 1
	}

	dcfg := maildrop.Config{
		OutboxDir:     envOrDefault("MAILGUARD_OUTBOX", "/var/lib/mailguard/outbox"),
		QuarantineDir: envOrDefault("MAILGUARD_QUARANTINE", "/var/lib/mailguard/quarantine"),
		AllowlistFile: os.Getenv("MAILGUARD_ALLOWLIST"),
		RateLimitDir:  filepath.Join(envOrDefault("MAILGUARD_STATE", "/var/lib/mailguard/state"), "ratelimit"),
		RateLimit:     maildrop.DefaultQuota.MaxRequests,
		RateWindow:    maildrop.DefaultQuota.Window,
		Secret:        os.Getenv("MAILGUARD_SECRET"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	v, path, err := maildrop.ProcessEmail(ctx, g, dcfg, raw)
	switch {
	case errors.Is(err, maildrop.ErrSenderRejected), errors.Is(err, maildrop.ErrUnauthorized):
		logger.Warn().Err(err).Msg("message rejected")
		return exNoUser
	case errors.Is(err, maildrop.ErrRateLimited):
		logger.Warn().Err(err).Msg("message deferred")
		return exTempFail
	case err != nil:
		logger.Error().Err(err).Msg("process message")
		return 1
	}

	logger.Info().
		Str("id", v.ID).
		Str("session_id", v.SessionID).
		Int("score", v.Score).
		Bool("quarantined", v.Quarantined).
		Str("path", path).
		Msg("message processed")
	if v.Quarantined {
		fmt.Fprintf(os.Stderr, "mailguard-maildrop: quarantined %s (score %d)\n", v.ID, v.Score)
	}
	return 0
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
