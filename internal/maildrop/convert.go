package maildrop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dortort/openclaw-mailguard/internal/authn"
	"github.com/dortort/openclaw-mailguard/internal/guard"
	"github.com/dortort/openclaw-mailguard/internal/ids"
	"github.com/dortort/openclaw-mailguard/internal/model"
	"github.com/dortort/openclaw-mailguard/internal/ratelimit"
	"github.com/dortort/openclaw-mailguard/internal/sanitize"
)

// DefaultSecretHeader carries the shared delivery secret.
const DefaultSecretHeader = "X-Mailguard-Secret"

// Source is the provenance source of maildrop messages.
const Source = "email"

var (
	// ErrUnauthorized is returned when the shared secret is missing or wrong.
	ErrUnauthorized = errors.New("delivery secret mismatch")
	// ErrSenderRejected is returned for senders outside the allowlist.
	ErrSenderRejected = errors.New("sender not in allowlist")
)

// Config holds maildrop processing configuration.
type Config struct {
	OutboxDir     string
	QuarantineDir string
	// AllowlistFile, when set, restricts accepted senders.
	AllowlistFile string
	RateLimitDir  string
	RateLimit     int
	RateWindow    time.Duration
	// Secret, when set, must match the SecretHeader of every message.
	Secret       string
	SecretHeader string
}

// Verdict is the file written for each processed message.
type Verdict struct {
	ID             string               `json:"id"`
	SessionID      string               `json:"session_id"`
	MessageID      string               `json:"message_id,omitempty"`
	From           string               `json:"from"`
	Subject        string               `json:"subject,omitempty"`
	Score          int                  `json:"score"`
	Recommendation model.Recommendation `json:"recommendation"`
	Quarantined    bool                 `json:"quarantined"`
	Reasons        []string             `json:"reasons"`
	Signals        []string             `json:"signals"`
	Body           string               `json:"body"`
	Links          []sanitize.Link      `json:"links,omitempty"`
	Attachments    int                  `json:"attachments,omitempty"`
	ReceivedAt     time.Time            `json:"received_at"`
	ProcessedAt    time.Time            `json:"processed_at"`
}

// ToMessage converts a parsed email to a guard message.
func ToMessage(e *Email, sessionID string) guard.Message {
	return guard.Message{
		SessionID:  sessionID,
		Source:     Source,
		Headers:    e.Headers,
		HTML:       e.HTML,
		Plain:      e.Plain,
		ReceivedAt: e.Date,
	}
}

// ProcessEmail parses raw, checks the delivery secret, allowlist and rate
// limit, runs the message through g and writes the verdict to the outbox,
// or to the quarantine directory when the message was quarantined.
func ProcessEmail(ctx context.Context, g *guard.Guard, cfg Config, raw []byte) (*Verdict, string, error) {
	email, err := ParseEmail(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse: %w", err)
	}

	if cfg.Secret != "" {
		header := cfg.SecretHeader
		if header == "" {
			header = DefaultSecretHeader
		}
		if !authn.Equal(email.Header.Get(header), cfg.Secret) {
			return nil, "", ErrUnauthorized
		}
	}

	if cfg.AllowlistFile != "" {
		al, err := LoadAllowlist(cfg.AllowlistFile)
		if err != nil {
			return nil, "", fmt.Errorf("allowlist: %w", err)
		}
		if !al.IsAllowed(email.From) {
			return nil, "", fmt.Errorf("%s: %w", email.From, ErrSenderRejected)
		}
	}

	if cfg.RateLimitDir != "" {
		q := NewSenderQuota(cfg.RateLimitDir, ratelimit.Limit{MaxRequests: cfg.RateLimit, Window: cfg.RateWindow})
		if _, err := q.Admit(email.From); err != nil {
			return nil, "", fmt.Errorf("rate limit: %w", err)
		}
	}

	id := ids.New(ids.PrefixMail)
	res := g.ProcessMessage(ctx, ToMessage(email, ids.Session()))

	v := &Verdict{
		ID:             id,
		SessionID:      res.SessionID,
		MessageID:      res.MessageID,
		From:           email.From,
		Subject:        email.Headers.Subject,
		Score:          res.Risk.Score,
		Recommendation: res.Risk.Recommendation,
		Quarantined:    res.Quarantined,
		Reasons:        res.Risk.Reasons,
		Signals:        res.Risk.SignalTypeNames(),
		Body:           res.Sanitized.BodyText,
		Links:          res.Sanitized.Links,
		Attachments:    email.Attachments,
		ReceivedAt:     email.Date,
		ProcessedAt:    time.Now().UTC(),
	}
	if v.Signals == nil {
		v.Signals = []string{}
	}

	dir := cfg.OutboxDir
	if v.Quarantined && cfg.QuarantineDir != "" {
		dir = cfg.QuarantineDir
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, "", fmt.Errorf("create output dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal: %w", err)
	}
	path := filepath.Join(dir, id+".json")
	if err := writeAtomic(path, data); err != nil {
		return nil, "", fmt.Errorf("write verdict: %w", err)
	}
	return v, path, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
