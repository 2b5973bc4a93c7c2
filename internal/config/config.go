// Package config loads, validates and watches the mailguard configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dortort/openclaw-mailguard/internal/firewall"
	"github.com/dortort/openclaw-mailguard/internal/risk"
	"github.com/dortort/openclaw-mailguard/internal/sanitize"
)

// Validation bounds.
const (
	MinApprovalTimeoutSeconds = 60
	MaxApprovalTimeoutSeconds = 86400
)

// RiskConfig configures scoring.
type RiskConfig struct {
	Threshold            int      `yaml:"threshold"`
	QuarantineEnabled    bool     `yaml:"quarantine_enabled"`
	AllowedSenderDomains []string `yaml:"allowed_sender_domains"`
	BlockedSenderDomains []string `yaml:"blocked_sender_domains"`
}

// MLConfig configures the optional remote classifier.
type MLConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Endpoint          string  `yaml:"endpoint"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	Weight            float64 `yaml:"weight"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// SanitizerConfig configures the sanitizer.
type SanitizerConfig struct {
	MaxBodyLength int `yaml:"max_body_length"`
}

// PatternsConfig points at an optional extra corpus file.
type PatternsConfig struct {
	CorpusPath string `yaml:"corpus_path"`
}

// FirewallConfig configures the tool firewall.
type FirewallConfig struct {
	DeniedTools             []string `yaml:"denied_tools"`
	ApprovalRequiredActions []string `yaml:"approval_required_actions"`
	ApprovalTimeoutSeconds  int      `yaml:"approval_timeout_seconds"`
	MaxSessions             int      `yaml:"max_sessions"`
	SessionMaxAgeSeconds    int      `yaml:"session_max_age_seconds"`
	LobsterEnabled          bool     `yaml:"lobster_enabled"`
	GatedSources            []string `yaml:"gated_sources"`
}

// WorkflowConfig configures the approval workflow engine. A zero timeout
// uses the firewall approval timeout.
type WorkflowConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// AuditConfig configures the audit log. An empty path disables the file.
type AuditConfig struct {
	LogPath string `yaml:"log_path"`
}

// Config is the whole configuration file.
type Config struct {
	Risk      RiskConfig      `yaml:"risk"`
	ML        MLConfig        `yaml:"ml"`
	Sanitizer SanitizerConfig `yaml:"sanitizer"`
	Patterns  PatternsConfig  `yaml:"patterns"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Audit     AuditConfig     `yaml:"audit"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Risk: RiskConfig{
			Threshold:         risk.DefaultThreshold,
			QuarantineEnabled: true,
		},
		ML: MLConfig{
			TimeoutMS:         int(risk.DefaultClassifierTimeout / time.Millisecond),
			Weight:            risk.DefaultMLWeight,
			RequestsPerSecond: 5,
		},
		Sanitizer: SanitizerConfig{MaxBodyLength: sanitize.DefaultMaxLength},
		Firewall: FirewallConfig{
			ApprovalTimeoutSeconds: int(firewall.DefaultApprovalTimeout / time.Second),
			MaxSessions:            firewall.DefaultMaxSessions,
			SessionMaxAgeSeconds:   86400,
			LobsterEnabled:         true,
			GatedSources:           append([]string(nil), firewall.DefaultGatedSources...),
		},
	}
}

// DefaultPath returns ~/.mailguard/config.yaml, or "" when there is no home
// directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mailguard", "config.yaml")
}

// LoadConfig reads path over the defaults. An empty path uses DefaultPath.
// A missing file yields the defaults; invalid YAML or values are errors.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash is LoadConfig plus the SHA-256 of the raw file. Without
// a file the hash is that of empty input.
func LoadConfigWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}
	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	cfg, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

// Parse overlays YAML onto the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Risk.Threshold < 0 || c.Risk.Threshold > 100 {
		return fmt.Errorf("risk.threshold must be between 0 and 100, got %d", c.Risk.Threshold)
	}
	t := c.Firewall.ApprovalTimeoutSeconds
	if t < MinApprovalTimeoutSeconds || t > MaxApprovalTimeoutSeconds {
		return fmt.Errorf("firewall.approval_timeout_seconds must be between %d and %d, got %d",
			MinApprovalTimeoutSeconds, MaxApprovalTimeoutSeconds, t)
	}
	if w := c.Workflow.TimeoutSeconds; w != 0 && (w < MinApprovalTimeoutSeconds || w > MaxApprovalTimeoutSeconds) {
		return fmt.Errorf("workflow.timeout_seconds must be between %d and %d, got %d",
			MinApprovalTimeoutSeconds, MaxApprovalTimeoutSeconds, w)
	}
	if c.Sanitizer.MaxBodyLength <= 0 {
		return fmt.Errorf("sanitizer.max_body_length must be positive, got %d", c.Sanitizer.MaxBodyLength)
	}
	if c.ML.Weight < 0 || c.ML.Weight > 1 {
		return fmt.Errorf("ml.weight must be between 0 and 1, got %g", c.ML.Weight)
	}
	if c.ML.Enabled && c.ML.Endpoint == "" {
		return fmt.Errorf("ml.endpoint is required when ml.enabled is true")
	}
	if c.ML.TimeoutMS <= 0 {
		return fmt.Errorf("ml.timeout_ms must be positive, got %d", c.ML.TimeoutMS)
	}
	if c.Firewall.MaxSessions <= 0 {
		return fmt.Errorf("firewall.max_sessions must be positive, got %d", c.Firewall.MaxSessions)
	}
	if c.Firewall.SessionMaxAgeSeconds <= 0 {
		return fmt.Errorf("firewall.session_max_age_seconds must be positive, got %d", c.Firewall.SessionMaxAgeSeconds)
	}
	return nil
}

// RiskConfig returns the scoring configuration.
func (c *Config) RiskConfig() risk.Config {
	return risk.Config{
		Threshold:            c.Risk.Threshold,
		QuarantineEnabled:    c.Risk.QuarantineEnabled,
		AllowedSenderDomains: append([]string(nil), c.Risk.AllowedSenderDomains...),
		BlockedSenderDomains: append([]string(nil), c.Risk.BlockedSenderDomains...),
		MLWeight:             c.ML.Weight,
	}
}

// ClassifierConfig returns the ML client configuration, or false when the
// classifier is disabled.
func (c *Config) ClassifierConfig() (risk.ClassifierConfig, bool) {
	if !c.ML.Enabled || c.ML.Endpoint == "" {
		return risk.ClassifierConfig{}, false
	}
	return risk.ClassifierConfig{
		Endpoint:          c.ML.Endpoint,
		Timeout:           time.Duration(c.ML.TimeoutMS) * time.Millisecond,
		RequestsPerSecond: c.ML.RequestsPerSecond,
	}, true
}

// FirewallConfig returns the policy part of the firewall configuration.
// Audit, logger and clock are left for the caller.
func (c *Config) FirewallConfig() firewall.Config {
	fc := firewall.DefaultConfig()
	fc.DeniedTools = append([]string(nil), c.Firewall.DeniedTools...)
	fc.ApprovalRequiredActions = append([]string(nil), c.Firewall.ApprovalRequiredActions...)
	fc.ApprovalTimeout = c.ApprovalTimeout()
	fc.MaxSessions = c.Firewall.MaxSessions
	fc.LobsterEnabled = c.Firewall.LobsterEnabled
	if c.Firewall.GatedSources != nil {
		fc.GatedSources = append([]string(nil), c.Firewall.GatedSources...)
	}
	return fc
}

// ApprovalTimeout is the lifetime of an approval request.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Firewall.ApprovalTimeoutSeconds) * time.Second
}

// WorkflowTimeout is the lifetime of an in-progress workflow.
func (c *Config) WorkflowTimeout() time.Duration {
	if c.Workflow.TimeoutSeconds > 0 {
		return time.Duration(c.Workflow.TimeoutSeconds) * time.Second
	}
	return c.ApprovalTimeout()
}

// SessionMaxAge is the idle time after which a session is cleaned up.
func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.Firewall.SessionMaxAgeSeconds) * time.Second
}

// DefaultConfigYAML returns a commented configuration file with the defaults.
func DefaultConfigYAML() string {
	return `# mailguard configuration
# Missing fields fall back to these defaults.

risk:
  # Score at or above which a message is quarantined (0-100).
  threshold: 70
  quarantine_enabled: true
  # Bare domains also match subdomains; "@example.com" and "*.example.com" work too.
  allowed_sender_domains: []
  blocked_sender_domains: []

ml:
  enabled: false
  endpoint: ""
  timeout_ms: 3000
  # Share of the ML score in the combined score (0-1).
  weight: 0.3
  requests_per_second: 5

sanitizer:
  max_body_length: 50000

patterns:
  # Extra YAML rule file merged with the built-in corpus.
  corpus_path: ""

firewall:
  # Extra tools that are never allowed.
  denied_tools: []
  # Extra tools that need operator approval.
  approval_required_actions: []
  approval_timeout_seconds: 3600
  max_sessions: 10000
  session_max_age_seconds: 86400
  lobster_enabled: true
  # Provenance sources that get fail-secure policy.
  gated_sources:
    - gmail
    - email

workflow:
  # 0 uses firewall.approval_timeout_seconds.
  timeout_seconds: 0

audit:
  # Hash-chained JSONL log. Empty disables it.
  log_path: ""
`
}
