package risk

import (
	"strings"

	"github.com/dortort/openclaw-mailguard/internal/model"
)

const (
	// DefaultThreshold is the score at which a message is quarantined.
	DefaultThreshold = 70
	// BlockScore is the fixed score at or above which a message is blocked.
	BlockScore = 80
	// ReviewScore is the fixed score at or above which a message needs review.
	ReviewScore = 30
	// DefaultMLWeight is the share of the ML score in the combined score.
	DefaultMLWeight = 0.3
)

// Config is the per-call scoring configuration.
type Config struct {
	Threshold            int
	QuarantineEnabled    bool
	AllowedSenderDomains []string
	BlockedSenderDomains []string
	MLWeight             float64
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:         DefaultThreshold,
		QuarantineEnabled: true,
		MLWeight:          DefaultMLWeight,
	}
}

// RecommendationFor maps a score to a recommendation. Thresholds are
// evaluated in order: block, quarantine, review, allow.
func RecommendationFor(score, threshold int) model.Recommendation {
	switch {
	case score >= BlockScore:
		return model.RecommendBlock
	case score >= threshold:
		return model.RecommendQuarantine
	case score >= ReviewScore:
		return model.RecommendReview
	default:
		return model.RecommendAllow
	}
}

// ShouldQuarantine is false when quarantine is disabled, otherwise true iff
// the recommendation is quarantine or block.
func ShouldQuarantine(score model.RiskScore, cfg Config) bool {
	if !cfg.QuarantineEnabled {
		return false
	}
	return score.Recommendation == model.RecommendQuarantine || score.Recommendation == model.RecommendBlock
}

// DomainListed reports whether domain matches an entry in list. Entries are
// bare domains ("example.com"), "@example.com" or "*.example.com"; a bare or
// "@" entry also matches subdomains. Matching is case-insensitive.
func DomainListed(domain string, list []string) bool {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return false
	}
	for _, entry := range list {
		e := strings.ToLower(strings.TrimSpace(entry))
		e = strings.TrimPrefix(e, "@")
		e = strings.TrimPrefix(e, "*.")
		e = strings.TrimSuffix(e, ".")
		if e == "" {
			continue
		}
		if domain == e || strings.HasSuffix(domain, "."+e) {
			return true
		}
	}
	return false
}
