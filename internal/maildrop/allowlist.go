package maildrop

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Allowlist checks sender addresses against a configured list.
type Allowlist struct {
	patterns []string
}

// NewAllowlist builds an allowlist from exact addresses and "@domain"
// patterns.
func NewAllowlist(patterns ...string) *Allowlist {
	a := &Allowlist{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			a.patterns = append(a.patterns, p)
		}
	}
	return a
}

// LoadAllowlist reads an allowlist file. One pattern per line.
// Lines starting with # are comments. Empty lines are skipped.
func LoadAllowlist(path string) (*Allowlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open allowlist: %w", err)
	}
	defer func() { _ = f.Close() }()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	return NewAllowlist(patterns...), nil
}

// IsAllowed reports whether sender matches an exact address or an
// "@domain" pattern. Matching is case-insensitive; a domain pattern does
// not match subdomains.
func (a *Allowlist) IsAllowed(sender string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	for _, p := range a.patterns {
		if p == sender {
			return true
		}
		if strings.HasPrefix(p, "@") && strings.HasSuffix(sender, p) {
			return true
		}
	}
	return false
}

// Domains returns the domains of the "@domain" patterns, for use as
// trusted sender domains in scoring.
func (a *Allowlist) Domains() []string {
	var out []string
	for _, p := range a.patterns {
		if d, ok := strings.CutPrefix(p, "@"); ok && d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of patterns.
func (a *Allowlist) Len() int { return len(a.patterns) }
