package ratelimit

import "time"

// Limit is a fixed-window budget: at most MaxRequests per Window per key.
// Zero values mean no limit.
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// Enabled returns true if the limit is configured.
func (l Limit) Enabled() bool {
	return l.MaxRequests > 0 && l.Window > 0
}

// DefaultMaxKeys bounds the number of keys tracked at once.
const DefaultMaxKeys = 10000
