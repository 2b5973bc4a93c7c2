package maildrop

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dortort/openclaw-mailguard/internal/ratelimit"
)

// DefaultQuota caps deliveries per sender when the configured budget is
// unset.
var DefaultQuota = ratelimit.Limit{MaxRequests: 30, Window: time.Hour}

// ErrRateLimited is returned when a sender has used its delivery budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// SenderQuota is a sliding-window delivery budget per sender. Maildrop runs
// once per message, so each sender's window lives in a ledger file under dir.
type SenderQuota struct {
	dir   string
	limit ratelimit.Limit
	now   func() time.Time
}

// ledger holds the delivery times, in Unix milliseconds, still inside the
// window.
type ledger struct {
	Deliveries []int64 `json:"deliveries"`
}

// NewSenderQuota returns a quota persisted under dir. Missing budget fields
// fall back to DefaultQuota.
func NewSenderQuota(dir string, limit ratelimit.Limit) *SenderQuota {
	if limit.MaxRequests <= 0 {
		limit.MaxRequests = DefaultQuota.MaxRequests
	}
	if limit.Window <= 0 {
		limit.Window = DefaultQuota.Window
	}
	return &SenderQuota{dir: dir, limit: limit, now: time.Now}
}

// Admit charges one delivery to sender. A refused delivery is not charged
// and the error names when the oldest delivery leaves the window.
func (q *SenderQuota) Admit(sender string) (ratelimit.CheckResult, error) {
	if err := os.MkdirAll(q.dir, 0750); err != nil {
		return ratelimit.CheckResult{}, fmt.Errorf("create quota dir: %w", err)
	}

	sender = normalizeSender(sender)
	path := q.ledgerPath(sender)
	l := readLedger(path)

	now := q.now()
	l.prune(now.Add(-q.limit.Window))

	res := ratelimit.Check(len(l.Deliveries), q.limit)
	if res.Exceeded {
		retry := time.UnixMilli(l.Deliveries[0]).Add(q.limit.Window).UTC()
		return res, fmt.Errorf("%s sent %d of %d, retry after %s: %w",
			sender, res.Current, res.Limit, retry.Format(time.RFC3339), ErrRateLimited)
	}

	l.Deliveries = append(l.Deliveries, now.UnixMilli())
	res.Current = len(l.Deliveries)
	data, err := json.Marshal(l)
	if err != nil {
		return res, err
	}
	return res, writeAtomic(path, data)
}

func normalizeSender(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}

// ledgerPath keys the file by a hash so addresses never reach the
// filesystem.
func (q *SenderQuota) ledgerPath(sender string) string {
	sum := sha256.Sum256([]byte(sender))
	return filepath.Join(q.dir, hex.EncodeToString(sum[:8])+".json")
}

// readLedger treats a missing or unreadable ledger as empty.
func readLedger(path string) *ledger {
	l := &ledger{}
	data, err := os.ReadFile(path)
	if err != nil {
		return l
	}
	if json.Unmarshal(data, l) != nil {
		return &ledger{}
	}
	return l
}

func (l *ledger) prune(cutoff time.Time) {
	c := cutoff.UnixMilli()
	kept := l.Deliveries[:0]
	for _, t := range l.Deliveries {
		if t > c {
			kept = append(kept, t)
		}
	}
	l.Deliveries = kept
}
