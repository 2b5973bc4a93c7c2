package audit

import (
	"strconv"
	"time"

	"github.com/dortort/openclaw-mailguard/internal/model"
)

// QuarantineRetention is the retention hint attached to quarantine records.
const QuarantineRetention = 7 * 24 * time.Hour

// QuarantineRecord holds a high-risk message out of normal processing.
// Storage is external; RetainUntil is a hint for it.
type QuarantineRecord struct {
	MessageID      string               `json:"message_id"`
	SessionID      string               `json:"session_id,omitempty"`
	Reason         string               `json:"reason"`
	Score          int                  `json:"score"`
	Recommendation model.Recommendation `json:"recommendation"`
	Signals        []string             `json:"signals,omitempty"`
	QuarantinedAt  time.Time            `json:"quarantined_at"`
	RetainUntil    time.Time            `json:"retain_until"`
}

// NewQuarantineRecord builds a record for a scored message.
func NewQuarantineRecord(messageID, sessionID string, score model.RiskScore, now time.Time) QuarantineRecord {
	reason := "risk score " + strconv.Itoa(score.Score)
	if len(score.Reasons) > 0 {
		reason += ": " + score.Reasons[0]
	}
	now = now.UTC()
	return QuarantineRecord{
		MessageID:      messageID,
		SessionID:      sessionID,
		Reason:         reason,
		Score:          score.Score,
		Recommendation: score.Recommendation,
		Signals:        score.SignalTypeNames(),
		QuarantinedAt:  now,
		RetainUntil:    now.Add(QuarantineRetention),
	}
}

// Entry converts the record into an audit entry.
func (q QuarantineRecord) Entry() Entry {
	return Entry{
		Timestamp: q.QuarantinedAt.UTC().Format(TimestampFormat),
		Event:     EventEmailQuarantined,
		SessionID: q.SessionID,
		EmailID:   q.MessageID,
		Details: map[string]string{
			"reason":       q.Reason,
			"retain_until": q.RetainUntil.UTC().Format(time.RFC3339),
		},
		RiskScore: Score(q.Score),
		Signals:   q.Signals,
		Decision:  string(q.Recommendation),
	}
}
