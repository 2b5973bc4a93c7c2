package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ReplayFilter selects entries from a log. Zero fields match everything.
type ReplayFilter struct {
	SessionID string
	EmailID   string
	Events    []EventType
	From      time.Time
	To        time.Time
}

func (f ReplayFilter) match(e Entry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.EmailID != "" && e.EmailID != f.EmailID {
		return false
	}
	if len(f.Events) > 0 {
		found := false
		for _, ev := range f.Events {
			if ev == e.Event {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

// ReplaySummary counts the replayed entries.
type ReplaySummary struct {
	Total          int               `json:"total"`
	Quarantined    int               `json:"quarantined"`
	ToolsAllowed   int               `json:"tools_allowed"`
	ToolsDenied    int               `json:"tools_denied"`
	Approvals      int               `json:"approvals"`
	MaxRiskScore   int               `json:"max_risk_score"`
	ByEvent        map[EventType]int `json:"by_event"`
	FirstTimestamp string            `json:"first_timestamp"`
	LastTimestamp  string            `json:"last_timestamp"`
}

// ReplayResult is the filtered slice of a log.
type ReplayResult struct {
	SessionID string        `json:"session_id,omitempty"`
	Entries   []Entry       `json:"entries"`
	Summary   ReplaySummary `json:"summary"`
}

// Replay reads path and returns the entries matching filter in file order.
// Malformed lines are skipped.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	res := &ReplayResult{
		SessionID: filter.SessionID,
		Entries:   []Entry{},
		Summary:   ReplaySummary{ByEvent: map[EventType]int{}},
	}
	sc := newScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if !filter.match(e) {
			continue
		}
		res.Entries = append(res.Entries, e)
		res.Summary.add(e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return res, nil
}

func (s *ReplaySummary) add(e Entry) {
	s.Total++
	s.ByEvent[e.Event]++
	switch e.Event {
	case EventEmailQuarantined:
		s.Quarantined++
	case EventToolAllowed:
		s.ToolsAllowed++
	case EventToolDenied:
		s.ToolsDenied++
	case EventApprovalRequested:
		s.Approvals++
	}
	if e.RiskScore != nil && *e.RiskScore > s.MaxRiskScore {
		s.MaxRiskScore = *e.RiskScore
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
