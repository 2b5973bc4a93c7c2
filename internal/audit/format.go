package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a replay as a fixed-width text timeline.
func FormatTimeline(r *ReplayResult) string {
	label := r.SessionID
	if label == "" {
		label = "all sessions"
	}
	if len(r.Entries) == 0 {
		return fmt.Sprintf("Session: %s | No entries found.\n", label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s | %s to %s UTC\n", label,
		reformat(r.Summary.FirstTimestamp, "2006-01-02 15:04:05"),
		reformat(r.Summary.LastTimestamp, "15:04:05"))
	b.WriteString(separator + "\n")

	for _, e := range r.Entries {
		score := "  -"
		if e.RiskScore != nil {
			score = fmt.Sprintf("%3d", *e.RiskScore)
		}
		subject := e.EmailID
		if t := e.Details["tool"]; t != "" {
			subject = t
		}
		fmt.Fprintf(&b, "%-9s %-24s %s %-12s %s\n",
			reformat(e.Timestamp, "15:04:05"),
			string(e.Event),
			score,
			strings.ToUpper(truncate(e.Decision, 12)),
			truncate(subject, 32))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(r.Summary))
	return b.String()
}

// FormatJSON renders a replay as indented JSON.
func FormatJSON(r *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatSummary(s ReplaySummary) string {
	events := make([]string, 0, len(s.ByEvent))
	for ev := range s.ByEvent {
		events = append(events, string(ev))
	}
	sort.Strings(events)
	parts := make([]string, 0, len(events))
	for _, ev := range events {
		parts = append(parts, fmt.Sprintf("%d %s", s.ByEvent[EventType(ev)], ev))
	}
	return fmt.Sprintf("Summary: %d entries (%s) | Max risk: %d\n",
		s.Total, strings.Join(parts, ", "), s.MaxRiskScore)
}

func reformat(ts, layout string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format(layout)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
