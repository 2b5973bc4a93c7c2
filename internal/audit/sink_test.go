package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/dortort/openclaw-mailguard/internal/model"
)

type failingSink struct{}

func (failingSink) Record(Entry) error                { return errors.New("record failed") }
func (failingSink) Quarantine(QuarantineRecord) error { return errors.New("quarantine failed") }

func TestMemorySink(t *testing.T) {
	m := NewMemorySink()
	_ = m.Record(Entry{Event: EventSessionInitialized})
	_ = m.Record(Entry{Event: EventToolDenied, Timestamp: "2026-01-01T00:00:00.000Z"})

	entries := m.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Timestamp == "" {
		t.Error("expected timestamp filled")
	}
	if entries[1].Timestamp != "2026-01-01T00:00:00.000Z" {
		t.Errorf("expected timestamp kept, got %q", entries[1].Timestamp)
	}
	ev := m.Events()
	if ev[0] != EventSessionInitialized || ev[1] != EventToolDenied {
		t.Errorf("unexpected events %v", ev)
	}

	entries[0].Event = "mutated"
	if m.Entries()[0].Event != EventSessionInitialized {
		t.Error("expected Entries to return a copy")
	}
}

func TestMultiSink(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	s := Multi(a, failingSink{}, b)

	if err := s.Record(Entry{Event: EventToolAllowed}); err == nil {
		t.Error("expected joined error")
	}
	rec := NewQuarantineRecord("m", "", model.RiskScore{Score: 90, Recommendation: model.RecommendBlock}, time.Now())
	if err := s.Quarantine(rec); err == nil {
		t.Error("expected joined error")
	}
	if len(a.Entries()) != 1 || len(b.Entries()) != 1 {
		t.Error("expected every sink to receive the entry")
	}
	if len(a.Quarantined()) != 1 || len(b.Quarantined()) != 1 {
		t.Error("expected every sink to receive the record")
	}
}

func TestDiscard(t *testing.T) {
	if err := Discard.Record(Entry{}); err != nil {
		t.Error(err)
	}
	if err := Discard.Quarantine(QuarantineRecord{}); err != nil {
		t.Error(err)
	}
}

func TestNewQuarantineRecord(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := NewQuarantineRecord("<id>", "s", model.RiskScore{
		Score:          72,
		Reasons:        []string{"Urgency pressure", "Suspicious link"},
		Recommendation: model.RecommendQuarantine,
	}, now)
	if rec.Reason != "risk score 72: Urgency pressure" {
		t.Errorf("unexpected reason %q", rec.Reason)
	}
	if !rec.RetainUntil.Equal(now.Add(7 * 24 * time.Hour)) {
		t.Errorf("expected 7-day retention, got %v", rec.RetainUntil)
	}
	if rec.Recommendation != model.RecommendQuarantine {
		t.Errorf("expected quarantine, got %s", rec.Recommendation)
	}
}
