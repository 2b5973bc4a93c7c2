package audit

import (
	"errors"
	"sync"
	"time"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Sink receives audit entries and quarantine records. Implementations must be
// safe for concurrent use.
type Sink interface {
	Record(Entry) error
	Quarantine(QuarantineRecord) error
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Entry) error                { return nil }
func (discard) Quarantine(QuarantineRecord) error { return nil }

// MemorySink keeps everything in memory. Used by tests and the scan command.
type MemorySink struct {
	mu          sync.Mutex
	entries     []Entry
	quarantined []QuarantineRecord
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink.
func (m *MemorySink) Record(e Entry) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Quarantine implements Sink.
func (m *MemorySink) Quarantine(q QuarantineRecord) error {
	m.mu.Lock()
	m.quarantined = append(m.quarantined, q)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Quarantined returns a copy of the quarantine records.
func (m *MemorySink) Quarantined() []QuarantineRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QuarantineRecord(nil), m.quarantined...)
}

// Events returns the event types recorded, in order.
func (m *MemorySink) Events() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Event
	}
	return out
}

// Multi fans out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Record(e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Quarantine(q QuarantineRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Quarantine(q); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
