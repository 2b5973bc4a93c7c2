package audit

// EventType is the closed set of audit events.
type EventType string

const (
	EventEmailProcessed     EventType = "email_processed"
	EventEmailQuarantined   EventType = "email_quarantined"
	EventSessionInitialized EventType = "session_initialized"
	EventSessionEvicted     EventType = "session_evicted"
	EventSessionExpired     EventType = "session_expired"
	EventToolAllowed        EventType = "tool_allowed"
	EventToolDenied         EventType = "tool_denied"
	EventApprovalRequested  EventType = "approval_requested"
	EventApprovalResolved   EventType = "approval_resolved"
	EventWorkflowCreated    EventType = "workflow_created"
	EventWorkflowStarted    EventType = "workflow_started"
	EventWorkflowStep       EventType = "workflow_step_resolved"
	EventWorkflowCompleted  EventType = "workflow_completed"
	EventWorkflowFailed     EventType = "workflow_failed"
	EventWorkflowCancelled  EventType = "workflow_cancelled"
	EventWorkflowExpired    EventType = "workflow_expired"
	EventConfigReloaded     EventType = "config_reloaded"
)

var knownEvents = map[EventType]bool{
	EventEmailProcessed:     true,
	EventEmailQuarantined:   true,
	EventSessionInitialized: true,
	EventSessionEvicted:     true,
	EventSessionExpired:     true,
	EventToolAllowed:        true,
	EventToolDenied:         true,
	EventApprovalRequested:  true,
	EventApprovalResolved:   true,
	EventWorkflowCreated:    true,
	EventWorkflowStarted:    true,
	EventWorkflowStep:       true,
	EventWorkflowCompleted:  true,
	EventWorkflowFailed:     true,
	EventWorkflowCancelled:  true,
	EventWorkflowExpired:    true,
	EventConfigReloaded:     true,
}

// Known reports whether e is one of the events above.
func (e EventType) Known() bool { return knownEvents[e] }

// Entry is one line in the hash-chained JSONL audit log.
// Details is a string map so json.Marshal emits keys in sorted order and
// hashing stays reproducible.
type Entry struct {
	Timestamp string            `json:"ts"`
	Event     EventType         `json:"event"`
	SessionID string            `json:"session_id,omitempty"`
	EmailID   string            `json:"email_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	RiskScore *int              `json:"risk_score,omitempty"`
	Signals   []string          `json:"signals,omitempty"`
	Decision  string            `json:"decision,omitempty"`
	PrevHash  string            `json:"prev_hash,omitempty"`
}

// Score returns a pointer to s for Entry.RiskScore.
func Score(s int) *int { return &s }
