package firewall

import (
	"sync"
	"time"

	"github.com/dortort/openclaw-mailguard/internal/approval"
	"github.com/dortort/openclaw-mailguard/internal/model"
)

// Provenance records where the content that opened a session came from.
type Provenance struct {
	Source     string    `json:"source"`
	MessageID  string    `json:"message_id,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitzero"`
}

// CallDecision is the outcome recorded in a session's tool-call history.
type CallDecision string

const (
	CallAllowed         CallDecision = "allowed"
	CallDenied          CallDecision = "denied"
	CallPendingApproval CallDecision = "pending_approval"
)

// ToolCall is one entry of a session's append-only history.
type ToolCall struct {
	Tool      string       `json:"tool"`
	Timestamp time.Time    `json:"timestamp"`
	Decision  CallDecision `json:"decision"`
	Reason    string       `json:"reason"`
}

// sessionPolicy is the mutable per-session state. Fields below mu are
// guarded by it; the rest are fixed at creation.
type sessionPolicy struct {
	id               string
	provenance       Provenance
	gated            bool
	risk             model.RiskScore
	createdAt        time.Time
	seq              uint64
	deniedTools      map[string]bool
	approvalRequired map[string]bool

	mu        sync.Mutex
	approvals []*approval.Request
	history   []ToolCall
	lastCall  time.Time
}

// Session is a read-only snapshot of a session policy.
type Session struct {
	ID               string               `json:"id"`
	Provenance       Provenance           `json:"provenance"`
	Gated            bool                 `json:"gated"`
	RiskScore        int                  `json:"risk_score"`
	Recommendation   model.Recommendation `json:"recommendation"`
	Signals          []model.RiskSignal   `json:"signals"`
	CreatedAt        time.Time            `json:"created_at"`
	LastActivity     time.Time            `json:"last_activity"`
	DeniedTools      []string             `json:"denied_tools"`
	ApprovalRequired []string             `json:"approval_required"`
	Approvals        []approval.Request   `json:"approvals"`
	History          []ToolCall           `json:"history"`
}

func (p *sessionPolicy) record(call ToolCall) {
	p.mu.Lock()
	p.history = append(p.history, call)
	p.lastCall = call.Timestamp
	p.mu.Unlock()
}

// lastActivity is the most recent tool call, or creation when there is none.
func (p *sessionPolicy) lastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastCall.IsZero() {
		return p.createdAt
	}
	return p.lastCall
}

// findApproval finds a request by ID. The caller holds p.mu.
func (p *sessionPolicy) findApproval(id string) *approval.Request {
	for _, a := range p.approvals {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (p *sessionPolicy) riskContext() approval.RiskContext {
	return approval.RiskContext{
		Score:          p.risk.Score,
		Recommendation: p.risk.Recommendation,
		Signals:        p.risk.SignalTypeNames(),
	}
}

func (p *sessionPolicy) snapshot() Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Session{
		ID:               p.id,
		Provenance:       p.provenance,
		Gated:            p.gated,
		RiskScore:        p.risk.Score,
		Recommendation:   p.risk.Recommendation,
		Signals:          append([]model.RiskSignal(nil), p.risk.Signals...),
		CreatedAt:        p.createdAt,
		LastActivity:     p.createdAt,
		DeniedTools:      sortedSet(p.deniedTools),
		ApprovalRequired: sortedSet(p.approvalRequired),
		Approvals:        make([]approval.Request, len(p.approvals)),
		History:          append([]ToolCall(nil), p.history...),
	}
	if !p.lastCall.IsZero() {
		s.LastActivity = p.lastCall
	}
	for i, a := range p.approvals {
		s.Approvals[i] = a.Clone()
	}
	return s
}
