// Package firewall decides which tools an agent session may call, based on
// where the triggering content came from and a static tool classification.
package firewall

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dortort/openclaw-mailguard/internal/approval"
	"github.com/dortort/openclaw-mailguard/internal/audit"
	"github.com/dortort/openclaw-mailguard/internal/ids"
	"github.com/dortort/openclaw-mailguard/internal/model"
	"github.com/dortort/openclaw-mailguard/internal/ratelimit"
)

// Defaults.
const (
	DefaultMaxSessions     = 10000
	DefaultApprovalTimeout = time.Hour
	DefaultResolveLimit    = 10
	DefaultResolveWindow   = 60 * time.Second
)

// DefaultGatedSources are the provenance sources that get fail-secure policy.
var DefaultGatedSources = []string{"gmail", "email"}

// ErrApprovalOwned is logged when a workflow-owned request is resolved
// outside its workflow.
var ErrApprovalOwned = errors.New("approval is owned by a workflow")

// ErrSessionNotFound is returned for operations on an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// Denial reasons recorded in decisions and history.
const (
	ReasonNoSession        = "no_session"
	ReasonHardDenial       = "hard_denial"
	ReasonSafeTool         = "safe_tool"
	ReasonRequiresApproval = "requires_approval"
	ReasonUnknownGated     = "unknown_tool_gated"
	ReasonUnclassified     = "unclassified_tool"
	ReasonEmptyTool        = "empty_tool_name"
)

// DenialType distinguishes overridable from non-overridable refusals.
type DenialType string

const (
	DenialNone DenialType = ""
	DenialHard DenialType = "hard"
	DenialSoft DenialType = "soft"
)

// Config configures a Firewall. Zero values fall back to defaults.
type Config struct {
	DeniedTools             []string
	ApprovalRequiredActions []string
	ApprovalTimeout         time.Duration
	MaxSessions             int
	LobsterEnabled          bool
	GatedSources            []string
	ResolveLimit            ratelimit.Limit
	Audit                   audit.Sink
	Logger                  zerolog.Logger
	Now                     func() time.Time
}

// DefaultConfig returns the firewall defaults.
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout: DefaultApprovalTimeout,
		MaxSessions:     DefaultMaxSessions,
		LobsterEnabled:  true,
		GatedSources:    append([]string(nil), DefaultGatedSources...),
		ResolveLimit:    ratelimit.Limit{MaxRequests: DefaultResolveLimit, Window: DefaultResolveWindow},
	}
}

// policyConfig is the reloadable part of Config.
type policyConfig struct {
	denied           map[string]bool
	approvalRequired map[string]bool
	approvalTimeout  time.Duration
	maxSessions      int
	lobster          bool
	gated            map[string]bool
}

func newPolicyConfig(cfg Config) *policyConfig {
	pc := &policyConfig{
		denied:           normalizeAll(cfg.DeniedTools),
		approvalRequired: normalizeAll(cfg.ApprovalRequiredActions),
		approvalTimeout:  cfg.ApprovalTimeout,
		maxSessions:      cfg.MaxSessions,
		lobster:          cfg.LobsterEnabled,
		gated:            make(map[string]bool),
	}
	if pc.approvalTimeout <= 0 {
		pc.approvalTimeout = DefaultApprovalTimeout
	}
	if pc.maxSessions <= 0 {
		pc.maxSessions = DefaultMaxSessions
	}
	sources := cfg.GatedSources
	if sources == nil {
		sources = DefaultGatedSources
	}
	for _, s := range sources {
		pc.gated[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return pc
}

func (pc *policyConfig) approvalType() approval.Type {
	if pc.lobster {
		return approval.TypeLobster
	}
	return approval.TypeExec
}

// Decision is the outcome of a tool access check.
type Decision struct {
	Allowed          bool          `json:"allowed"`
	Tool             string        `json:"tool"`
	Reason           string        `json:"reason"`
	RequiresApproval bool          `json:"requires_approval"`
	ApprovalType     approval.Type `json:"approval_type,omitempty"`
	DenialType       DenialType    `json:"denial_type,omitempty"`
	Alternatives     []string      `json:"alternatives,omitempty"`
}

// ToolContext is one tool invocation to check.
type ToolContext struct {
	SessionID string
	Tool      string
}

// Firewall holds per-session tool policies. Safe for concurrent use.
type Firewall struct {
	cfg     atomic.Pointer[policyConfig]
	store   *store
	limiter *ratelimit.Limiter
	audit   audit.Sink
	log     zerolog.Logger
	now     func() time.Time
}

// New creates a Firewall.
func New(cfg Config) *Firewall {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sink := cfg.Audit
	if sink == nil {
		sink = audit.Discard
	}
	limit := cfg.ResolveLimit
	if !limit.Enabled() {
		limit = ratelimit.Limit{MaxRequests: DefaultResolveLimit, Window: DefaultResolveWindow}
	}
	f := &Firewall{
		store:   newStore(),
		limiter: ratelimit.New(limit, 0, now),
		audit:   sink,
		log:     cfg.Logger.With().Str("component", "firewall").Logger(),
		now:     now,
	}
	f.cfg.Store(newPolicyConfig(cfg))
	return f
}

// Reconfigure swaps the policy used for new sessions and decisions. Existing
// sessions keep the denied and approval sets they were created with.
func (f *Firewall) Reconfigure(cfg Config) {
	f.cfg.Store(newPolicyConfig(cfg))
	f.log.Info().Msg("policy reconfigured")
}

// IsGated reports whether a provenance source gets fail-secure policy.
func (f *Firewall) IsGated(source string) bool {
	return f.cfg.Load().gated[strings.ToLower(strings.TrimSpace(source))]
}

// Len returns the number of live sessions.
func (f *Firewall) Len() int { return f.store.len() }

// InitializeSession creates the policy for sessionID, replacing any existing
// one. At capacity the session with the oldest creation time is evicted
// first.
func (f *Firewall) InitializeSession(sessionID string, prov Provenance, risk model.RiskScore) Session {
	pc := f.cfg.Load()
	now := f.now().UTC()

	denied := make(map[string]bool, len(hardDenied)+len(pc.denied))
	for t := range hardDenied {
		denied[t] = true
	}
	for t := range pc.denied {
		denied[t] = true
	}
	required := make(map[string]bool, len(approvalRequired)+len(pc.approvalRequired))
	for t := range approvalRequired {
		required[t] = true
	}
	for t := range pc.approvalRequired {
		required[t] = true
	}

	p := &sessionPolicy{
		id:               sessionID,
		provenance:       prov,
		gated:            pc.gated[strings.ToLower(strings.TrimSpace(prov.Source))],
		risk:             risk,
		createdAt:        now,
		deniedTools:      denied,
		approvalRequired: required,
	}

	evicted, replaced := f.store.insert(p, pc.maxSessions)
	for _, old := range evicted {
		f.limiter.Forget(old.id)
		f.log.Info().Str("session_id", old.id).Msg("session evicted at capacity")
		f.record(audit.Entry{
			Event:     audit.EventSessionEvicted,
			SessionID: old.id,
			Details:   map[string]string{"reason": "capacity", "created_at": old.createdAt.Format(time.RFC3339Nano)},
		})
	}
	if replaced != nil {
		f.log.Debug().Str("session_id", sessionID).Msg("session replaced")
	}

	f.record(audit.Entry{
		Event:     audit.EventSessionInitialized,
		SessionID: sessionID,
		EmailID:   prov.MessageID,
		Details: map[string]string{
			"source": prov.Source,
			"gated":  strconv.FormatBool(p.gated),
		},
		RiskScore: audit.Score(risk.Score),
		Signals:   risk.SignalTypeNames(),
		Decision:  string(risk.Recommendation),
	})
	return p.snapshot()
}

// Session returns a snapshot of a session policy.
func (f *Firewall) Session(sessionID string) (Session, bool) {
	p := f.store.get(sessionID)
	if p == nil {
		return Session{}, false
	}
	return p.snapshot(), true
}

// CheckToolAccess decides whether ctx.Tool may run in ctx.SessionID and
// records the call in the session history. The session policy is looked up
// once; a concurrent eviction does not change a check already in progress.
func (f *Firewall) CheckToolAccess(ctx ToolContext) Decision {
	pc := f.cfg.Load()
	p := f.store.get(ctx.SessionID)
	d := decide(pc, NormalizeTool(ctx.Tool), p)
	tool := d.Tool

	if p == nil {
		if !d.Allowed {
			f.log.Warn().Str("tool", tool).Str("reason", d.Reason).Msg("tool denied without session")
			f.record(audit.Entry{
				Event:     audit.EventToolDenied,
				SessionID: ctx.SessionID,
				Details:   map[string]string{"tool": tool, "reason": d.Reason},
				Decision:  string(CallDenied),
			})
		}
		return d
	}

	call := ToolCall{Tool: tool, Timestamp: f.now().UTC(), Reason: d.Reason}
	event := audit.EventToolDenied
	switch {
	case d.Allowed:
		call.Decision = CallAllowed
		event = audit.EventToolAllowed
	case d.RequiresApproval:
		call.Decision = CallPendingApproval
	default:
		call.Decision = CallDenied
	}
	p.record(call)

	ev := f.log.Debug()
	if !d.Allowed {
		ev = f.log.Info()
	}
	ev.Str("session_id", p.id).Str("tool", tool).Str("decision", string(call.Decision)).Str("reason", d.Reason).Msg("tool check")

	f.record(audit.Entry{
		Event:     event,
		SessionID: p.id,
		EmailID:   p.provenance.MessageID,
		Details:   map[string]string{"tool": tool, "reason": d.Reason},
		RiskScore: audit.Score(p.risk.Score),
		Decision:  string(call.Decision),
	})
	return d
}

// Preview returns the decision CheckToolAccess would make without
// recording anything.
func (f *Firewall) Preview(ctx ToolContext) Decision {
	return decide(f.cfg.Load(), NormalizeTool(ctx.Tool), f.store.get(ctx.SessionID))
}

// decide applies the fixed evaluation order: hard denial, missing session,
// safe, approval required, then the provenance fallback.
func decide(pc *policyConfig, tool string, p *sessionPolicy) Decision {
	switch {
	case tool == "":
		return Decision{Tool: tool, Reason: ReasonEmptyTool, DenialType: DenialHard}
	case hardDenied[tool] || (p != nil && p.deniedTools[tool]) || (p == nil && pc.denied[tool]):
		return Decision{
			Tool:         tool,
			Reason:       ReasonHardDenial,
			DenialType:   DenialHard,
			Alternatives: Alternatives(tool),
		}
	case p == nil:
		return Decision{Allowed: true, Tool: tool, Reason: ReasonNoSession}
	case safe[tool]:
		return Decision{Allowed: true, Tool: tool, Reason: ReasonSafeTool}
	case p.approvalRequired[tool]:
		return Decision{
			Tool:             tool,
			Reason:           ReasonRequiresApproval,
			RequiresApproval: true,
			ApprovalType:     pc.approvalType(),
			DenialType:       DenialSoft,
		}
	case p.gated:
		return Decision{
			Tool:             tool,
			Reason:           ReasonUnknownGated,
			RequiresApproval: true,
			ApprovalType:     pc.approvalType(),
			DenialType:       DenialSoft,
		}
	default:
		return Decision{Allowed: true, Tool: tool, Reason: ReasonUnclassified}
	}
}

// CreateSideEffectPlan creates one pending approval request per action that
// requires approval and attaches them to the session.
func (f *Firewall) CreateSideEffectPlan(sessionID string, actions []approval.Action) (*approval.Plan, error) {
	p := f.store.get(sessionID)
	if p == nil {
		return nil, fmt.Errorf("create plan for %s: %w", sessionID, ErrSessionNotFound)
	}
	pc := f.cfg.Load()
	now := f.now().UTC()

	plan := &approval.Plan{
		ID:           ids.Plan(),
		SessionID:    sessionID,
		Actions:      make([]approval.Action, len(actions)),
		Approvals:    []approval.Request{},
		ApprovalType: pc.approvalType(),
		CreatedAt:    now,
	}
	rc := p.riskContext()

	var owner string
	if plan.ApprovalType == approval.TypeLobster {
		owner = ids.Workflow()
	}
	var created []*approval.Request
	for i, a := range actions {
		a.Type = NormalizeTool(a.Type)
		plan.Actions[i] = a
		if !a.RequiresApproval {
			continue
		}
		req := &approval.Request{
			ID:          ids.Approval(),
			WorkflowID:  owner,
			ActionType:  a.Type,
			Params:      a.EncodeParams(),
			RiskContext: rc,
			Preview:     approval.Preview(a),
			Status:      approval.StatusPending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(pc.approvalTimeout),
		}
		created = append(created, req)
		plan.Approvals = append(plan.Approvals, req.Clone())
	}

	if len(created) > 0 {
		plan.WorkflowID = owner
	}

	p.mu.Lock()
	p.approvals = append(p.approvals, created...)
	p.mu.Unlock()

	for _, req := range created {
		f.log.Info().Str("session_id", sessionID).Str("approval_id", req.ID).Str("tool", req.ActionType).Msg("approval requested")
		f.record(audit.Entry{
			Event:     audit.EventApprovalRequested,
			SessionID: sessionID,
			EmailID:   p.provenance.MessageID,
			Details: map[string]string{
				"approval_id":   req.ID,
				"action":        req.ActionType,
				"approval_type": string(plan.ApprovalType),
				"workflow_id":   req.WorkflowID,
				"expires_at":    req.ExpiresAt.Format(time.RFC3339),
			},
			RiskScore: audit.Score(rc.Score),
			Signals:   rc.Signals,
		})
	}
	return plan, nil
}

// ResolveApproval approves or denies a pending request. It returns false,
// without changing anything, when the session has exceeded its resolution
// budget, when the session or approval is unknown, when the approval is no
// longer pending, or when the approval belongs to a workflow.
func (f *Firewall) ResolveApproval(sessionID, approvalID string, approved bool, resolvedBy string) bool {
	return f.resolve(sessionID, "", approvalID, approved, resolvedBy)
}

// ResolveWorkflowApproval is ResolveApproval for a request owned by
// workflowID. It shares the session's resolution budget.
func (f *Firewall) ResolveWorkflowApproval(sessionID, workflowID, approvalID string, approved bool, resolvedBy string) bool {
	if workflowID == "" {
		return false
	}
	return f.resolve(sessionID, workflowID, approvalID, approved, resolvedBy)
}

func (f *Firewall) resolve(sessionID, owner, approvalID string, approved bool, resolvedBy string) bool {
	if res := f.limiter.Allow(sessionID); res.Exceeded {
		f.log.Warn().Str("session_id", sessionID).Str("reason", res.Reason).Msg("approval resolution throttled")
		return false
	}
	p := f.store.get(sessionID)
	if p == nil {
		return false
	}

	now := f.now().UTC()
	p.mu.Lock()
	req := p.findApproval(approvalID)
	var err error
	switch {
	case req == nil:
	case req.WorkflowID != owner:
		err = fmt.Errorf("approval %s is owned by workflow %q: %w", approvalID, req.WorkflowID, ErrApprovalOwned)
	default:
		err = req.Resolve(approved, resolvedBy, now)
	}
	var resolved approval.Request
	if req != nil {
		resolved = req.Clone()
	}
	p.mu.Unlock()

	if req == nil {
		return false
	}
	if err != nil {
		f.log.Info().Str("session_id", sessionID).Str("approval_id", approvalID).Err(err).Msg("approval not resolved")
		return false
	}

	f.log.Info().
		Str("session_id", sessionID).
		Str("approval_id", approvalID).
		Str("decision", string(resolved.Status)).
		Msg("approval resolved")
	f.recordResolved(p, resolved)
	return true
}

// CloseWorkflowApprovals finalizes every pending request owned by workflowID
// with status, typically denied or expired, and returns their IDs. It does
// not draw on the resolution budget.
func (f *Firewall) CloseWorkflowApprovals(sessionID, workflowID string, status approval.Status, by string) []string {
	p := f.store.get(sessionID)
	if p == nil || workflowID == "" {
		return nil
	}
	now := f.now().UTC()

	var closed []approval.Request
	p.mu.Lock()
	for _, a := range p.approvals {
		if a.WorkflowID == workflowID && a.Close(status, by, now) {
			closed = append(closed, a.Clone())
		}
	}
	p.mu.Unlock()

	out := make([]string, 0, len(closed))
	for _, r := range closed {
		out = append(out, r.ID)
		f.recordResolved(p, r)
	}
	if len(out) > 0 {
		f.log.Info().
			Str("session_id", sessionID).
			Str("workflow_id", workflowID).
			Str("decision", string(status)).
			Int("count", len(out)).
			Msg("workflow approvals closed")
	}
	return out
}

func (f *Firewall) recordResolved(p *sessionPolicy, r approval.Request) {
	details := map[string]string{
		"approval_id": r.ID,
		"action":      r.ActionType,
		"resolved_by": r.ResolvedBy,
	}
	if r.WorkflowID != "" {
		details["workflow_id"] = r.WorkflowID
	}
	f.record(audit.Entry{
		Event:     audit.EventApprovalResolved,
		SessionID: p.id,
		EmailID:   p.provenance.MessageID,
		Details:   details,
		Decision:  string(r.Status),
	})
}

// GetPendingApprovals returns the session's approvals that are still
// pending. Requests past their deadline are marked expired and left out.
func (f *Firewall) GetPendingApprovals(sessionID string) []approval.Request {
	p := f.store.get(sessionID)
	if p == nil {
		return nil
	}
	now := f.now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()
	out := []approval.Request{}
	for _, a := range p.approvals {
		if a.Expired(now) {
			a.Status = approval.StatusExpired
			continue
		}
		if a.Status == approval.StatusPending {
			out = append(out, a.Clone())
		}
	}
	return out
}

// CleanupExpiredSessions removes sessions idle for longer than maxAge and
// returns their IDs, sorted.
func (f *Firewall) CleanupExpiredSessions(maxAge time.Duration) []string {
	cutoff := f.now().UTC().Add(-maxAge)
	removed := f.store.removeIdle(cutoff)
	out := make([]string, 0, len(removed))
	for _, p := range removed {
		out = append(out, p.id)
		f.limiter.Forget(p.id)
		f.record(audit.Entry{
			Event:     audit.EventSessionExpired,
			SessionID: p.id,
			Details:   map[string]string{"max_age": maxAge.String()},
		})
	}
	sort.Strings(out)
	if len(out) > 0 {
		f.log.Info().Int("count", len(out)).Msg("expired sessions removed")
	}
	return out
}

// EvictOldest removes the session with the oldest creation time.
func (f *Firewall) EvictOldest() (string, bool) {
	p := f.store.evictOldest()
	if p == nil {
		return "", false
	}
	f.limiter.Forget(p.id)
	f.record(audit.Entry{
		Event:     audit.EventSessionEvicted,
		SessionID: p.id,
		Details:   map[string]string{"reason": "manual"},
	})
	return p.id, true
}

// Sessions returns snapshots of all live sessions, sorted by ID.
func (f *Firewall) Sessions() []Session {
	var out []Session
	f.store.each(func(p *sessionPolicy) {
		out = append(out, p.snapshot())
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Firewall) record(e audit.Entry) {
	if err := f.audit.Record(e); err != nil {
		f.log.Error().Err(err).Str("event", string(e.Event)).Msg("audit write failed")
	}
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
