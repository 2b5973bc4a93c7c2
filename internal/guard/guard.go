// Package guard wires sanitization, scoring, the tool firewall and approval
// workflows into one pipeline for incoming mail.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dortort/openclaw-mailguard/internal/approval"
	"github.com/dortort/openclaw-mailguard/internal/audit"
	"github.com/dortort/openclaw-mailguard/internal/config"
	"github.com/dortort/openclaw-mailguard/internal/firewall"
	"github.com/dortort/openclaw-mailguard/internal/ids"
	"github.com/dortort/openclaw-mailguard/internal/model"
	"github.com/dortort/openclaw-mailguard/internal/patterns"
	"github.com/dortort/openclaw-mailguard/internal/risk"
	"github.com/dortort/openclaw-mailguard/internal/sanitize"
	"github.com/dortort/openclaw-mailguard/internal/workflow"
)

// DefaultSource is the provenance source used when a message names none.
const DefaultSource = "email"

var (
	// ErrActionDenied is returned when a plan contains a hard-denied action.
	ErrActionDenied = errors.New("action is denied")
	// ErrApprovalRejected is returned when the firewall refuses to resolve
	// the approval behind a workflow step.
	ErrApprovalRejected = errors.New("approval could not be resolved")
)

// Resolvers recorded on approvals closed by a workflow outcome.
const (
	resolverWorkflowFailed    = "workflow:failed"
	resolverWorkflowCancelled = "workflow:cancelled"
	resolverWorkflowExpired   = "workflow:expired"
)

// Message is one incoming email in canonical form.
type Message struct {
	SessionID  string             `json:"session_id,omitempty"`
	Source     string             `json:"source,omitempty"`
	Headers    model.EmailHeaders `json:"headers"`
	HTML       string             `json:"html,omitempty"`
	Plain      string             `json:"plain,omitempty"`
	ReceivedAt time.Time          `json:"received_at,omitzero"`
}

// Result is the verdict on one message.
type Result struct {
	SessionID   string                  `json:"session_id"`
	MessageID   string                  `json:"message_id,omitempty"`
	Gated       bool                    `json:"gated"`
	Risk        model.RiskScore         `json:"risk"`
	Quarantined bool                    `json:"quarantined"`
	Quarantine  *audit.QuarantineRecord `json:"quarantine,omitempty"`
	Sanitized   sanitize.Result         `json:"sanitized"`
}

// Options configures a Guard beyond the file configuration.
type Options struct {
	// Classifier overrides the one built from the ML settings.
	Classifier risk.Classifier
	Audit      audit.Sink
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Guard is safe for concurrent use.
type Guard struct {
	mu     sync.RWMutex
	cfg    *config.Config
	engine *risk.Engine

	classifier risk.Classifier
	firewall   *firewall.Firewall
	workflows  *workflow.Engine
	audit      audit.Sink
	base       zerolog.Logger
	log        zerolog.Logger
	now        func() time.Time
}

// New builds a Guard from cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, opts Options) (*Guard, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	g := &Guard{
		classifier: opts.Classifier,
		audit:      opts.Audit,
		base:       opts.Logger,
		log:        opts.Logger.With().Str("component", "guard").Logger(),
		now:        opts.Now,
	}
	if g.audit == nil {
		g.audit = audit.Discard
	}
	if g.now == nil {
		g.now = time.Now
	}

	engine, err := g.buildEngine(cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	g.cfg = cfg
	g.engine = engine

	fc := cfg.FirewallConfig()
	fc.Audit = g.audit
	fc.Logger = opts.Logger
	fc.Now = g.now
	g.firewall = firewall.New(fc)

	g.workflows = workflow.NewEngine(workflow.Config{
		Timeout: cfg.WorkflowTimeout(),
		Audit:   g.audit,
		Logger:  opts.Logger,
		Now:     g.now,
	})
	return g, nil
}

func (g *Guard) buildEngine(cfg *config.Config, logger zerolog.Logger) (*risk.Engine, error) {
	corpus, skipped, err := patterns.Load(cfg.Patterns.CorpusPath)
	if err != nil {
		return nil, fmt.Errorf("load pattern corpus: %w", err)
	}
	for _, le := range skipped {
		g.log.Warn().Err(le).Msg("pattern rule skipped")
	}

	classifier := g.classifier
	if classifier == nil {
		if cc, ok := cfg.ClassifierConfig(); ok {
			cc.Logger = logger
			classifier = risk.NewHTTPClassifier(cc)
		}
	}
	return risk.NewEngine(risk.EngineConfig{
		Corpus:     corpus,
		Classifier: classifier,
		Logger:     logger,
	}), nil
}

// Config returns the active configuration.
func (g *Guard) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Firewall exposes the tool firewall.
func (g *Guard) Firewall() *firewall.Firewall { return g.firewall }

// Workflows exposes the workflow engine.
func (g *Guard) Workflows() *workflow.Engine { return g.workflows }

func (g *Guard) snapshot() (*config.Config, *risk.Engine) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg, g.engine
}

// ProcessMessage sanitizes and scores msg, quarantines it when the score
// calls for it, and opens a firewall session carrying its provenance and
// risk. It never fails.
func (g *Guard) ProcessMessage(ctx context.Context, msg Message) Result {
	cfg, engine := g.snapshot()

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = ids.Session()
	}
	source := msg.Source
	if source == "" {
		source = DefaultSource
	}
	received := msg.ReceivedAt
	if received.IsZero() {
		received = g.now().UTC()
	}

	san := sanitize.Sanitize(sanitize.RawContent{
		HTML:      msg.HTML,
		Plain:     msg.Plain,
		MaxLength: cfg.Sanitizer.MaxBodyLength,
	})

	body := san.BodyText
	if quoted := san.QuotedText(); quoted != "" {
		body = strings.TrimSpace(body + "\n\n" + quoted)
	}
	rcfg := cfg.RiskConfig()
	score := engine.Assess(ctx, risk.Input{
		Body:         body,
		Headers:      msg.Headers,
		Sanitization: &san,
	}, rcfg)

	res := Result{
		SessionID: sessionID,
		MessageID: msg.Headers.MessageID,
		Risk:      score,
		Sanitized: san,
	}

	if risk.ShouldQuarantine(score, rcfg) {
		rec := audit.NewQuarantineRecord(msg.Headers.MessageID, sessionID, score, g.now())
		if err := g.audit.Quarantine(rec); err != nil {
			g.log.Error().Err(err).Str("session_id", sessionID).Msg("quarantine record failed")
		}
		res.Quarantined = true
		res.Quarantine = &rec
	}

	sess := g.firewall.InitializeSession(sessionID, firewall.Provenance{
		Source:     source,
		MessageID:  msg.Headers.MessageID,
		Sender:     msg.Headers.From,
		Subject:    msg.Headers.Subject,
		ReceivedAt: received,
	}, score)
	res.Gated = sess.Gated

	g.record(audit.Entry{
		Event:     audit.EventEmailProcessed,
		SessionID: sessionID,
		EmailID:   msg.Headers.MessageID,
		Details: map[string]string{
			"source":          source,
			"sender_domain":   msg.Headers.SenderDomain(),
			"language":        san.Language.Language,
			"links":           strconv.Itoa(len(san.Links)),
			"hidden_removed":  strconv.FormatBool(san.HiddenContentRemoved),
			"truncated":       strconv.FormatBool(san.Truncated),
			"quarantined":     strconv.FormatBool(res.Quarantined),
			"heuristic_score": strconv.Itoa(score.HeuristicScore),
		},
		RiskScore: audit.Score(score.Score),
		Signals:   score.SignalTypeNames(),
		Decision:  string(score.Recommendation),
	})
	g.log.Info().
		Str("session_id", sessionID).
		Int("score", score.Score).
		Str("decision", string(score.Recommendation)).
		Bool("quarantined", res.Quarantined).
		Msg("message processed")
	return res
}

// CheckTool asks the firewall whether a tool may run in a session.
func (g *Guard) CheckTool(sessionID, tool string) firewall.Decision {
	return g.firewall.CheckToolAccess(firewall.ToolContext{SessionID: sessionID, Tool: tool})
}

// PlanResult is a side-effect plan and, with Lobster integration, the
// workflow that gates it.
type PlanResult struct {
	Plan     *approval.Plan     `json:"plan"`
	Workflow *workflow.Workflow `json:"workflow,omitempty"`
}

// PlanSideEffects flags every action the firewall would hold for approval,
// creates the plan, and with Lobster integration starts an approval
// workflow for it. A plan containing a hard-denied action is rejected.
func (g *Guard) PlanSideEffects(sessionID string, actions []approval.Action) (PlanResult, error) {
	flagged := make([]approval.Action, len(actions))
	for i, a := range actions {
		d := g.firewall.Preview(firewall.ToolContext{SessionID: sessionID, Tool: a.Type})
		if !d.Allowed && d.DenialType == firewall.DenialHard {
			return PlanResult{}, fmt.Errorf("%s (%s): %w", d.Tool, d.Reason, ErrActionDenied)
		}
		if d.RequiresApproval {
			a.RequiresApproval = true
		}
		flagged[i] = a
	}

	plan, err := g.firewall.CreateSideEffectPlan(sessionID, flagged)
	if err != nil {
		return PlanResult{}, err
	}
	res := PlanResult{Plan: plan}
	if plan.ApprovalType != approval.TypeLobster || len(plan.Approvals) == 0 {
		return res, nil
	}

	wf, err := g.startWorkflow(sessionID, plan)
	if err != nil {
		g.closeApprovals(sessionID, plan.WorkflowID, approval.StatusDenied, resolverWorkflowFailed)
		return PlanResult{}, err
	}
	res.Workflow = wf
	return res, nil
}

func (g *Guard) startWorkflow(sessionID string, plan *approval.Plan) (*workflow.Workflow, error) {
	sess, ok := g.firewall.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("plan for %s: %w", sessionID, firewall.ErrSessionNotFound)
	}
	wf, err := g.workflows.CreateApprovalWorkflow(sessionID, plan, workflow.EmailContext{
		MessageID: sess.Provenance.MessageID,
		Sender:    sess.Provenance.Sender,
		Subject:   sess.Provenance.Subject,
		Risk: model.RiskScore{
			Score:          sess.RiskScore,
			Recommendation: sess.Recommendation,
			Signals:        sess.Signals,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	if wf, err = g.workflows.Start(wf.ID); err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}
	return wf, nil
}

// ResolveStep resolves the active step of a workflow. The firewall approval
// behind the step is resolved first; when it refuses, the workflow is left
// untouched. A denial closes the approvals of every remaining step.
func (g *Guard) ResolveStep(workflowID, stepID string, approved bool, resolver, comment string) (workflow.Resolution, error) {
	before, ok := g.workflows.Get(workflowID)
	if !ok {
		return workflow.Resolution{}, fmt.Errorf("%s: %w", workflowID, workflow.ErrWorkflowNotFound)
	}
	if cur, ok := before.CurrentStep(); ok && cur.ID == stepID && cur.ApprovalID != "" && !before.Expired(g.now().UTC()) {
		if !g.firewall.ResolveWorkflowApproval(before.SessionID, workflowID, cur.ApprovalID, approved, resolver) {
			return workflow.Resolution{}, fmt.Errorf("step %s approval %s: %w", stepID, cur.ApprovalID, ErrApprovalRejected)
		}
	}

	res, err := g.workflows.ResolveApproval(workflowID, stepID, approved, resolver, comment)
	switch {
	case errors.Is(err, workflow.ErrWorkflowExpired):
		g.closeApprovals(before.SessionID, workflowID, approval.StatusExpired, resolverWorkflowExpired)
		return res, err
	case err != nil:
		return res, err
	}
	if res.Workflow.Status.Terminal() && res.Workflow.Status != workflow.StatusCompleted {
		g.closeApprovals(before.SessionID, workflowID, approval.StatusDenied, resolverWorkflowFailed)
	}
	return res, nil
}

// ResolveApproval resolves a firewall approval directly, for plans that use
// exec approvals instead of a workflow. Approvals owned by a workflow are
// refused.
func (g *Guard) ResolveApproval(sessionID, approvalID string, approved bool, resolver string) bool {
	return g.firewall.ResolveApproval(sessionID, approvalID, approved, resolver)
}

// CancelWorkflow cancels a workflow and denies the approvals of its
// unfinished steps.
func (g *Guard) CancelWorkflow(workflowID, reason string) (*workflow.Workflow, error) {
	wf, err := g.workflows.Cancel(workflowID, reason)
	if err != nil {
		return nil, err
	}
	if wf.Status == workflow.StatusCancelled {
		g.closeApprovals(wf.SessionID, wf.ID, approval.StatusDenied, resolverWorkflowCancelled)
	}
	return wf, nil
}

func (g *Guard) closeApprovals(sessionID, workflowID string, status approval.Status, by string) {
	closed := g.firewall.CloseWorkflowApprovals(sessionID, workflowID, status, by)
	if len(closed) > 0 {
		g.log.Debug().
			Str("workflow_id", workflowID).
			Str("decision", string(status)).
			Strs("approval_ids", closed).
			Msg("workflow approvals closed")
	}
}

// Pending lists what a session is waiting on.
type Pending struct {
	Approvals []approval.Request     `json:"approvals"`
	Steps     []workflow.PendingStep `json:"steps"`
}

// PendingApprovals returns the open approvals and active workflow steps.
func (g *Guard) PendingApprovals(sessionID string) Pending {
	p := Pending{
		Approvals: g.firewall.GetPendingApprovals(sessionID),
		Steps:     g.workflows.PendingApprovals(sessionID),
	}
	if p.Approvals == nil {
		p.Approvals = []approval.Request{}
	}
	return p
}

// SweepResult reports what a maintenance pass removed.
type SweepResult struct {
	ExpiredWorkflows []string `json:"expired_workflows"`
	ExpiredSessions  []string `json:"expired_sessions"`
	PrunedWorkflows  int      `json:"pruned_workflows"`
}

// Sweep expires overdue workflows, drops idle sessions and prunes finished
// workflows. Callers run it on a ticker.
func (g *Guard) Sweep() SweepResult {
	cfg, _ := g.snapshot()
	age := cfg.SessionMaxAge()
	expired := g.workflows.CheckExpiredWorkflows()
	for _, id := range expired {
		if wf, ok := g.workflows.Get(id); ok {
			g.closeApprovals(wf.SessionID, id, approval.StatusExpired, resolverWorkflowExpired)
		}
	}
	return SweepResult{
		ExpiredWorkflows: expired,
		ExpiredSessions:  g.firewall.CleanupExpiredSessions(age),
		PrunedWorkflows:  g.workflows.Prune(age),
	}
}

// Reload swaps in a new configuration. Sessions and workflows already
// created keep the policy they started with.
func (g *Guard) Reload(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("reload: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	// The ML settings may have changed too, so the engine is always rebuilt.
	engine, err := g.buildEngine(cfg, g.base)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	fc := cfg.FirewallConfig()
	fc.Audit = g.audit
	fc.Now = g.now
	g.firewall.Reconfigure(fc)
	g.workflows.SetTimeout(cfg.WorkflowTimeout())

	g.mu.Lock()
	g.cfg = cfg
	g.engine = engine
	g.mu.Unlock()

	g.record(audit.Entry{
		Event:   audit.EventConfigReloaded,
		Details: map[string]string{"threshold": strconv.Itoa(cfg.Risk.Threshold)},
	})
	g.log.Info().Msg("configuration reloaded")
	return nil
}

func (g *Guard) record(e audit.Entry) {
	if err := g.audit.Record(e); err != nil {
		g.log.Error().Err(err).Str("event", string(e.Event)).Msg("audit write failed")
	}
}
