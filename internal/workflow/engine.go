// Package workflow runs sequential approval workflows for side-effect plans.
// Every transition is applied to a copy of the workflow and committed only
// when checkInvariant accepts the result.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dortort/openclaw-mailguard/internal/approval"
	"github.com/dortort/openclaw-mailguard/internal/audit"
	"github.com/dortort/openclaw-mailguard/internal/ids"
	"github.com/dortort/openclaw-mailguard/internal/model"
)

// DefaultTimeout bounds how long an in-progress workflow may wait.
const DefaultTimeout = time.Hour

// maxDescribedSignals caps the signals listed in a step description.
const maxDescribedSignals = 5

// Config configures an Engine.
type Config struct {
	Timeout time.Duration
	Audit   audit.Sink
	Logger  zerolog.Logger
	Now     func() time.Time
}

type entry struct {
	mu sync.Mutex
	wf *Workflow
}

// Engine owns all workflows. Safe for concurrent use; transitions on one
// workflow are serialized, different workflows proceed independently.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]*entry
	timeout   time.Duration
	audit     audit.Sink
	log       zerolog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		workflows: make(map[string]*entry),
		timeout:   cfg.Timeout,
		audit:     cfg.Audit,
		log:       cfg.Logger.With().Str("component", "workflow").Logger(),
		now:       cfg.Now,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.audit == nil {
		e.audit = audit.Discard
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// SetTimeout changes the timeout applied to workflows created afterwards.
func (e *Engine) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	e.mu.Lock()
	e.timeout = d
	e.mu.Unlock()
}

// CreateApprovalWorkflow builds a pending workflow with one approval step per
// plan action that requires approval, in plan order. The workflow takes the
// ID reserved in plan.WorkflowID when there is one.
func (e *Engine) CreateApprovalWorkflow(sessionID string, plan *approval.Plan, email EmailContext) (*Workflow, error) {
	if plan == nil {
		return nil, ErrNoApprovalSteps
	}
	now := e.now().UTC()

	e.mu.RLock()
	timeout := e.timeout
	e.mu.RUnlock()

	id := plan.WorkflowID
	if id == "" {
		id = ids.Workflow()
	}
	wf := &Workflow{
		ID:         id,
		Name:       workflowName(email, sessionID),
		TemplateID: TemplateEmailApproval,
		SessionID:  sessionID,
		PlanID:     plan.ID,
		Status:     StatusPending,
		Context:    emailContextMap(plan, email),
		Email:      email,
		Timeout:    timeout,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	approvals := plan.Approvals
	for _, a := range plan.Actions {
		if !a.RequiresApproval {
			continue
		}
		step := Step{
			ID:          ids.Step(),
			Type:        StepApproval,
			ActionType:  a.Type,
			Params:      a.EncodeParams(),
			Description: Describe(a, email),
			Status:      StepPending,
			Config:      map[string]string{"approval_type": string(plan.ApprovalType)},
		}
		// plan.Approvals is in the same order as the flagged actions
		if len(approvals) > 0 {
			step.ApprovalID = approvals[0].ID
			step.Config["approval_id"] = step.ApprovalID
			approvals = approvals[1:]
		}
		wf.Steps = append(wf.Steps, step)
	}
	if len(wf.Steps) == 0 {
		return nil, ErrNoApprovalSteps
	}
	if err := checkInvariant(wf); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, ok := e.workflows[wf.ID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("create %s: %w", wf.ID, ErrWorkflowExists)
	}
	e.workflows[wf.ID] = &entry{wf: wf}
	e.mu.Unlock()

	e.log.Info().Str("workflow_id", wf.ID).Str("session_id", sessionID).Int("steps", len(wf.Steps)).Msg("workflow created")
	e.record(wf, audit.EventWorkflowCreated, map[string]string{
		"plan_id": plan.ID,
		"steps":   strconv.Itoa(len(wf.Steps)),
	}, "")
	return wf.Clone(), nil
}

// Start moves a pending workflow to in_progress and activates its first step.
func (e *Engine) Start(workflowID string) (*Workflow, error) {
	var first string
	wf, err := e.transition(workflowID, func(w *Workflow, now time.Time) error {
		if w.Status != StatusPending {
			return fmt.Errorf("start %s from %s: %w", w.ID, w.Status, ErrInvalidTransition)
		}
		w.Status = StatusInProgress
		if s := nextPending(w); s != nil {
			activate(s, now)
			first = s.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("workflow_id", workflowID).Str("step_id", first).Msg("workflow started")
	e.record(wf, audit.EventWorkflowStarted, map[string]string{"step_id": first}, "")
	return wf, nil
}

// ResolveApproval records the operator decision on the active step. An
// approval activates the next pending step or completes the workflow; a
// denial fails the step, skips the rest and fails the workflow.
func (e *Engine) ResolveApproval(workflowID, stepID string, approved bool, resolver, comment string) (Resolution, error) {
	var expired bool
	wf, err := e.transition(workflowID, func(w *Workflow, now time.Time) error {
		if w.Expired(now) {
			expire(w, now)
			expired = true
			return nil
		}
		if w.Status != StatusInProgress {
			return fmt.Errorf("resolve step of %s workflow %s: %w", w.Status, w.ID, ErrInvalidTransition)
		}
		s := w.step(stepID)
		if s == nil {
			return fmt.Errorf("step %s in %s: %w", stepID, w.ID, ErrStepNotFound)
		}
		if s.Status != StepInProgress {
			return fmt.Errorf("step %s is %s: %w", stepID, s.Status, ErrStepNotActive)
		}

		s.Resolver = resolver
		s.Comment = comment
		s.CompletedAt = &now
		s.Result = map[string]string{"approved": strconv.FormatBool(approved)}
		if !approved {
			s.Status = StepFailed
			s.Error = "denied by " + resolver
			finishRemaining(w, StepSkipped, "skipped after denial")
			finish(w, StatusFailed, "step denied", now)
			return nil
		}

		s.Status = StepCompleted
		if next := nextPending(w); next != nil {
			activate(next, now)
			return nil
		}
		if anyStep(w, StepFailed) {
			finish(w, StatusFailed, "a step failed", now)
		} else {
			finish(w, StatusCompleted, "", now)
		}
		return nil
	})
	if err != nil {
		return Resolution{}, err
	}
	if expired {
		e.log.Info().Str("workflow_id", workflowID).Msg("workflow expired on resolution")
		e.record(wf, audit.EventWorkflowExpired, nil, string(wf.Status))
		return Resolution{WorkflowComplete: true, Workflow: wf}, fmt.Errorf("resolve %s: %w", workflowID, ErrWorkflowExpired)
	}

	res := Resolution{
		WorkflowComplete: wf.Status.Terminal(),
		AllApproved:      wf.Status == StatusCompleted,
		Workflow:         wf,
	}
	if cur, ok := wf.CurrentStep(); ok {
		res.NextStep = &cur
	}

	decision := "approved"
	if !approved {
		decision = "denied"
	}
	e.log.Info().
		Str("workflow_id", workflowID).
		Str("step_id", stepID).
		Str("decision", decision).
		Str("status", string(wf.Status)).
		Msg("step resolved")
	e.record(wf, audit.EventWorkflowStep, map[string]string{
		"step_id":  stepID,
		"resolver": resolver,
		"comment":  comment,
	}, decision)
	switch wf.Status {
	case StatusCompleted:
		e.record(wf, audit.EventWorkflowCompleted, nil, "approved")
	case StatusFailed:
		e.record(wf, audit.EventWorkflowFailed, map[string]string{"reason": wf.Reason}, "denied")
	}
	return res, nil
}

// CheckExpiredWorkflows fails every in-progress workflow older than its own
// timeout and returns their IDs, sorted. It must be called periodically.
func (e *Engine) CheckExpiredWorkflows() []string {
	var expired []string
	for _, id := range e.ids() {
		wf, err := e.transition(id, func(w *Workflow, now time.Time) error {
			if !w.Expired(now) {
				return errUnchanged
			}
			expire(w, now)
			return nil
		})
		if err != nil {
			continue
		}
		expired = append(expired, id)
		e.log.Info().Str("workflow_id", id).Str("session_id", wf.SessionID).Msg("workflow expired")
		e.record(wf, audit.EventWorkflowExpired, map[string]string{"timeout": wf.Timeout.String()}, string(wf.Status))
	}
	sort.Strings(expired)
	return expired
}

// Cancel skips every unfinished step and marks the workflow cancelled.
// Cancelling a finished workflow is a no-op.
func (e *Engine) Cancel(workflowID, reason string) (*Workflow, error) {
	changed := false
	wf, err := e.transition(workflowID, func(w *Workflow, now time.Time) error {
		if w.Status.Terminal() {
			return errUnchanged
		}
		finishRemaining(w, StepSkipped, reason)
		finish(w, StatusCancelled, reason, now)
		changed = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		wf, _ = e.Get(workflowID)
		return wf, nil
	}
	if err != nil {
		return nil, err
	}
	if changed {
		e.log.Info().Str("workflow_id", workflowID).Str("reason", reason).Msg("workflow cancelled")
		e.record(wf, audit.EventWorkflowCancelled, map[string]string{"reason": reason}, "")
	}
	return wf, nil
}

// PendingApprovals returns the active step of every in-progress workflow in
// the session, oldest workflow first.
func (e *Engine) PendingApprovals(sessionID string) []PendingStep {
	type item struct {
		created time.Time
		p       PendingStep
	}
	var items []item
	e.each(func(w *Workflow) {
		if w.SessionID != sessionID || w.Status != StatusInProgress {
			return
		}
		if s, ok := w.CurrentStep(); ok {
			items = append(items, item{w.CreatedAt, PendingStep{WorkflowID: w.ID, SessionID: w.SessionID, Step: s}})
		}
	})
	sort.Slice(items, func(i, j int) bool {
		if !items[i].created.Equal(items[j].created) {
			return items[i].created.Before(items[j].created)
		}
		return items[i].p.WorkflowID < items[j].p.WorkflowID
	})
	out := make([]PendingStep, len(items))
	for i, it := range items {
		out[i] = it.p
	}
	return out
}

// Get returns a copy of a workflow.
func (e *Engine) Get(workflowID string) (*Workflow, bool) {
	en := e.lookup(workflowID)
	if en == nil {
		return nil, false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.wf.Clone(), true
}

// List returns copies of the session's workflows, oldest first. An empty
// session ID lists everything.
func (e *Engine) List(sessionID string) []*Workflow {
	var out []*Workflow
	e.each(func(w *Workflow) {
		if sessionID == "" || w.SessionID == sessionID {
			out = append(out, w)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Prune drops finished workflows that completed more than maxAge ago.
func (e *Engine) Prune(maxAge time.Duration) int {
	cutoff := e.now().UTC().Add(-maxAge)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, en := range e.workflows {
		en.mu.Lock()
		done := en.wf.Status.Terminal() && en.wf.CompletedAt != nil && en.wf.CompletedAt.Before(cutoff)
		en.mu.Unlock()
		if done {
			delete(e.workflows, id)
			n++
		}
	}
	return n
}

var errUnchanged = errors.New("workflow unchanged")

// transition applies fn to a clone of the workflow and commits it when fn
// succeeds and the invariant holds. It returns a copy of the committed state.
func (e *Engine) transition(workflowID string, fn func(w *Workflow, now time.Time) error) (*Workflow, error) {
	en := e.lookup(workflowID)
	if en == nil {
		return nil, fmt.Errorf("%s: %w", workflowID, ErrWorkflowNotFound)
	}
	en.mu.Lock()
	defer en.mu.Unlock()

	now := e.now().UTC()
	next := en.wf.Clone()
	if err := fn(next, now); err != nil {
		return nil, err
	}
	if err := checkInvariant(next); err != nil {
		e.log.Error().Err(err).Str("workflow_id", workflowID).Msg("transition rejected")
		return nil, err
	}
	next.UpdatedAt = now
	en.wf = next
	return next.Clone(), nil
}

func (e *Engine) lookup(id string) *entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workflows[id]
}

func (e *Engine) ids() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.workflows))
	for id := range e.workflows {
		out = append(out, id)
	}
	return out
}

func (e *Engine) each(fn func(*Workflow)) {
	for _, id := range e.ids() {
		if wf, ok := e.Get(id); ok {
			fn(wf)
		}
	}
}

func (e *Engine) record(w *Workflow, event audit.EventType, details map[string]string, decision string) {
	if details == nil {
		details = map[string]string{}
	}
	details["workflow_id"] = w.ID
	details["status"] = string(w.Status)
	ae := audit.Entry{
		Event:     event,
		SessionID: w.SessionID,
		EmailID:   w.Email.MessageID,
		Details:   details,
		RiskScore: audit.Score(w.Email.Risk.Score),
		Decision:  decision,
	}
	if err := e.audit.Record(ae); err != nil {
		e.log.Error().Err(err).Str("event", string(event)).Msg("audit write failed")
	}
}

func nextPending(w *Workflow) *Step {
	for i := range w.Steps {
		if w.Steps[i].Status == StepPending {
			return &w.Steps[i]
		}
	}
	return nil
}

func anyStep(w *Workflow, status StepStatus) bool {
	for _, s := range w.Steps {
		if s.Status == status {
			return true
		}
	}
	return false
}

func activate(s *Step, now time.Time) {
	s.Status = StepInProgress
	s.StartedAt = &now
}

// finishRemaining moves every pending or in-progress step to status.
func finishRemaining(w *Workflow, status StepStatus, reason string) {
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.Status.Terminal() {
			continue
		}
		s.Status = status
		if s.Error == "" {
			s.Error = reason
		}
	}
}

func finish(w *Workflow, status Status, reason string, now time.Time) {
	w.Status = status
	w.Reason = reason
	w.CompletedAt = &now
}

func expire(w *Workflow, now time.Time) {
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.Status.Terminal() {
			continue
		}
		s.Status = StepFailed
		s.Error = "approval timed out"
		s.CompletedAt = &now
	}
	finish(w, StatusFailed, "timed out", now)
}

func workflowName(email EmailContext, sessionID string) string {
	switch {
	case email.Subject != "":
		return fmt.Sprintf("Approve actions for %q", email.Subject)
	case email.MessageID != "":
		return "Approve actions for " + email.MessageID
	default:
		return "Approve actions for session " + sessionID
	}
}

func emailContextMap(plan *approval.Plan, email EmailContext) map[string]string {
	m := map[string]string{
		"plan_id":       plan.ID,
		"approval_type": string(plan.ApprovalType),
		"risk_score":    strconv.Itoa(email.Risk.Score),
	}
	if email.MessageID != "" {
		m["message_id"] = email.MessageID
	}
	if email.Sender != "" {
		m["sender"] = email.Sender
	}
	if email.Subject != "" {
		m["subject"] = email.Subject
	}
	if email.Risk.Recommendation != "" {
		m["recommendation"] = string(email.Risk.Recommendation)
	}
	return m
}

// Describe builds the operator-facing description of an approval step.
func Describe(a approval.Action, email EmailContext) string {
	var b strings.Builder
	b.WriteString("Approve ")
	b.WriteString(approval.Preview(a))
	if email.Sender != "" {
		fmt.Fprintf(&b, " requested by email from %s", email.Sender)
	}
	if email.Subject != "" {
		fmt.Fprintf(&b, " (subject: %q)", email.Subject)
	}
	fmt.Fprintf(&b, ". Risk score: %d/100", email.Risk.Score)
	if email.Risk.Recommendation != "" {
		fmt.Fprintf(&b, " (%s)", email.Risk.Recommendation)
	}
	b.WriteString(".")

	signals := topSignals(email.Risk.Signals)
	if len(signals) == 0 {
		return b.String()
	}
	shown := signals
	if len(shown) > maxDescribedSignals {
		shown = shown[:maxDescribedSignals]
	}
	b.WriteString(" Signals: ")
	b.WriteString(strings.Join(shown, "; "))
	if extra := len(signals) - len(shown); extra > 0 {
		fmt.Fprintf(&b, " +%d more", extra)
	}
	return b.String()
}

// topSignals orders distinct signal descriptions by severity, then weight.
func topSignals(signals []model.RiskSignal) []string {
	type ranked struct {
		label  string
		sev    int
		weight int
	}
	seen := make(map[string]int)
	var list []ranked
	for _, s := range signals {
		label := fmt.Sprintf("%s [%s]", s.Description, s.Severity)
		if i, ok := seen[label]; ok {
			list[i].weight += s.Weight
			continue
		}
		seen[label] = len(list)
		list = append(list, ranked{label: label, sev: model.SeverityRank[s.Severity], weight: s.Weight})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].sev != list[j].sev {
			return list[i].sev > list[j].sev
		}
		return list[i].weight > list[j].weight
	})
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.label
	}
	return out
}
