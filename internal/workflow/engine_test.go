package workflow

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dortort/openclaw-mailguard/internal/approval"
	"github.com/dortort/openclaw-mailguard/internal/audit"
	"github.com/dortort/openclaw-mailguard/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock, *audit.MemorySink) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	sink := audit.NewMemorySink()
	return NewEngine(Config{Timeout: time.Hour, Audit: sink, Now: clk.Now}), clk, sink
}

func testPlan(n int) *approval.Plan {
	p := &approval.Plan{ID: "plan-1", SessionID: "s1", ApprovalType: approval.TypeLobster}
	for i := 0; i < n; i++ {
		a := approval.Action{Type: "send_email", Params: map[string]any{"to": fmt.Sprintf("u%d@example.com", i)}, RequiresApproval: true}
		p.Actions = append(p.Actions, a)
		p.Approvals = append(p.Approvals, approval.Request{ID: fmt.Sprintf("apr-%d", i), ActionType: a.Type, Status: approval.StatusPending})
	}
	return p
}

func testEmail() EmailContext {
	return EmailContext{
		MessageID: "<m1@example.com>",
		Sender:    "ceo@example.com",
		Subject:   "Wire transfer",
		Risk:      model.RiskScore{Score: 42, Recommendation: model.RecommendReview},
	}
}

func startedWorkflow(t *testing.T, e *Engine, steps int) *Workflow {
	t.Helper()
	wf, err := e.CreateApprovalWorkflow("s1", testPlan(steps), testEmail())
	if err != nil {
		t.Fatal(err)
	}
	wf, err = e.Start(wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	return wf
}

func statuses(w *Workflow) []StepStatus {
	out := make([]StepStatus, len(w.Steps))
	for i, s := range w.Steps {
		out[i] = s.Status
	}
	return out
}

func TestCreateApprovalWorkflow(t *testing.T) {
	e, _, sink := newTestEngine(t)
	plan := testPlan(2)
	plan.Actions = append(plan.Actions, approval.Action{Type: "draft_email"})

	wf, err := e.CreateApprovalWorkflow("s1", plan, testEmail())
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != StatusPending {
		t.Errorf("expected pending, got %s", wf.Status)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(wf.Steps))
	}
	for i, s := range wf.Steps {
		if s.Status != StepPending || s.Type != StepApproval {
			t.Errorf("step %d: unexpected %+v", i, s)
		}
		if s.ApprovalID != fmt.Sprintf("apr-%d", i) {
			t.Errorf("step %d: expected approval apr-%d, got %s", i, i, s.ApprovalID)
		}
	}
	if !strings.Contains(wf.Steps[0].Description, "ceo@example.com") || !strings.Contains(wf.Steps[0].Description, "42/100") {
		t.Errorf("unexpected description %q", wf.Steps[0].Description)
	}
	if sink.Events()[0] != audit.EventWorkflowCreated {
		t.Errorf("expected workflow_created, got %v", sink.Events())
	}
}

func TestCreateWithoutApprovals(t *testing.T) {
	e, _, _ := newTestEngine(t)
	plan := &approval.Plan{Actions: []approval.Action{{Type: "draft_email"}}}
	if _, err := e.CreateApprovalWorkflow("s1", plan, testEmail()); !errors.Is(err, ErrNoApprovalSteps) {
		t.Errorf("expected ErrNoApprovalSteps, got %v", err)
	}
	if _, err := e.CreateApprovalWorkflow("s1", nil, testEmail()); !errors.Is(err, ErrNoApprovalSteps) {
		t.Errorf("expected ErrNoApprovalSteps for nil plan, got %v", err)
	}
}

func TestStart(t *testing.T) {
	e, _, _ := newTestEngine(t)
	wf := startedWorkflow(t, e, 3)
	if wf.Status != StatusInProgress {
		t.Errorf("expected in_progress, got %s", wf.Status)
	}
	want := []StepStatus{StepInProgress, StepPending, StepPending}
	for i, s := range statuses(wf) {
		if s != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], s)
		}
	}
	if wf.Steps[0].StartedAt == nil {
		t.Error("expected started_at set")
	}
	if _, err := e.Start(wf.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on second start, got %v", err)
	}
	if _, err := e.Start("wf-missing"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestTwoStepApproval(t *testing.T) {
	e, _, sink := newTestEngine(t)
	wf := startedWorkflow(t, e, 2)

	res, err := e.ResolveApproval(wf.ID, wf.Steps[0].ID, true, "alice", "ok")
	if err != nil {
		t.Fatal(err)
	}
	if res.WorkflowComplete {
		t.Error("expected workflow incomplete after first approval")
	}
	if res.NextStep == nil || res.NextStep.ID != wf.Steps[1].ID {
		t.Errorf("expected second step next, got %+v", res.NextStep)
	}

	res, err = e.ResolveApproval(wf.ID, wf.Steps[1].ID, true, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.WorkflowComplete || !res.AllApproved {
		t.Errorf("expected complete and all approved, got %+v", res)
	}
	if res.Workflow.Status != StatusCompleted || res.Workflow.CompletedAt == nil {
		t.Errorf("expected completed workflow, got %+v", res.Workflow)
	}
	if res.Workflow.Steps[0].Resolver != "alice" || res.Workflow.Steps[0].Comment != "ok" {
		t.Errorf("expected resolver recorded, got %+v", res.Workflow.Steps[0])
	}

	ev := sink.Events()
	if ev[len(ev)-1] != audit.EventWorkflowCompleted {
		t.Errorf("expected workflow_completed last, got %v", ev)
	}
}

func TestDenialShortCircuits(t *testing.T) {
	e, _, _ := newTestEngine(t)
	wf := startedWorkflow(t, e, 3)

	if _, err := e.ResolveApproval(wf.ID, wf.Steps[0].ID, true, "alice", ""); err != nil {
		t.Fatal(err)
	}
	res, err := e.ResolveApproval(wf.ID, wf.Steps[1].ID, false, "bob", "no")
	if err != nil {
		t.Fatal(err)
	}
	if !res.WorkflowComplete || res.AllApproved {
		t.Errorf("expected complete and not approved, got %+v", res)
	}
	got := res.Workflow
	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	want := []StepStatus{StepCompleted, StepFailed, StepSkipped}
	for i, s := range statuses(got) {
		if s != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], s)
		}
	}
	if got.Steps[1].Error != "denied by bob" {
		t.Errorf("expected denial error, got %q", got.Steps[1].Error)
	}
	if res.NextStep != nil {
		t.Errorf("expected no next step, got %+v", res.NextStep)
	}

	if _, err := e.ResolveApproval(wf.ID, wf.Steps[2].ID, true, "alice", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition after failure, got %v", err)
	}
}

func TestDenyFirstOfMany(t *testing.T) {
	e, _, _ := newTestEngine(t)
	wf := startedWorkflow(t, e, 4)
	res, err := e.ResolveApproval(wf.ID, wf.Steps[0].ID, false, "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range res.Workflow.Steps[1:] {
		if s.Status != StepSkipped {
			t.Errorf("step %d: expected skipped, got %s", i+1, s.Status)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)
	wf := startedWorkflow(t, e, 2)

	if _, err := e.ResolveApproval("wf-missing", wf.Steps[0].ID, true, "a", ""); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
	if _, err := e.ResolveApproval(wf.ID, "step-missing", true, "a", ""); !errors.Is(err, ErrStepNotFound) {
		t.Errorf("expected ErrStepNotFound, got %v", err)
	}
	if _, err := e.ResolveApproval(wf.ID, wf.Steps[1].ID, true, "a", ""); !errors.Is(err, ErrStepNotActive) {
		t.Errorf("expected ErrStepNotActive for out-of-order step, got %v", err)
	}

	pending, _ := e.CreateApprovalWorkflow("s1", testPlan(1), testEmail())
	if _, err := e.ResolveApproval(pending.ID, pending.Steps[0].ID, true, "a", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition before start, got %v", err)
	}

	got, _ := e.Get(wf.ID)
	if got.Steps[0].Status != StepInProgress || got.Steps[1].Status != StepPending {
		t.Errorf("expected failed resolutions to leave state unchanged, got %v", statuses(got))
	}
}

func TestCheckExpiredWorkflows(t *testing.T) {
	e, clk, sink := newTestEngine(t)
	old := startedWorkflow(t, e, 2)
	notStarted, _ := e.CreateApprovalWorkflow("s1", testPlan(1), testEmail())

	clk.Advance(40 * time.Minute)
	fresh := startedWorkflow(t, e, 1)

	clk.Advance(20 * time.Minute)
	if got := e.CheckExpiredWorkflows(); len(got) != 0 {
		t.Fatalf("expected nothing expired at exactly the timeout, got %v", got)
	}

	clk.Advance(time.Second)
	got := e.CheckExpiredWorkflows()
	if len(got) != 1 || got[0] != old.ID {
		t.Fatalf("expected only %s expired, got %v", old.ID, got)
	}

	w, _ := e.Get(old.ID)
	if w.Status != StatusFailed {
		t.Errorf("expected failed, got %s", w.Status)
	}
	for i, s := range w.Steps {
		if s.Status != StepFailed || s.Error != "approval timed out" {
			t.Errorf("step %d: expected timed out failure, got %+v", i, s)
		}
	}
	if w, _ := e.Get(fresh.ID); w.Status != StatusInProgress {
		t.Errorf("expected fresh workflow untouched, got %s", w.Status)
	}
	if w, _ := e.Get(notStarted.ID); w.Status != StatusPending {
		t.Errorf("expected pending workflow untouched, got %s", w.Status)
	}
	if again := e.CheckExpiredWorkflows(); len(again) != 0 {
		t.Errorf("expected expiry to be idempotent, got %v", again)
	}

	ev := sink.Events()
	if ev[len(ev)-1] != audit.EventWorkflowExpired {
		t.Errorf("expected workflow_expired audit event, got %v", ev)
	}
}

func TestWorkflowKeepsOwnTimeout(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	short := startedWorkflow(t, e, 1)
	e.SetTimeout(3 * time.Hour)
	long := startedWorkflow(t, e, 1)

	clk.Advance(2 * time.Hour)
	got := e.CheckExpiredWorkflows()
	if len(got) != 1 || got[0] != short.ID {
		t.Errorf("expected only %s expired, got %v", short.ID, got)
	}
	if w, _ := e.Get(long.ID); w.Status != StatusInProgress {
		t.Errorf("expected long workflow in progress, got %s", w.Status)
	}
}

func TestResolveAfterExpiry(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	wf := startedWorkflow(t, e, 1)
	clk.Advance(2 * time.Hour)

	res, err := e.ResolveApproval(wf.ID, wf.Steps[0].ID, true, "alice", "")
	if !errors.Is(err, ErrWorkflowExpired) {
		t.Fatalf("expected ErrWorkflowExpired, got %v", err)
	}
	if res.AllApproved || res.Workflow.Status != StatusFailed {
		t.Errorf("expected failed workflow, got %+v", res)
	}
}

func TestCancel(t *testing.T) {
	e, _, _ := newTestEngine(t)
	wf := startedWorkflow(t, e, 3)
	if _, err := e.ResolveApproval(wf.ID, wf.Steps[0].ID, true, "alice", ""); err != nil {
		t.Fatal(err)
	}

	got, err := e.Cancel(wf.ID, "sender retracted")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelled || got.Reason != "sender retracted" {
		t.Errorf("expected cancelled with reason, got %+v", got)
	}
	want := []StepStatus{StepCompleted, StepSkipped, StepSkipped}
	for i, s := range statuses(got) {
		if s != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], s)
		}
	}
	if got.Steps[1].Error != "sender retracted" {
		t.Errorf("expected reason on skipped step, got %q", got.Steps[1].Error)
	}

	again, err := e.Cancel(wf.ID, "other")
	if err != nil || again.Status != StatusCancelled || again.Reason != "sender retracted" {
		t.Errorf("expected second cancel to be a no-op, got %+v %v", again, err)
	}
	if _, err := e.Cancel("wf-missing", "x"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestPendingApprovals(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	first := startedWorkflow(t, e, 2)
	clk.Advance(time.Minute)
	second := startedWorkflow(t, e, 1)
	_, _ = e.CreateApprovalWorkflow("s1", testPlan(1), testEmail())
	other, _ := e.CreateApprovalWorkflow("s2", testPlan(1), testEmail())
	_, _ = e.Start(other.ID)

	got := e.PendingApprovals("s1")
	if len(got) != 2 {
		t.Fatalf("expected 2 pending steps, got %d", len(got))
	}
	if got[0].WorkflowID != first.ID || got[1].WorkflowID != second.ID {
		t.Errorf("expected oldest workflow first, got %+v", got)
	}
	if got[0].Step.Status != StepInProgress {
		t.Errorf("expected in-progress step, got %s", got[0].Step.Status)
	}
	if len(e.PendingApprovals("nobody")) != 0 {
		t.Error("expected no pending for unknown session")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	e, _, _ := newTestEngine(t)
	wf := startedWorkflow(t, e, 1)
	got, _ := e.Get(wf.ID)
	got.Steps[0].Status = StepCompleted
	got.Status = StatusCompleted

	got.Context["subject"] = "changed"
	got.Steps[0].Config["approval_type"] = "changed"

	again, _ := e.Get(wf.ID)
	if again.Status != StatusInProgress || again.Steps[0].Status != StepInProgress {
		t.Error("expected stored workflow unaffected by caller mutation")
	}
	if again.Context["subject"] != "Wire transfer" || again.Steps[0].Config["approval_type"] != string(approval.TypeLobster) {
		t.Errorf("expected maps copied, got context %v config %v", again.Context, again.Steps[0].Config)
	}
}

func TestWorkflowMetadata(t *testing.T) {
	e, _, _ := newTestEngine(t)
	wf := startedWorkflow(t, e, 2)

	if wf.TemplateID != TemplateEmailApproval {
		t.Errorf("expected template %s, got %q", TemplateEmailApproval, wf.TemplateID)
	}
	if wf.Name != `Approve actions for "Wire transfer"` {
		t.Errorf("unexpected name %q", wf.Name)
	}
	want := map[string]string{
		"plan_id":        "plan-1",
		"approval_type":  "lobster",
		"risk_score":     "42",
		"message_id":     "<m1@example.com>",
		"sender":         "ceo@example.com",
		"subject":        "Wire transfer",
		"recommendation": string(model.RecommendReview),
	}
	for k, v := range want {
		if wf.Context[k] != v {
			t.Errorf("context %s: expected %q, got %q", k, v, wf.Context[k])
		}
	}
	if cfg := wf.Steps[1].Config; cfg["approval_id"] != "apr-1" || cfg["approval_type"] != "lobster" {
		t.Errorf("unexpected step config %v", cfg)
	}
	if wf.Steps[0].Result != nil {
		t.Errorf("expected no result before resolution, got %v", wf.Steps[0].Result)
	}

	res, err := e.ResolveApproval(wf.ID, wf.Steps[0].ID, false, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Workflow.Steps[0].Result["approved"]; got != "false" {
		t.Errorf("expected result approved=false, got %q", got)
	}
	if res.Workflow.Steps[1].Result != nil {
		t.Errorf("expected skipped step without result, got %v", res.Workflow.Steps[1].Result)
	}

	bare, err := e.CreateApprovalWorkflow("s9", testPlan(1), EmailContext{})
	if err != nil {
		t.Fatal(err)
	}
	if bare.Name != "Approve actions for session s9" {
		t.Errorf("unexpected fallback name %q", bare.Name)
	}
}

func TestCreateUsesReservedID(t *testing.T) {
	e, _, _ := newTestEngine(t)
	plan := testPlan(1)
	plan.WorkflowID = "wf-reserved"

	wf, err := e.CreateApprovalWorkflow("s1", plan, testEmail())
	if err != nil {
		t.Fatal(err)
	}
	if wf.ID != "wf-reserved" {
		t.Errorf("expected reserved ID, got %s", wf.ID)
	}
	if _, err := e.CreateApprovalWorkflow("s1", plan, testEmail()); !errors.Is(err, ErrWorkflowExists) {
		t.Errorf("expected ErrWorkflowExists, got %v", err)
	}
}

func TestPrune(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	done := startedWorkflow(t, e, 1)
	_, _ = e.Cancel(done.ID, "x")
	active := startedWorkflow(t, e, 1)

	clk.Advance(2 * time.Hour)
	if n := e.Prune(time.Hour); n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if _, ok := e.Get(done.ID); ok {
		t.Error("expected finished workflow pruned")
	}
	if _, ok := e.Get(active.ID); !ok {
		t.Error("expected active workflow kept")
	}
}

func TestCheckInvariant(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		steps  []StepStatus
		ok     bool
	}{
		{"pending all pending", StatusPending, []StepStatus{StepPending, StepPending}, true},
		{"pending with active", StatusPending, []StepStatus{StepInProgress}, false},
		{"one active", StatusInProgress, []StepStatus{StepCompleted, StepInProgress, StepPending}, true},
		{"two active", StatusInProgress, []StepStatus{StepInProgress, StepInProgress}, false},
		{"pending but none active", StatusInProgress, []StepStatus{StepCompleted, StepPending}, false},
		{"completed", StatusCompleted, []StepStatus{StepCompleted, StepCompleted}, true},
		{"completed with pending", StatusCompleted, []StepStatus{StepCompleted, StepPending}, false},
		{"failed with active", StatusFailed, []StepStatus{StepInProgress}, false},
		{"cancelled", StatusCancelled, []StepStatus{StepSkipped, StepSkipped}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Workflow{ID: "wf", Status: tt.status}
			for _, s := range tt.steps {
				w.Steps = append(w.Steps, Step{Status: s})
			}
			err := checkInvariant(w)
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvariant) {
				t.Errorf("expected ErrInvariant, got %v", err)
			}
		})
	}
}

func TestDescribeLimitsSignals(t *testing.T) {
	var signals []model.RiskSignal
	for i := 0; i < 7; i++ {
		signals = append(signals, model.RiskSignal{
			Description: fmt.Sprintf("signal %d", i),
			Severity:    model.SeverityMedium,
			Weight:      i,
		})
	}
	signals = append(signals, model.RiskSignal{Description: "critical one", Severity: model.SeverityCritical, Weight: 1})

	email := testEmail()
	email.Risk.Signals = signals
	got := Describe(approval.Action{Type: "send_email"}, email)

	if !strings.Contains(got, "Signals: critical one [critical]") {
		t.Errorf("expected critical signal first, got %q", got)
	}
	if !strings.HasSuffix(got, "+3 more") {
		t.Errorf("expected +3 more suffix, got %q", got)
	}
	if strings.Contains(got, "signal 0") {
		t.Errorf("expected lowest-weight signal dropped, got %q", got)
	}
	if !strings.Contains(got, `(subject: "Wire transfer")`) {
		t.Errorf("expected subject, got %q", got)
	}
}

func TestConcurrentResolution(t *testing.T) {
	e, _, _ := newTestEngine(t)
	wf := startedWorkflow(t, e, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ResolveApproval(wf.ID, wf.Steps[0].ID, true, "op", ""); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Errorf("expected exactly one resolution to succeed, got %d", ok)
	}
}
