package workflow

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dortort/openclaw-mailguard/internal/model"
)

// Status is the state of a workflow.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
)

// Terminal reports whether the step is finished.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepSkipped || s == StepFailed
}

// StepType names what a step waits for. The engine only builds approval
// steps; the other kinds are accepted in stored workflows.
type StepType string

const (
	StepApproval  StepType = "approval"
	StepAction    StepType = "action"
	StepCondition StepType = "condition"
	StepWait      StepType = "wait"
)

// TemplateEmailApproval identifies workflows built by CreateApprovalWorkflow.
const TemplateEmailApproval = "email-approval"

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrStepNotActive     = errors.New("step is not in progress")
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrInvariant         = errors.New("workflow invariant violated")
	ErrNoApprovalSteps   = errors.New("plan has no actions requiring approval")
	ErrWorkflowExpired   = errors.New("workflow expired")
	ErrWorkflowExists    = errors.New("workflow already exists")
)

// EmailContext describes the message that triggered a workflow.
type EmailContext struct {
	MessageID string          `json:"message_id,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Risk      model.RiskScore `json:"risk"`
}

// Step is one sequential unit of a workflow.
type Step struct {
	ID          string          `json:"id"`
	Type        StepType        `json:"type"`
	ActionType  string          `json:"action_type"`
	Params      json.RawMessage `json:"params,omitempty"`
	ApprovalID  string          `json:"approval_id,omitempty"`
	Description string          `json:"description"`
	Status      StepStatus      `json:"status"`

	// Config holds type-specific settings, such as the approval type.
	Config      map[string]string `json:"config,omitempty"`
	Result      map[string]string `json:"result,omitempty"`
	Resolver    string            `json:"resolver,omitempty"`
	Comment     string            `json:"comment,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Workflow is an ordered list of approval steps for one session.
type Workflow struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	TemplateID  string            `json:"template_id"`
	SessionID   string            `json:"session_id"`
	PlanID      string            `json:"plan_id,omitempty"`
	Status      Status            `json:"status"`
	Steps       []Step            `json:"steps"`
	Context     map[string]string `json:"context,omitempty"`
	Email       EmailContext      `json:"email"`
	Timeout     time.Duration     `json:"timeout"`
	Reason      string            `json:"reason,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		s.Params = append(json.RawMessage(nil), s.Params...)
		s.Config = copyMap(s.Config)
		s.Result = copyMap(s.Result)
		s.StartedAt = copyTime(s.StartedAt)
		s.CompletedAt = copyTime(s.CompletedAt)
		c.Steps[i] = s
	}
	c.Context = copyMap(w.Context)
	c.CompletedAt = copyTime(w.CompletedAt)
	c.Email.Risk.Reasons = append([]string(nil), w.Email.Risk.Reasons...)
	c.Email.Risk.Signals = append([]model.RiskSignal(nil), w.Email.Risk.Signals...)
	return &c
}

// CurrentStep returns the step in progress, if any.
func (w *Workflow) CurrentStep() (Step, bool) {
	for _, s := range w.Steps {
		if s.Status == StepInProgress {
			return s, true
		}
	}
	return Step{}, false
}

// Expired reports whether an in-progress workflow has outlived its timeout.
func (w *Workflow) Expired(now time.Time) bool {
	return w.Status == StatusInProgress && w.Timeout > 0 && now.Sub(w.CreatedAt) > w.Timeout
}

func (w *Workflow) step(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// Resolution is the result of resolving one approval step.
type Resolution struct {
	WorkflowComplete bool      `json:"workflow_complete"`
	AllApproved      bool      `json:"all_approved"`
	Workflow         *Workflow `json:"workflow"`
	NextStep         *Step     `json:"next_step,omitempty"`
}

// PendingStep is a step waiting for an operator.
type PendingStep struct {
	WorkflowID string `json:"workflow_id"`
	SessionID  string `json:"session_id"`
	Step       Step   `json:"step"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
