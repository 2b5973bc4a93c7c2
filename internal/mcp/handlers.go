package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dortort/openclaw-mailguard/internal/approval"
	"github.com/dortort/openclaw-mailguard/internal/guard"
	"github.com/dortort/openclaw-mailguard/internal/maildrop"
	"github.com/dortort/openclaw-mailguard/internal/model"
	"github.com/dortort/openclaw-mailguard/internal/workflow"
)

// --- Input/Output types ---

// ScanInput defines parameters for the mailguard_scan tool. Either Raw or
// the individual fields are used.
type ScanInput struct {
	Raw       string `json:"raw,omitempty" jsonschema:"complete RFC 5322 message; overrides the other fields"`
	SessionID string `json:"session_id,omitempty" jsonschema:"session to (re)initialize; generated when empty"`
	Source    string `json:"source,omitempty" jsonschema:"provenance source, e.g. gmail or email"`
	MessageID string `json:"message_id,omitempty" jsonschema:"Message-ID header"`
	From      string `json:"from,omitempty" jsonschema:"sender address"`
	Subject   string `json:"subject,omitempty" jsonschema:"subject line"`
	HTML      string `json:"html,omitempty" jsonschema:"HTML body"`
	Plain     string `json:"plain,omitempty" jsonschema:"plain-text body"`
	SPF       string `json:"spf,omitempty" jsonschema:"SPF result (pass/fail/softfail/neutral/none)"`
	DKIM      string `json:"dkim,omitempty" jsonschema:"DKIM result"`
	DMARC     string `json:"dmarc,omitempty" jsonschema:"DMARC result"`
}

// SignalItem is one risk signal.
type SignalItem struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Evidence    string `json:"evidence,omitempty"`
}

// ScanOutput is the verdict on a scanned email.
type ScanOutput struct {
	SessionID       string       `json:"session_id"`
	Score           int          `json:"score"`
	Recommendation  string       `json:"recommendation"`
	Quarantined     bool         `json:"quarantined"`
	Gated           bool         `json:"gated"`
	Reasons         []string     `json:"reasons"`
	Signals         []SignalItem `json:"signals"`
	Body            string       `json:"body"`
	Truncated       bool         `json:"truncated,omitempty"`
	SuspiciousLinks []string     `json:"suspicious_links,omitempty"`
}

// CheckToolInput defines parameters for the mailguard_check_tool tool.
type CheckToolInput struct {
	SessionID string `json:"session_id" jsonschema:"session from mailguard_scan"`
	Tool      string `json:"tool" jsonschema:"tool name to check"`
}

// CheckToolOutput contains the firewall decision.
type CheckToolOutput struct {
	Allowed          bool     `json:"allowed"`
	Tool             string   `json:"tool"`
	Reason           string   `json:"reason"`
	RequiresApproval bool     `json:"requires_approval"`
	ApprovalType     string   `json:"approval_type,omitempty"`
	DenialType       string   `json:"denial_type,omitempty"`
	Alternatives     []string `json:"alternatives,omitempty"`
}

// ActionInput is one planned side effect.
type ActionInput struct {
	Type        string         `json:"type" jsonschema:"tool name of the side effect, e.g. send_email"`
	Params      map[string]any `json:"params,omitempty" jsonschema:"tool arguments"`
	Description string         `json:"description,omitempty" jsonschema:"what the action does"`
}

// PlanInput defines parameters for the mailguard_plan tool.
type PlanInput struct {
	SessionID string        `json:"session_id" jsonschema:"session from mailguard_scan"`
	Actions   []ActionInput `json:"actions" jsonschema:"side effects in execution order"`
}

// ApprovalItem is one approval request.
type ApprovalItem struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id,omitempty" jsonschema:"set when the approval is resolved through a workflow step"`
	Action     string `json:"action"`
	Preview    string `json:"preview"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expires_at"`
}

// StepItem is one workflow step waiting for an operator.
type StepItem struct {
	WorkflowID  string `json:"workflow_id"`
	StepID      string `json:"step_id"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// PlanOutput describes the created plan.
type PlanOutput struct {
	PlanID       string         `json:"plan_id,omitempty"`
	ApprovalType string         `json:"approval_type,omitempty"`
	Approvals    []ApprovalItem `json:"approvals"`
	WorkflowID   string         `json:"workflow_id,omitempty"`
	CurrentStep  *StepItem      `json:"current_step,omitempty"`
	Denied       bool           `json:"denied,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// PendingInput defines parameters for the mailguard_pending tool.
type PendingInput struct {
	SessionID string `json:"session_id" jsonschema:"session to list"`
}

// PendingOutput lists what a session is waiting on.
type PendingOutput struct {
	Approvals []ApprovalItem `json:"approvals"`
	Steps     []StepItem     `json:"steps"`
}

// ResolveInput defines parameters for the mailguard_resolve tool.
type ResolveInput struct {
	SessionID  string `json:"session_id,omitempty" jsonschema:"session owning the approval (exec approvals)"`
	ApprovalID string `json:"approval_id,omitempty" jsonschema:"approval to resolve (exec approvals)"`
	WorkflowID string `json:"workflow_id,omitempty" jsonschema:"workflow owning the step"`
	StepID     string `json:"step_id,omitempty" jsonschema:"workflow step to resolve"`
	Approved   bool   `json:"approved" jsonschema:"true to approve, false to deny"`
	Resolver   string `json:"resolver,omitempty" jsonschema:"who decided"`
	Comment    string `json:"comment,omitempty" jsonschema:"optional note"`
}

// ResolveOutput reports the resolution.
type ResolveOutput struct {
	Resolved         bool      `json:"resolved"`
	WorkflowStatus   string    `json:"workflow_status,omitempty"`
	WorkflowComplete bool      `json:"workflow_complete,omitempty"`
	AllApproved      bool      `json:"all_approved,omitempty"`
	NextStep         *StepItem `json:"next_step,omitempty"`
}

// CancelInput defines parameters for the mailguard_cancel tool.
type CancelInput struct {
	WorkflowID string `json:"workflow_id" jsonschema:"workflow to cancel"`
	Reason     string `json:"reason,omitempty" jsonschema:"why it was cancelled"`
}

// CancelOutput reports the workflow state after cancellation.
type CancelOutput struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// --- Handlers ---

func (s *Server) handleScan(ctx context.Context, req *mcpsdk.CallToolRequest, input ScanInput) (*mcpsdk.CallToolResult, ScanOutput, error) {
	msg, err := scanMessage(input)
	if err != nil {
		return nil, ScanOutput{}, err
	}
	res := s.guard.ProcessMessage(ctx, msg)

	out := ScanOutput{
		SessionID:      res.SessionID,
		Score:          res.Risk.Score,
		Recommendation: string(res.Risk.Recommendation),
		Quarantined:    res.Quarantined,
		Gated:          res.Gated,
		Reasons:        res.Risk.Reasons,
		Signals:        signalItems(res.Risk.Signals),
		Truncated:      res.Sanitized.Truncated,
	}
	// Quarantined content never reaches the agent.
	if !res.Quarantined {
		out.Body = res.Sanitized.BodyText
	}
	for _, l := range res.Sanitized.SuspiciousLinks() {
		out.SuspiciousLinks = append(out.SuspiciousLinks, l.Original)
	}
	return nil, out, nil
}

func scanMessage(in ScanInput) (guard.Message, error) {
	if in.Raw != "" {
		e, err := maildrop.ParseEmail([]byte(in.Raw))
		if err != nil {
			return guard.Message{}, err
		}
		msg := maildrop.ToMessage(e, in.SessionID)
		if in.Source != "" {
			msg.Source = in.Source
		}
		return msg, nil
	}
	if in.HTML == "" && in.Plain == "" {
		return guard.Message{}, fmt.Errorf("one of raw, html or plain is required")
	}
	return guard.Message{
		SessionID: in.SessionID,
		Source:    in.Source,
		Headers: model.EmailHeaders{
			MessageID: in.MessageID,
			From:      in.From,
			Subject:   in.Subject,
			SPF:       model.ParseAuthResult(in.SPF),
			DKIM:      model.ParseAuthResult(in.DKIM),
			DMARC:     model.ParseAuthResult(in.DMARC),
		},
		HTML:  in.HTML,
		Plain: in.Plain,
	}, nil
}

func (s *Server) handleCheckTool(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckToolInput) (*mcpsdk.CallToolResult, CheckToolOutput, error) {
	d := s.guard.CheckTool(input.SessionID, input.Tool)
	return nil, CheckToolOutput{
		Allowed:          d.Allowed,
		Tool:             d.Tool,
		Reason:           d.Reason,
		RequiresApproval: d.RequiresApproval,
		ApprovalType:     string(d.ApprovalType),
		DenialType:       string(d.DenialType),
		Alternatives:     d.Alternatives,
	}, nil
}

func (s *Server) handlePlan(ctx context.Context, req *mcpsdk.CallToolRequest, input PlanInput) (*mcpsdk.CallToolResult, PlanOutput, error) {
	if len(input.Actions) == 0 {
		return nil, PlanOutput{}, fmt.Errorf("at least one action is required")
	}
	actions := make([]approval.Action, len(input.Actions))
	for i, a := range input.Actions {
		actions[i] = approval.Action{Type: a.Type, Params: a.Params, Description: a.Description}
	}

	res, err := s.guard.PlanSideEffects(input.SessionID, actions)
	if errors.Is(err, guard.ErrActionDenied) {
		s.log.Warn().Str("session_id", input.SessionID).Err(err).Msg("plan rejected")
		return &mcpsdk.CallToolResult{IsError: true}, PlanOutput{
			Approvals: []ApprovalItem{},
			Denied:    true,
			Reason:    err.Error(),
		}, nil
	}
	if err != nil {
		return nil, PlanOutput{}, err
	}

	out := PlanOutput{
		PlanID:       res.Plan.ID,
		ApprovalType: string(res.Plan.ApprovalType),
		Approvals:    approvalItems(res.Plan.Approvals),
	}
	if wf := res.Workflow; wf != nil {
		out.WorkflowID = wf.ID
		if st, ok := wf.CurrentStep(); ok {
			out.CurrentStep = stepItem(wf.ID, st)
		}
	}
	return nil, out, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	p := s.guard.PendingApprovals(input.SessionID)
	out := PendingOutput{
		Approvals: approvalItems(p.Approvals),
		Steps:     make([]StepItem, 0, len(p.Steps)),
	}
	for _, ps := range p.Steps {
		out.Steps = append(out.Steps, *stepItem(ps.WorkflowID, ps.Step))
	}
	return nil, out, nil
}

func (s *Server) handleResolve(ctx context.Context, req *mcpsdk.CallToolRequest, input ResolveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	resolver := strings.TrimSpace(input.Resolver)
	if resolver == "" {
		resolver = "mcp"
	}

	if input.WorkflowID != "" {
		if input.StepID == "" {
			return nil, ResolveOutput{}, fmt.Errorf("step_id is required with workflow_id")
		}
		r, err := s.guard.ResolveStep(input.WorkflowID, input.StepID, input.Approved, resolver, input.Comment)
		if err != nil {
			return nil, ResolveOutput{}, err
		}
		out := ResolveOutput{
			Resolved:         true,
			WorkflowStatus:   string(r.Workflow.Status),
			WorkflowComplete: r.WorkflowComplete,
			AllApproved:      r.AllApproved,
		}
		if r.NextStep != nil {
			out.NextStep = stepItem(input.WorkflowID, *r.NextStep)
		}
		return nil, out, nil
	}

	if input.SessionID == "" || input.ApprovalID == "" {
		return nil, ResolveOutput{}, fmt.Errorf("either workflow_id and step_id, or session_id and approval_id, are required")
	}
	ok := s.guard.ResolveApproval(input.SessionID, input.ApprovalID, input.Approved, resolver)
	if !ok {
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{
				Text: "approval not resolved; approvals that belong to a workflow are resolved with workflow_id and step_id",
			}},
		}, ResolveOutput{}, nil
	}
	return nil, ResolveOutput{Resolved: true}, nil
}

func (s *Server) handleCancel(ctx context.Context, req *mcpsdk.CallToolRequest, input CancelInput) (*mcpsdk.CallToolResult, CancelOutput, error) {
	reason := input.Reason
	if reason == "" {
		reason = "cancelled"
	}
	wf, err := s.guard.CancelWorkflow(input.WorkflowID, reason)
	if err != nil {
		return nil, CancelOutput{}, err
	}
	return nil, CancelOutput{WorkflowID: wf.ID, Status: string(wf.Status)}, nil
}

// --- Helpers ---

func signalItems(signals []model.RiskSignal) []SignalItem {
	out := make([]SignalItem, len(signals))
	for i, sig := range signals {
		out[i] = SignalItem{
			Type:        string(sig.Type),
			Severity:    string(sig.Severity),
			Description: sig.Description,
			Evidence:    sig.Evidence,
		}
	}
	return out
}

func approvalItems(reqs []approval.Request) []ApprovalItem {
	out := make([]ApprovalItem, len(reqs))
	for i, r := range reqs {
		out[i] = ApprovalItem{
			ID:         r.ID,
			WorkflowID: r.WorkflowID,
			Action:     r.ActionType,
			Preview:    r.Preview,
			Status:     string(r.Status),
			ExpiresAt:  r.ExpiresAt.Format(time.RFC3339),
		}
	}
	return out
}

func stepItem(workflowID string, st workflow.Step) *StepItem {
	return &StepItem{
		WorkflowID:  workflowID,
		StepID:      st.ID,
		Action:      st.ActionType,
		Description: st.Description,
	}
}
