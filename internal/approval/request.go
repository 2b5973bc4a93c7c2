// Package approval defines approval requests for side-effecting actions and
// the plans that group them.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dortort/openclaw-mailguard/internal/model"
)

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Type names the mechanism an operator uses to resolve a request.
type Type string

const (
	TypeLobster Type = "lobster"
	TypeExec    Type = "exec-approval"
)

// ErrNotPending is returned when resolving a request that is already final.
var ErrNotPending = errors.New("approval is not pending")

// RiskContext is the risk snapshot taken when a request is created.
type RiskContext struct {
	Score          int                  `json:"score"`
	Recommendation model.Recommendation `json:"recommendation,omitempty"`
	Signals        []string             `json:"signals,omitempty"`
}

// Request is a single approval request and its state. It is owned by one
// session and mirrored into at most one workflow step. A request with a
// WorkflowID is resolved only through that workflow.
type Request struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	ActionType  string          `json:"action_type"`
	Params      json.RawMessage `json:"params,omitempty"`
	RiskContext RiskContext     `json:"risk_context"`
	Preview     string          `json:"preview"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// Expired reports whether a pending request has passed its deadline.
func (r *Request) Expired(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.ExpiresAt)
}

// Resolve marks a pending request approved or denied. A pending request past
// its deadline becomes expired and ErrNotPending is returned.
func (r *Request) Resolve(approved bool, by string, now time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("approval %s is %s: %w", r.ID, r.Status, ErrNotPending)
	}
	if r.Expired(now) {
		r.Status = StatusExpired
		return fmt.Errorf("approval %s expired at %s: %w", r.ID, r.ExpiresAt.Format(time.RFC3339), ErrNotPending)
	}
	if approved {
		r.Status = StatusApproved
	} else {
		r.Status = StatusDenied
	}
	r.ResolvedBy = by
	t := now.UTC()
	r.ResolvedAt = &t
	return nil
}

// Close finalizes a pending request with status, without the deadline check
// Resolve applies. It reports whether the request changed.
func (r *Request) Close(status Status, by string, now time.Time) bool {
	if r.Status != StatusPending || status == StatusPending {
		return false
	}
	r.Status = status
	r.ResolvedBy = by
	t := now.UTC()
	r.ResolvedAt = &t
	return true
}

// Clone returns a deep copy.
func (r Request) Clone() Request {
	if r.Params != nil {
		r.Params = append(json.RawMessage(nil), r.Params...)
	}
	if r.RiskContext.Signals != nil {
		r.RiskContext.Signals = append([]string(nil), r.RiskContext.Signals...)
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		r.ResolvedAt = &t
	}
	return r
}

// Preview renders a one-line human summary of an action.
func Preview(a Action) string {
	if a.Description != "" {
		return a.Description
	}
	if len(a.Params) == 0 {
		return a.Type
	}
	keys := sortedKeys(a.Params)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a.Params[k]))
	}
	s := a.Type + " (" + strings.Join(parts, ", ") + ")"
	if r := []rune(s); len(r) > 200 {
		s = string(r[:199]) + "…"
	}
	return s
}
