package approval

import (
	"encoding/json"
	"sort"
	"time"
)

// Action is one side effect an agent wants to perform.
type Action struct {
	Type             string         `json:"type"`
	Params           map[string]any `json:"params,omitempty"`
	Description      string         `json:"description,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
}

// EncodeParams serializes the action parameters. Unserializable values
// produce a null payload rather than an error.
func (a Action) EncodeParams() json.RawMessage {
	if len(a.Params) == 0 {
		return nil
	}
	data, err := json.Marshal(a.Params)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// Plan groups the approval requests created for one batch of actions.
// WorkflowID is reserved for lobster plans; the workflow created for the
// plan takes that ID and owns every request in it.
type Plan struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	WorkflowID   string    `json:"workflow_id,omitempty"`
	Actions      []Action  `json:"actions"`
	Approvals    []Request `json:"approvals"`
	ApprovalType Type      `json:"approval_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// PendingActions returns the actions that require approval, in order.
func (p Plan) PendingActions() []Action {
	var out []Action
	for _, a := range p.Actions {
		if a.RequiresApproval {
			out = append(out, a)
		}
	}
	return out
}

// RequiresApproval returns true if any approval was created.
func (p Plan) RequiresApproval() bool {
	return len(p.Approvals) > 0
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
