// Package ids generates collision-resistant identifiers.
package ids

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Prefixes used across mailguard.
const (
	PrefixSession  = "sess"
	PrefixWorkflow = "wf"
	PrefixStep     = "step"
	PrefixApproval = "apr"
	PrefixPlan     = "plan"
	PrefixMail     = "mail"
)

// New returns "<prefix>-<random uuid>".
func New(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand failure; still unique within the process
		return fmt.Sprintf("%s-%x", prefix, time.Now().UnixNano())
	}
	return prefix + "-" + id.String()
}

// Session returns a new session ID.
func Session() string { return New(PrefixSession) }

// Workflow returns a new workflow ID.
func Workflow() string { return New(PrefixWorkflow) }

// Step returns a new workflow step ID.
func Step() string { return New(PrefixStep) }

// Approval returns a new approval request ID.
func Approval() string { return New(PrefixApproval) }

// Plan returns a new side-effect plan ID.
func Plan() string { return New(PrefixPlan) }
