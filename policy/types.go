// Package policy evaluates Rego policies that may veto power commands
// before the reconciler issues them.
package policy

import (
	"time"

	"github.com/yairfalse/dormant/types"
)

// Decisions a policy document can carry
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Query is the document every policy module contributes to
const Query = "data.dormant"

// Input is the document policies see as `input`
type Input struct {
	Action      string    `json:"action"`
	Group       string    `json:"group"`
	Provider    string    `json:"provider"`
	Account     string    `json:"account"`
	InstanceIDs []string  `json:"instance_ids"`
	Reason      string    `json:"reason"`
	Occurrence  time.Time `json:"occurrence"`
	Timestamp   time.Time `json:"timestamp"`
	Weekday     string    `json:"weekday"`
	Hour        int       `json:"hour"`
}

// InputFor builds the policy input of a decision evaluated at now
func InputFor(d types.Decision, now time.Time) Input {
	ids := d.InstanceIDs
	if ids == nil {
		ids = []string{}
	}
	return Input{
		Action:      d.Action,
		Group:       d.Group,
		Provider:    string(d.Provider),
		Account:     d.Account,
		InstanceIDs: ids,
		Reason:      d.Reason,
		Occurrence:  d.Occurrence,
		Timestamp:   now,
		Weekday:     now.Weekday().String(),
		Hour:        now.Hour(),
	}
}

// Result is the aggregated verdict of all loaded policies
type Result struct {
	Decision string   `json:"decision"`
	Reason   string   `json:"reason"`
	Policies []string `json:"policies"` // policies that denied
}

// Allowed reports whether the command may proceed
func (r Result) Allowed() bool {
	return r.Decision != DecisionDeny
}
