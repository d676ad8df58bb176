package types

import (
	"fmt"
	"time"
)

// Command actions issued against cloud instances
const (
	ActionStop      = "stop"
	ActionStart     = "start"
	ActionPrune     = "prune"
	ActionTerminate = "terminate"
)

// Command statuses
const (
	StatusIssued  = "issued"
	StatusFailed  = "failed"
	StatusDenied  = "denied"
	StatusDryRun  = "dry_run"
	StatusApplied = "applied"
)

// Decision represents a power action the engine decided on for a group
type Decision struct {
	Action      string    `json:"action"`
	Group       string    `json:"group"`
	Provider    Provider  `json:"provider"`
	Account     string    `json:"account"`
	InstanceIDs []string  `json:"instance_ids"`
	Reason      string    `json:"reason"`
	Occurrence  time.Time `json:"occurrence,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate ensures the decision has required fields
func (d *Decision) Validate() error {
	if d.Action == "" {
		return fmt.Errorf("decision action cannot be empty")
	}
	if d.Group == "" {
		return fmt.Errorf("decision group cannot be empty")
	}
	if len(d.InstanceIDs) == 0 {
		return fmt.Errorf("decision must name at least one instance")
	}
	return nil
}

// IsDestructive checks if action removes instances
func (d *Decision) IsDestructive() bool {
	return d.Action == ActionTerminate
}

// TransitionFor maps a power action to the transition it applies
func TransitionFor(action string) Transition {
	switch action {
	case ActionStop:
		return TransitionStopped
	case ActionStart:
		return TransitionStarted
	}
	return TransitionNone
}
