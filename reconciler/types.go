// Package reconciler drives groups toward their downtime windows: it stops
// the instances of a group inside its window and starts them once the
// window ends, pruning members the providers no longer report.
package reconciler

import (
	"context"
	"time"

	"github.com/yairfalse/dormant/types"
)

// SystemActor attributes membership changes made by the engine itself
const SystemActor = "system:reconciler"

// DefaultCallTimeout bounds every provider call
const DefaultCallTimeout = 30 * time.Second

// Store is the persistence the engine reads each tick and prunes through
type Store interface {
	GetAllGroupDowntimes(ctx context.Context) ([]types.GroupDowntime, error)
	GetInstancesByGroup(ctx context.Context, name string) (types.GroupInstances, error)
	RemoveInstancesFromGroup(ctx context.Context, target types.Target) (types.RemoveStatus, error)
}

// Guard may veto a command before it is issued
type Guard interface {
	Allow(ctx context.Context, d types.Decision) (bool, string, error)
}

// Emitter is notified of every command and prune the engine decides on
type Emitter interface {
	Emit(ctx context.Context, d types.Decision) error
}

// GroupResult is the outcome of reconciling one group in a tick
type GroupResult struct {
	Group     string           `json:"group"`
	Window    string           `json:"window,omitempty"`
	Phase     PhaseKind        `json:"phase,omitempty"`
	Pruned    []string         `json:"pruned,omitempty"`
	Decisions []types.Decision `json:"decisions,omitempty"`
	Skipped   bool             `json:"skipped,omitempty"`
	Err       error            `json:"-"`
}

// TickResult is the outcome of one pass over every downtime window
type TickResult struct {
	Tick      uint64        `json:"tick"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Groups    []GroupResult `json:"groups"`
}

// Failures counts groups whose processing failed
func (r TickResult) Failures() int {
	n := 0
	for _, g := range r.Groups {
		if g.Err != nil {
			n++
		}
	}
	return n
}

// Skipped counts groups skipped because their window could not be parsed
func (r TickResult) Skipped() int {
	n := 0
	for _, g := range r.Groups {
		if g.Skipped {
			n++
		}
	}
	return n
}

// Pruned counts members removed because their provider no longer reports them
func (r TickResult) Pruned() int {
	n := 0
	for _, g := range r.Groups {
		n += len(g.Pruned)
	}
	return n
}

// Decisions returns every command decision of the tick
func (r TickResult) Decisions() []types.Decision {
	var out []types.Decision
	for _, g := range r.Groups {
		out = append(out, g.Decisions...)
	}
	return out
}
