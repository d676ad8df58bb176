package reconciler

import (
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/dormant/types"
)

// GroupStatus is the last transition the engine applied to a group
type GroupStatus struct {
	Group      string           `json:"group"`
	Transition types.Transition `json:"transition"`
	Occurrence time.Time        `json:"occurrence"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// transitions suppresses repeated commands. An entry only counts for the
// window occurrence it was recorded against, so a daily window or a re-set
// window triggers again.
type transitions struct {
	mu      sync.RWMutex
	entries map[string]GroupStatus
}

func newTransitions() *transitions {
	return &transitions{entries: make(map[string]GroupStatus)}
}

// applied reports whether t was already applied to group for occurrence
func (s *transitions) applied(group string, occurrence time.Time, t types.Transition) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[group]
	return ok && e.Transition == t && e.Occurrence.Equal(occurrence)
}

func (s *transitions) record(group string, occurrence time.Time, t types.Transition, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[group] = GroupStatus{Group: group, Transition: t, Occurrence: occurrence, UpdatedAt: now}
}

// retain drops every group not in keep
func (s *transitions) retain(keep map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for group := range s.entries {
		if !keep[group] {
			delete(s.entries, group)
		}
	}
}

func (s *transitions) snapshot() []GroupStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GroupStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}
