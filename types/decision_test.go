package types

import (
	"testing"
)

func TestDecision_Validate(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		wantErr  bool
	}{
		{
			name: "valid stop decision",
			decision: Decision{
				Action:      ActionStop,
				Group:       "g1",
				InstanceIDs: []string{"i-1"},
			},
			wantErr: false,
		},
		{
			name: "invalid - empty action",
			decision: Decision{
				Group:       "g1",
				InstanceIDs: []string{"i-1"},
			},
			wantErr: true,
		},
		{
			name: "invalid - empty group",
			decision: Decision{
				Action:      ActionStart,
				InstanceIDs: []string{"i-1"},
			},
			wantErr: true,
		},
		{
			name: "invalid - no instances",
			decision: Decision{
				Action: ActionStart,
				Group:  "g1",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decision.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecision_IsDestructive(t *testing.T) {
	if (&Decision{Action: ActionStop}).IsDestructive() {
		t.Error("stop should not be destructive")
	}
	if !(&Decision{Action: ActionTerminate}).IsDestructive() {
		t.Error("terminate should be destructive")
	}
}

func TestTransitionFor(t *testing.T) {
	if TransitionFor(ActionStop) != TransitionStopped {
		t.Error("stop should map to stopped")
	}
	if TransitionFor(ActionStart) != TransitionStarted {
		t.Error("start should map to started")
	}
	if TransitionFor(ActionPrune) != TransitionNone {
		t.Error("prune has no transition")
	}
}
