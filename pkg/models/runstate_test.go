package models

import "testing"

func TestRunState_Valid(t *testing.T) {
	valid := []RunState{
		RunInitializing, RunClassifying, RunGraphBuilt, RunScheduling,
		RunCheckpointing, RunAggregating, RunCompleted, RunCancelled, RunCrashed,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("RunState(%q).Valid() = false, want true", s)
		}
	}
	for _, s := range []RunState{"", "paused", "done"} {
		if s.Valid() {
			t.Errorf("RunState(%q).Valid() = true, want false", s)
		}
	}
}

func TestRunState_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from RunState
		to   RunState
		want bool
	}{
		{"initializing to classifying", RunInitializing, RunClassifying, true},
		{"classifying to graph_built", RunClassifying, RunGraphBuilt, true},
		{"graph_built to scheduling", RunGraphBuilt, RunScheduling, true},
		{"graph_built to checkpointing", RunGraphBuilt, RunCheckpointing, true},
		{"scheduling to checkpointing", RunScheduling, RunCheckpointing, true},
		{"checkpointing back to scheduling", RunCheckpointing, RunScheduling, true},
		{"scheduling to aggregating", RunScheduling, RunAggregating, true},
		{"aggregating to completed", RunAggregating, RunCompleted, true},
		{"any active state can cancel", RunScheduling, RunCancelled, true},
		{"any active state can crash", RunCheckpointing, RunCrashed, true},
		{"initializing cannot skip to scheduling", RunInitializing, RunScheduling, false},
		{"completed is terminal", RunCompleted, RunScheduling, false},
		{"cancelled is terminal", RunCancelled, RunCrashed, false},
		{"crashed is terminal", RunCrashed, RunCompleted, false},
		{"aggregating cannot regress", RunAggregating, RunScheduling, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%q -> %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}
