package models

// RunState tracks where a run is in its lifecycle.
type RunState string

const (
	// RunInitializing indicates the run was accepted but not classified.
	RunInitializing RunState = "initializing"
	// RunClassifying indicates effort classification is in progress.
	RunClassifying RunState = "classifying"
	// RunGraphBuilt indicates the task graph exists but nothing ran.
	RunGraphBuilt RunState = "graph_built"
	// RunScheduling indicates the worker pool is dispatching nodes.
	RunScheduling RunState = "scheduling"
	// RunCheckpointing indicates a checkpoint write is in progress.
	RunCheckpointing RunState = "checkpointing"
	// RunAggregating indicates terminal nodes are being merged.
	RunAggregating RunState = "aggregating"
	// RunCompleted indicates the run finished and emitted an answer.
	RunCompleted RunState = "completed"
	// RunCancelled indicates the run was aborted; a best-effort answer
	// was still emitted.
	RunCancelled RunState = "cancelled"
	// RunCrashed indicates the run could not maintain durability and
	// stopped without a trustworthy answer.
	RunCrashed RunState = "crashed"
)

// Valid returns true if the state is a known value.
func (s RunState) Valid() bool {
	switch s {
	case RunInitializing, RunClassifying, RunGraphBuilt, RunScheduling,
		RunCheckpointing, RunAggregating, RunCompleted, RunCancelled, RunCrashed:
		return true
	default:
		return false
	}
}

// Terminal returns true for states a run never leaves.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunCancelled, RunCrashed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is legal.
// Cancelled and crashed are reachable from any non-terminal state; the
// scheduling and checkpointing states alternate while waves drain.
func (s RunState) CanTransition(next RunState) bool {
	if s.Terminal() {
		return false
	}
	if next == RunCancelled || next == RunCrashed {
		return true
	}
	switch s {
	case RunInitializing:
		return next == RunClassifying
	case RunClassifying:
		return next == RunGraphBuilt
	case RunGraphBuilt:
		return next == RunScheduling || next == RunCheckpointing
	case RunScheduling:
		return next == RunCheckpointing || next == RunAggregating
	case RunCheckpointing:
		return next == RunScheduling || next == RunAggregating
	case RunAggregating:
		return next == RunCompleted
	default:
		return false
	}
}
