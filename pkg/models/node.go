package models

// NodeState represents the current state of a task node.
type NodeState string

const (
	// NodePending indicates the node's dependencies are not yet satisfied.
	NodePending NodeState = "pending"
	// NodeReady indicates the node can be dispatched.
	NodeReady NodeState = "ready"
	// NodeRunning indicates exactly one worker owns the node.
	NodeRunning NodeState = "running"
	// NodeDone indicates the node produced a full-confidence result.
	NodeDone NodeState = "done"
	// NodeDegraded indicates retries were exhausted but a partial
	// result is available at reduced confidence.
	NodeDegraded NodeState = "degraded"
	// NodeFailed indicates the node produced nothing usable and is
	// excluded from aggregation.
	NodeFailed NodeState = "failed"
)

// Valid returns true if the state is a known value.
func (s NodeState) Valid() bool {
	switch s {
	case NodePending, NodeReady, NodeRunning, NodeDone, NodeDegraded, NodeFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for states a node never leaves.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeDone, NodeDegraded, NodeFailed:
		return true
	default:
		return false
	}
}

// Contributes returns true if a node in this state supplies content to
// its parent's synthesis.
func (s NodeState) Contributes() bool {
	return s == NodeDone || s == NodeDegraded
}

// FailReasonCancelled marks nodes failed by run cancellation rather
// than by their own execution.
const FailReasonCancelled = "cancelled"

// Result is the finalized output of one node. It is the only channel
// of information between a node and its dependents.
type Result struct {
	// Content is the produced text for the node's payload.
	Content string `json:"content"`
	// Confidence is the executor's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// TaskNode is one unit of work inside a run's graph. IDs are path-like
// and stable within the run (root, root/1, root/2/1, ...). Mutable
// fields are owned by the graph until dispatch, then by exactly one
// worker until the node reaches a terminal state.
type TaskNode struct {
	// ID is the path-like identifier, unique within the run.
	ID string `json:"id"`
	// ParentID is the parent node's ID; empty only for the root.
	ParentID string `json:"parent_id,omitempty"`
	// DependsOn lists sibling IDs that must reach done or degraded
	// before this node becomes ready. Empty means the node runs as
	// soon as it is discovered.
	DependsOn []string `json:"depends_on,omitempty"`
	// Payload describes what the worker must do.
	Payload string `json:"payload"`
	// State is the node's position in the lifecycle.
	State NodeState `json:"state"`
	// AttemptCount is how many times a worker started this node.
	AttemptCount int `json:"attempt_count,omitempty"`
	// Result holds the finalized output; nil until done or degraded.
	Result *Result `json:"result,omitempty"`
	// FailReason records why a failed node failed (for example
	// FailReasonCancelled); empty otherwise.
	FailReason string `json:"fail_reason,omitempty"`
}

// Confidence returns the node's finalized confidence and whether one
// exists. Only done and degraded nodes carry a confidence.
func (n *TaskNode) Confidence() (float64, bool) {
	if n.Result == nil || !n.State.Contributes() {
		return 0, false
	}
	return n.Result.Confidence, true
}

// Clone returns a deep copy so snapshots never alias live node state.
func (n *TaskNode) Clone() *TaskNode {
	c := *n
	if n.DependsOn != nil {
		c.DependsOn = append([]string(nil), n.DependsOn...)
	}
	if n.Result != nil {
		r := *n.Result
		c.Result = &r
	}
	return &c
}
