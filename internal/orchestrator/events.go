// Package orchestrator drives a query through classification, graph
// build, scheduling, checkpointing, and aggregation.
package orchestrator

import (
	"time"

	"fathom/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventRunStarted indicates a fresh run was accepted and classified.
	EventRunStarted EventType = "run_started"
	// EventRunResumed indicates a run was rebuilt from a checkpoint.
	EventRunResumed EventType = "run_resumed"
	// EventNodeQueued indicates a node's dependencies are satisfied.
	EventNodeQueued EventType = "node_queued"
	// EventNodeStarted indicates a worker claimed a node.
	EventNodeStarted EventType = "node_started"
	// EventNodeCompleted indicates a node finished at full confidence.
	EventNodeCompleted EventType = "node_completed"
	// EventNodeDegraded indicates a node finished with a partial result.
	EventNodeDegraded EventType = "node_degraded"
	// EventNodeFailed indicates a node exhausted its attempts or was
	// cut by cancellation.
	EventNodeFailed EventType = "node_failed"
	// EventCheckpointWritten indicates a snapshot became durable.
	EventCheckpointWritten EventType = "checkpoint_written"
	// EventRunCompleted indicates the run finished with an answer.
	EventRunCompleted EventType = "run_completed"
	// EventRunCancelled indicates the run was aborted; a best-effort
	// answer was still produced.
	EventRunCancelled EventType = "run_cancelled"
	// EventRunCrashed indicates the run lost durability and stopped.
	EventRunCrashed EventType = "run_crashed"
)

// Event represents an event emitted by the orchestrator.
// These events are used to update the TUI and track progress.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// RunID is the run the event belongs to.
	RunID string
	// NodeID is the ID of the related node, if applicable.
	NodeID string
	// NodeState is the node's state for node events.
	NodeState models.NodeState
	// Tier is the resolved effort tier (set on run_started/run_resumed).
	Tier models.EffortTier
	// Sequence is the checkpoint sequence for checkpoint_written events.
	Sequence uint64
	// Confidence carries a node's or the final answer's confidence.
	Confidence float64
	// Message provides additional context about the event.
	Message string
	// Err contains error details for failure events.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
