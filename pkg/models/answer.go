package models

// AggregatedAnswer is the final output of a run. It is always
// produced, even for cancelled or heavily degraded runs; callers
// inspect OverallConfidence and the node ID lists to judge how much to
// trust it.
type AggregatedAnswer struct {
	// RunID identifies the run that produced this answer.
	RunID string `json:"run_id"`
	// FinalText is the merged answer text.
	FinalText string `json:"final_text"`
	// OverallConfidence is the root's propagated confidence in [0,1].
	OverallConfidence float64 `json:"overall_confidence"`
	// DegradedNodeIDs lists nodes that contributed at reduced
	// confidence, sorted by ID.
	DegradedNodeIDs []string `json:"degraded_node_ids,omitempty"`
	// FailedNodeIDs lists nodes excluded from the answer entirely,
	// sorted by ID.
	FailedNodeIDs []string `json:"failed_node_ids,omitempty"`
}
