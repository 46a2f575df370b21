package models

// EffortTier is the resolved effort level for a run. It is never
// EffortAuto: auto is a request-side value that the classifier resolves
// before a graph is built.
type EffortTier string

const (
	// TierSimple is for single-step queries that need no decomposition.
	TierSimple EffortTier = "simple"
	// TierModerate is for multi-part queries worth a shallow fan-out.
	TierModerate EffortTier = "moderate"
	// TierComplex is for queries that justify the full depth and width budget.
	TierComplex EffortTier = "complex"
)

// Valid returns true if the tier is a known resolved value.
func (t EffortTier) Valid() bool {
	switch t {
	case TierSimple, TierModerate, TierComplex:
		return true
	default:
		return false
	}
}
