package models

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects the decomposition strategy for a run.
type Mode string

const (
	// ModeFull is the default recursive decomposition.
	ModeFull Mode = "full"
	// ModeCompact limits decomposition to a single level of subtasks.
	ModeCompact Mode = "compact"
	// ModeSemantic decomposes along sentence and clause boundaries.
	ModeSemantic Mode = "semantic"
	// ModeResearch uses the full depth budget and adds a verification
	// sibling for every leaf.
	ModeResearch Mode = "research"
)

// Valid returns true if the mode is a known value.
func (m Mode) Valid() bool {
	switch m {
	case ModeFull, ModeCompact, ModeSemantic, ModeResearch:
		return true
	default:
		return false
	}
}

// Effort is the requested effort level on a query. Unlike EffortTier it
// may be EffortAuto, which defers the decision to the classifier.
type Effort string

const (
	// EffortAuto lets the classifier pick a tier from query features.
	EffortAuto Effort = "auto"
	// EffortSimple requests the simple tier.
	EffortSimple Effort = "simple"
	// EffortModerate requests the moderate tier.
	EffortModerate Effort = "moderate"
	// EffortComplex requests the complex tier.
	EffortComplex Effort = "complex"
)

// Valid returns true if the effort is a known value.
func (e Effort) Valid() bool {
	switch e {
	case EffortAuto, EffortSimple, EffortModerate, EffortComplex:
		return true
	default:
		return false
	}
}

// Tier converts an explicit effort to its resolved tier. It returns
// false for EffortAuto and for unknown values.
func (e Effort) Tier() (EffortTier, bool) {
	switch e {
	case EffortSimple:
		return TierSimple, true
	case EffortModerate:
		return TierModerate, true
	case EffortComplex:
		return TierComplex, true
	default:
		return "", false
	}
}

// Query is the immutable input to a run. It is created once by the
// caller and only read afterwards; resume replays it from the
// checkpoint rather than trusting any live value.
type Query struct {
	// Raw is the original query text.
	Raw string `json:"raw"`
	// Mode is the requested decomposition strategy.
	Mode Mode `json:"mode"`
	// Effort is the requested effort level, possibly auto.
	Effort Effort `json:"effort"`
	// RunID uniquely identifies the run this query started.
	RunID string `json:"run_id"`
	// CreatedAt is when the query was accepted.
	CreatedAt time.Time `json:"created_at"`
}

// NewQuery builds a Query with a fresh run ID. Unset mode and effort
// default to full and auto.
func NewQuery(raw string, mode Mode, effort Effort) Query {
	if mode == "" {
		mode = ModeFull
	}
	if effort == "" {
		effort = EffortAuto
	}
	return Query{
		Raw:       raw,
		Mode:      mode,
		Effort:    effort,
		RunID:     uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
}
