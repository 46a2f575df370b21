// Package aggregate merges a finished task graph into the run's final
// answer and propagates confidence bottom-up. Everything here is a
// pure function of its inputs: the same terminal graph always yields a
// byte-identical answer, which is what lets a resumed run converge on
// the answer the original run would have produced.
package aggregate

import (
	"strings"

	"fathom/internal/graph"
	"fathom/pkg/models"
)

// Config holds the confidence propagation parameters.
type Config struct {
	// DecayFactor attenuates confidence once per decomposition level.
	DecayFactor float64
	// DegradedPenalty scales a degraded child's confidence before it
	// enters the parent combination.
	DegradedPenalty float64
	// FailureFloor caps a node's confidence when more than
	// FailureFraction of its direct children failed.
	FailureFloor float64
	// FailureFraction is the failed-children fraction that triggers
	// the floor.
	FailureFraction float64
}

// DefaultConfig returns the standard propagation parameters.
func DefaultConfig() Config {
	return Config{
		DecayFactor:     0.9,
		DegradedPenalty: 0.75,
		FailureFloor:    0.1,
		FailureFraction: 0.5,
	}
}

// Engine combines node results according to a Config.
type Engine struct {
	cfg Config
}

// New creates an Engine. Zero-valued parameters fall back to the
// defaults so an empty Config is usable.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DecayFactor <= 0 {
		cfg.DecayFactor = def.DecayFactor
	}
	if cfg.DegradedPenalty <= 0 {
		cfg.DegradedPenalty = def.DegradedPenalty
	}
	if cfg.FailureFloor <= 0 {
		cfg.FailureFloor = def.FailureFloor
	}
	if cfg.FailureFraction <= 0 {
		cfg.FailureFraction = def.FailureFraction
	}
	return &Engine{cfg: cfg}
}

// Child is one direct child's terminal contribution to a synthesis.
type Child struct {
	// ID is the child's node ID.
	ID string
	// State is the child's terminal state; anything non-terminal
	// counts as failed.
	State models.NodeState
	// Content is the child's result text, empty for failed children.
	Content string
	// Confidence is the child's result confidence, 0 for failed children.
	Confidence float64
}

// Synthesize combines terminal children into their parent's result.
//
// Confidence is the mean of the children's effective confidences,
// attenuated once by the decay factor: done children enter at their
// own confidence, degraded children enter scaled by the degraded
// penalty, and failed children enter at zero while still counting in
// the mean, so every additional failure lowers the parent. When more
// than FailureFraction of the children failed the result is capped at
// the failure floor and the parent itself counts as degraded. A parent
// with no surviving children fails.
func (e *Engine) Synthesize(payload string, children []Child) (*models.Result, models.NodeState) {
	if len(children) == 0 {
		return nil, models.NodeFailed
	}

	failed := 0
	sum := 0.0
	var sections []section
	for _, child := range children {
		switch child.State {
		case models.NodeDone:
			sum += clamp01(child.Confidence)
			sections = append(sections, section{text: child.Content})
		case models.NodeDegraded:
			sum += clamp01(child.Confidence) * e.cfg.DegradedPenalty
			sections = append(sections, section{text: child.Content, degraded: true})
		default:
			failed++
		}
	}

	if failed == len(children) {
		return nil, models.NodeFailed
	}

	confidence := e.cfg.DecayFactor * (sum / float64(len(children)))
	state := models.NodeDone
	if float64(failed)/float64(len(children)) > e.cfg.FailureFraction {
		if e.cfg.FailureFloor < confidence {
			confidence = e.cfg.FailureFloor
		}
		state = models.NodeDegraded
	}

	return &models.Result{
		Content:    renderSections(payload, sections),
		Confidence: confidence,
	}, state
}

// Aggregate merges a finished graph into the final answer. It is
// total: nodes short of a terminal state (possible when a cancelled
// run left stragglers) count as failed, and a failed root still yields
// an answer, just one with zero confidence.
//
// Inner results are recomputed from the leaves up with Synthesize
// rather than read back, so the answer depends only on leaf outcomes
// and graph shape.
func (e *Engine) Aggregate(runID string, g *graph.TaskGraph) *models.AggregatedAnswer {
	nodes := g.Export()
	byID := make(map[string]*models.TaskNode, len(nodes))
	childIDs := make(map[string][]string)
	for _, node := range nodes {
		byID[node.ID] = node
		if node.ParentID != "" {
			childIDs[node.ParentID] = append(childIDs[node.ParentID], node.ID)
		}
	}
	for id := range childIDs {
		graph.SortPathIDs(childIDs[id])
	}

	var degraded, failedIDs []string
	record := func(c Child) {
		switch c.State {
		case models.NodeDegraded:
			degraded = append(degraded, c.ID)
		case models.NodeFailed:
			failedIDs = append(failedIDs, c.ID)
		}
	}

	var eval func(id string) Child
	eval = func(id string) Child {
		node := byID[id]
		kids := childIDs[id]

		if len(kids) == 0 {
			c := Child{ID: id, State: models.NodeFailed}
			if node.State.Contributes() && node.Result != nil {
				c.State = node.State
				c.Content = node.Result.Content
				c.Confidence = clamp01(node.Result.Confidence)
			}
			record(c)
			return c
		}

		children := make([]Child, 0, len(kids))
		for _, kid := range kids {
			children = append(children, eval(kid))
		}
		result, state := e.Synthesize(node.Payload, children)
		c := Child{ID: id, State: state}
		if result != nil {
			c.Content = result.Content
			c.Confidence = result.Confidence
		}
		record(c)
		return c
	}

	root := eval(g.Root())
	graph.SortPathIDs(degraded)
	graph.SortPathIDs(failedIDs)

	answer := &models.AggregatedAnswer{
		RunID:           runID,
		DegradedNodeIDs: degraded,
		FailedNodeIDs:   failedIDs,
	}
	if root.State == models.NodeFailed {
		answer.FinalText = "No usable answer: every decomposition path failed before producing a result."
		answer.OverallConfidence = 0
		return answer
	}
	answer.FinalText = root.Content
	answer.OverallConfidence = root.Confidence
	return answer
}

// section is one child's slot in a merged answer.
type section struct {
	text     string
	degraded bool
}

// renderSections merges child content under the parent's payload in
// child order. Degraded sections carry a marker so readers can spot
// reduced-confidence material.
func renderSections(payload string, sections []section) string {
	var b strings.Builder
	b.WriteString(payload)
	for _, s := range sections {
		b.WriteString("\n\n")
		if s.degraded {
			b.WriteString("[low confidence] ")
		}
		b.WriteString(s.text)
	}
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
