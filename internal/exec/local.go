package exec

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

var _ Executor = (*Local)(nil)

// Local is the offline executor. It produces a deterministic sketch
// for every payload, so full runs, checkpoints, resumes, and
// aggregation can be exercised without network access or API keys.
type Local struct{}

// NewLocal creates the offline executor.
func NewLocal() *Local {
	return &Local{}
}

// Execute answers a payload from the payload alone. Identical payloads
// always produce identical results.
func (l *Local) Execute(_ context.Context, req Request) (*Result, error) {
	payload := strings.TrimSpace(req.Payload)
	if payload == "" {
		return nil, Permanent(errors.New("empty payload"))
	}
	return &Result{
		Content:    "Local result for: " + payload,
		Confidence: localConfidence(payload),
	}, nil
}

// localConfidence scores shorter, more atomic payloads higher. The
// range is [0.65, 0.95].
func localConfidence(payload string) float64 {
	n := utf8.RuneCountInString(payload)
	if n > 150 {
		n = 150
	}
	return 0.95 - 0.002*float64(n)
}
