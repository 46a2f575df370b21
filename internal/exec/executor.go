// Package exec provides the executors that resolve individual task
// payloads. The worker pool talks to a single Executor interface; the
// concrete backends are a deterministic local synthesizer, the
// Anthropic API (directly or through AWS Bedrock), and OpenAI-style
// chat completion endpoints.
package exec

import (
	"context"
	"errors"
)

// Request is the unit of work handed to an executor. Each call gets
// its own Request value, so executors never share mutable state
// between concurrent nodes.
type Request struct {
	// RunID identifies the run the node belongs to.
	RunID string
	// NodeID is the node being executed.
	NodeID string
	// Payload describes what to produce.
	Payload string
	// Attempt is the 1-based attempt number for this node.
	Attempt int
}

// Result is the executor's answer for one payload.
type Result struct {
	// Content is the produced text.
	Content string
	// Confidence is the executor's self-reported confidence in [0,1].
	Confidence float64
}

// Executor resolves one payload into content with a confidence score.
// Implementations must be safe for concurrent use: the pool calls
// Execute from every worker.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// PermanentError marks an error as not worth retrying; the pool fails
// the node immediately instead of burning the remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}
