package orchestrator

import (
	"fathom/internal/aggregate"
	"fathom/internal/checkpoint"
	"fathom/internal/classify"
	"fathom/internal/exec"

	"fathom/internal/config"
)

// RequiredConfig contains the minimal required configuration for an
// Orchestrator. All fields are required and have no defaults.
type RequiredConfig struct {
	// Config is the resolved application configuration.
	Config *config.Config
	// Store is the checkpoint store that makes runs resumable.
	Store checkpoint.Store
	// Executor resolves leaf payloads.
	Executor exec.Executor
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	classifier  *classify.Classifier
	engine      *aggregate.Engine
	logger      *DebugLogger
	eventBuffer int
}

// WithClassifier overrides the effort classifier built from the
// config's rules file.
func WithClassifier(c *classify.Classifier) Option {
	return func(o *orchestratorOptions) { o.classifier = c }
}

// WithEngine overrides the aggregation engine built from the config's
// aggregation section.
func WithEngine(e *aggregate.Engine) Option {
	return func(o *orchestratorOptions) { o.engine = e }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) { o.eventBuffer = n }
}
