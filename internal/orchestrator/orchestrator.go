package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fathom/internal/aggregate"
	"fathom/internal/checkpoint"
	"fathom/internal/classify"
	"fathom/internal/config"
	"fathom/internal/exec"
	"fathom/internal/graph"
	"fathom/internal/pool"
	"fathom/pkg/models"
)

var (
	// ErrCancelled marks a run that was aborted by its context, the
	// run timeout, or an out-of-band signal. The returned answer is
	// still usable; it just covers whatever finished in time.
	ErrCancelled = errors.New("orchestrator: run cancelled")
	// ErrCrashed marks a run that lost checkpoint durability and
	// stopped rather than continue without it.
	ErrCrashed = errors.New("orchestrator: run crashed")
	// ErrNoCheckpoint means resume found nothing usable for the run id.
	ErrNoCheckpoint = errors.New("orchestrator: no recoverable checkpoint")
)

// checkpointRetryDelay spaces the bounded retries of a failed
// checkpoint write.
const checkpointRetryDelay = 200 * time.Millisecond

// Orchestrator drives one run at a time through the run state machine.
// Construct one per run; the Manager does exactly that.
type Orchestrator struct {
	cfg        *config.Config
	store      checkpoint.Store
	executor   exec.Executor
	classifier *classify.Classifier
	engine     *aggregate.Engine
	logger     *DebugLogger

	mu      sync.Mutex
	state   models.RunState
	runID   string
	active  bool
	stopped bool

	stopCh  chan struct{}
	events  chan Event
	dropped uint64
	wg      sync.WaitGroup
}

// New wires an orchestrator from the resolved config. The classifier
// and the aggregation engine are built from their config sections
// unless overridden with options.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Config == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	if req.Store == nil {
		return nil, fmt.Errorf("orchestrator: checkpoint store is required")
	}
	if req.Executor == nil {
		return nil, fmt.Errorf("orchestrator: executor is required")
	}

	var o orchestratorOptions
	for _, opt := range opts {
		opt(&o)
	}

	classifier := o.classifier
	if classifier == nil {
		if path := req.Config.Classifier.RulesFile; path != "" {
			rules, err := classify.LoadRules(path)
			if err != nil {
				return nil, fmt.Errorf("load classifier rules: %w", err)
			}
			classifier = classify.New(rules)
		} else {
			classifier = classify.NewDefault()
		}
	}

	engine := o.engine
	if engine == nil {
		engine = aggregate.New(aggregate.Config{
			DecayFactor:     req.Config.Aggregation.DecayFactor,
			DegradedPenalty: req.Config.Aggregation.DegradedPenalty,
			FailureFloor:    req.Config.Aggregation.FailureFloor,
			FailureFraction: req.Config.Aggregation.FailureFraction,
		})
	}

	logger := o.logger
	if logger == nil {
		logger = NopLogger()
	}
	setPackageLogger(logger)

	buffer := o.eventBuffer
	if buffer <= 0 {
		buffer = 100
	}

	return &Orchestrator{
		cfg:        req.Config,
		store:      req.Store,
		executor:   req.Executor,
		classifier: classifier,
		engine:     engine,
		logger:     logger,
		state:      models.RunInitializing,
		stopCh:     make(chan struct{}),
		events:     make(chan Event, buffer),
	}, nil
}

// Run executes a fresh query end to end:
//  1. Classify effort (an explicit effort on the query wins)
//  2. Build the task graph within the tier's limits
//  3. Persist the pre-dispatch checkpoint
//  4. Drain the graph through the worker pool, checkpointing completed
//     waves before their dependents dispatch
//  5. Aggregate, persist the final checkpoint, return the answer
//
// Completed and cancelled runs return an answer; a crashed run returns
// only the error.
func (o *Orchestrator) Run(ctx context.Context, query models.Query) (*models.AggregatedAnswer, error) {
	if err := o.begin(query.RunID); err != nil {
		return nil, err
	}
	defer o.end()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.watchStop(ctx, cancel)

	o.setState(models.RunClassifying)
	sel := o.classifier.Explain(query)
	tierCfg := o.cfg.Tiers.Get(sel.Tier)
	debugLog("[orchestrator] run %s classified %s (%s)", query.RunID, sel.Tier, sel.Reason)

	g, err := graph.Build(query, graph.Limits{MaxDepth: tierCfg.MaxDepth, MaxWidth: tierCfg.MaxWidth})
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	g.SetDebugLog(debugLog)
	o.setState(models.RunGraphBuilt)
	o.emit(Event{Type: EventRunStarted, RunID: query.RunID, Tier: sel.Tier, Message: sel.Reason})
	debugLog("[orchestrator] run %s graph built, %d nodes", query.RunID, g.Size())

	return o.execute(ctx, query, sel.Tier, tierCfg, g, 0)
}

// Resume rebuilds a run from its latest checkpoint and drives it to
// completion. Terminal nodes are never re-dispatched; nodes that were
// in flight when the snapshot was taken were serialized as ready and
// simply run again. Tier and mode come from the snapshot, so resume
// never re-classifies.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*models.AggregatedAnswer, error) {
	snap, err := o.store.GetLatest(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w for run %s", ErrNoCheckpoint, runID)
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if err := o.begin(runID); err != nil {
		return nil, err
	}
	defer o.end()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.watchStop(ctx, cancel)

	g, err := graph.FromNodes(snap.Nodes)
	if err != nil {
		return nil, fmt.Errorf("%w: rebuild graph for run %s: %v", ErrNoCheckpoint, runID, err)
	}
	g.SetDebugLog(debugLog)

	// Walk the state machine up to where the snapshot left off. The
	// classification is replayed from the snapshot, not recomputed.
	o.setState(models.RunClassifying)
	o.setState(models.RunGraphBuilt)
	o.emit(Event{
		Type:     EventRunResumed,
		RunID:    runID,
		Tier:     snap.Tier,
		Sequence: snap.Sequence,
		Message:  fmt.Sprintf("resumed from checkpoint %d", snap.Sequence),
	})
	debugLog("[orchestrator] run %s resumed from checkpoint %d (was %s)", runID, snap.Sequence, snap.RunState)

	tierCfg := o.cfg.Tiers.Get(snap.Tier)
	return o.execute(ctx, snap.Query, snap.Tier, tierCfg, g, snap.Sequence)
}

// execute drains the graph, aggregates, and writes the final
// checkpoint. seq is the sequence of the last durable frame: fresh
// runs pass 0 and get their pre-dispatch frame here, resumed runs pass
// the loaded frame's sequence so numbering continues.
func (o *Orchestrator) execute(ctx context.Context, query models.Query, tier models.EffortTier, tierCfg *config.TierConfig, g *graph.TaskGraph, seq uint64) (*models.AggregatedAnswer, error) {
	runID := query.RunID

	if seq == 0 {
		o.setState(models.RunCheckpointing)
		if err := o.writeCheckpoint(ctx, &seq, models.RunGraphBuilt, query, tier, g); err != nil {
			return o.crash(runID, err)
		}
	}

	if tierCfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tierCfg.RunTimeout)
		defer cancel()
	}

	o.setState(models.RunScheduling)
	p := pool.New(o.executor, o.engine, pool.Config{
		MaxParallel:    tierCfg.MaxParallel,
		MaxAttempts:    tierCfg.MaxAttempts,
		AttemptTimeout: tierCfg.AttemptTimeout,
		RetryBaseDelay: o.cfg.Pool.RetryBaseDelay,
		RetryMaxDelay:  o.cfg.Pool.RetryMaxDelay,
		GracePeriod:    o.cfg.Pool.GracePeriod,
		OnCheckpoint: func() error {
			o.setState(models.RunCheckpointing)
			if err := o.writeCheckpoint(ctx, &seq, models.RunScheduling, query, tier, g); err != nil {
				return err
			}
			o.setState(models.RunScheduling)
			return nil
		},
		OnReady: func(ids []string) {
			for _, id := range ids {
				o.emit(Event{Type: EventNodeQueued, RunID: runID, NodeID: id, NodeState: models.NodeReady})
			}
		},
		OnStart: func(id string) {
			o.emit(Event{Type: EventNodeStarted, RunID: runID, NodeID: id, NodeState: models.NodeRunning})
		},
		OnTerminal: func(node *models.TaskNode) {
			o.emit(nodeEvent(runID, node))
		},
		DebugLog: debugLog,
	})

	runErr := p.Run(ctx, runID, g)
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		return o.cancelOut(query, tier, g, &seq, runErr)
	default:
		return o.crash(runID, runErr)
	}

	o.setState(models.RunAggregating)
	answer := o.engine.Aggregate(runID, g)

	// The final frame records the state the run ends in. It gets a
	// fresh context so a caller cancel that lands after the pool
	// drained cannot block the completed frame.
	if err := o.writeCheckpoint(context.Background(), &seq, models.RunCompleted, query, tier, g); err != nil {
		o.setState(models.RunCrashed)
		o.emit(Event{Type: EventRunCrashed, RunID: runID, Err: err})
		debugLog("[orchestrator] run %s crashed on final checkpoint: %v", runID, err)
		return answer, fmt.Errorf("%w: final checkpoint: %w", ErrCrashed, err)
	}
	o.setState(models.RunCompleted)
	o.emit(Event{Type: EventRunCompleted, RunID: runID, Confidence: answer.OverallConfidence})
	debugLog("[orchestrator] run %s completed, confidence %.3f", runID, answer.OverallConfidence)
	return answer, nil
}

// cancelOut closes out a cancelled or timed-out run. The pool left the
// graph fully terminal, so aggregation still salvages whatever
// finished before the cut.
func (o *Orchestrator) cancelOut(query models.Query, tier models.EffortTier, g *graph.TaskGraph, seq *uint64, cause error) (*models.AggregatedAnswer, error) {
	runID := query.RunID
	o.setState(models.RunCancelled)
	answer := o.engine.Aggregate(runID, g)

	// The run context is already dead on this path; the final frame
	// gets its own.
	if err := o.writeCheckpoint(context.Background(), seq, models.RunCancelled, query, tier, g); err != nil {
		debugLog("[orchestrator] run %s cancelled frame not durable: %v", runID, err)
	}
	o.emit(Event{Type: EventRunCancelled, RunID: runID, Confidence: answer.OverallConfidence, Err: cause})
	debugLog("[orchestrator] run %s cancelled (%v), salvaged confidence %.3f", runID, cause, answer.OverallConfidence)
	return answer, fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// crash marks the run crashed. No answer is returned: without
// durability the partial graph cannot be trusted to resume, and the
// caller is told so instead of getting a silently unreliable result.
func (o *Orchestrator) crash(runID string, cause error) (*models.AggregatedAnswer, error) {
	o.setState(models.RunCrashed)
	o.emit(Event{Type: EventRunCrashed, RunID: runID, Err: cause})
	debugLog("[orchestrator] run %s crashed: %v", runID, cause)
	return nil, fmt.Errorf("%w: %w", ErrCrashed, cause)
}

// writeCheckpoint makes the graph durable as frame *seq+1, retrying a
// bounded number of times before giving up. On success the sequence
// counter is advanced and the frame is announced.
func (o *Orchestrator) writeCheckpoint(ctx context.Context, seq *uint64, state models.RunState, query models.Query, tier models.EffortTier, g *graph.TaskGraph) error {
	next := *seq + 1
	snap := checkpoint.NewSnapshot(query.RunID, next, state, query, tier, g.Export())

	attempts := o.cfg.Store.WriteRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = o.store.Put(ctx, snap); err == nil {
			*seq = next
			o.emit(Event{Type: EventCheckpointWritten, RunID: query.RunID, Sequence: next})
			debugLog("[orchestrator] run %s checkpoint %d written (%s)", query.RunID, next, state)
			return nil
		}
		debugLog("[orchestrator] run %s checkpoint %d attempt %d/%d failed: %v", query.RunID, next, attempt, attempts, err)
		if attempt < attempts {
			time.Sleep(checkpointRetryDelay)
		}
	}
	return fmt.Errorf("checkpoint %d: %w", next, err)
}

// begin claims the orchestrator for one run.
func (o *Orchestrator) begin(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return fmt.Errorf("orchestrator has been stopped")
	}
	if o.active {
		return fmt.Errorf("orchestrator already has run %s in flight", o.runID)
	}
	o.active = true
	o.runID = runID
	o.state = models.RunInitializing
	o.wg.Add(1)
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.active = false
	o.mu.Unlock()
	o.wg.Done()
}

// watchStop cancels the run context when Stop is called.
func (o *Orchestrator) watchStop(ctx context.Context, cancel context.CancelFunc) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-o.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
}

// setState advances the run state machine. Transitions the lifecycle
// does not allow are refused, which keeps terminal states sticky.
func (o *Orchestrator) setState(next models.RunState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == next {
		return
	}
	if !o.state.CanTransition(next) {
		debugLog("[orchestrator] refusing state transition %s -> %s", o.state, next)
		return
	}
	o.state = next
}

// State returns the current run state.
func (o *Orchestrator) State() models.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// RunID returns the id of the current (or last) run.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// Events returns a read-only channel of orchestrator events.
// This is used by the TUI and the run manager to receive updates.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// DroppedEventCount returns how many events were dropped because the
// channel was full.
func (o *Orchestrator) DroppedEventCount() uint64 {
	return atomic.LoadUint64(&o.dropped)
}

// Stop aborts any in-flight run, waits for it to unwind, and closes
// the event channel. Safe to call more than once.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	close(o.stopCh)
	o.wg.Wait()
	close(o.events)
	return nil
}

// emit sends an event without blocking; a full channel drops the event
// and counts the drop.
func (o *Orchestrator) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case o.events <- ev:
	default:
		atomic.AddUint64(&o.dropped, 1)
	}
}

// nodeEvent maps a terminal node to its event. Confidence comes from
// the node's result when one survived.
func nodeEvent(runID string, node *models.TaskNode) Event {
	ev := Event{
		RunID:     runID,
		NodeID:    node.ID,
		NodeState: node.State,
		Message:   node.FailReason,
	}
	if node.Result != nil {
		ev.Confidence = node.Result.Confidence
	}
	switch node.State {
	case models.NodeDone:
		ev.Type = EventNodeCompleted
	case models.NodeDegraded:
		ev.Type = EventNodeDegraded
	default:
		ev.Type = EventNodeFailed
	}
	return ev
}
