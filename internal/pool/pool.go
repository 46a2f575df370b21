// Package pool runs a task graph to completion on a bounded set of
// workers. Leaves go to the executor with retry and backoff; inner
// nodes are synthesized in-process the moment their children are all
// terminal. The pool never mutates nodes directly: every transition
// goes through the graph so state stays consistent under concurrency.
package pool

import (
	"context"
	"fmt"
	"math"
	"time"

	"fathom/internal/aggregate"
	"fathom/internal/exec"
	"fathom/internal/graph"
	"fathom/pkg/models"
)

// Config tunes one run of the pool. The orchestrator fills it from the
// resolved tier budget and the pool section of the config file.
type Config struct {
	// MaxParallel is the number of concurrent executor calls.
	MaxParallel int
	// MaxAttempts is the per-node attempt budget.
	MaxAttempts int
	// AttemptTimeout bounds one executor call; zero means unbounded.
	AttemptTimeout time.Duration
	// RetryBaseDelay is the first backoff step; zero disables waiting
	// between attempts.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration
	// GracePeriod is how long in-flight workers may keep running after
	// the run context is cancelled before their contexts are cut.
	GracePeriod time.Duration

	// OnCheckpoint is called before newly unblocked nodes are
	// dispatched, whenever terminal transitions happened since the last
	// call. An error aborts the run: durability failed, so no further
	// work may start.
	OnCheckpoint func() error
	// OnReady observes node ids as they become ready, in path order.
	OnReady func(ids []string)
	// OnStart observes a node the moment a worker (or the synthesizer)
	// claims it.
	OnStart func(id string)
	// OnTerminal observes a copy of every node that reaches a terminal
	// state, including cascade and cancellation failures.
	OnTerminal func(node *models.TaskNode)

	// DebugLog receives scheduling decisions; nil discards them.
	DebugLog func(format string, args ...interface{})
}

// Pool executes graphs. It is stateless across runs; one Pool can be
// reused for sequential runs with the same executor and synthesis
// engine.
type Pool struct {
	executor exec.Executor
	engine   *aggregate.Engine
	cfg      Config
}

// completion carries a worker's finalized node back to the run loop. A
// non-nil err means the node could not be finalized, which is a state
// machine violation, not a task failure.
type completion struct {
	node *models.TaskNode
	err  error
}

// New creates a pool. Zero limits are lifted to the minimum that still
// makes progress.
func New(executor exec.Executor, engine *aggregate.Engine, cfg Config) *Pool {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.DebugLog == nil {
		cfg.DebugLog = func(string, ...interface{}) {}
	}
	if engine == nil {
		engine = aggregate.New(aggregate.Config{})
	}
	return &Pool{executor: executor, engine: engine, cfg: cfg}
}

// Run drives the graph until every node is terminal or the context is
// cancelled. On cancellation it stops dispatching, gives in-flight
// workers the grace period, fails whatever never ran with the
// cancelled reason, and returns the context error. Whatever happens,
// the graph is left fully terminal so aggregation can run on it.
func (p *Pool) Run(ctx context.Context, runID string, g *graph.TaskGraph) error {
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	completionCh := make(chan completion, g.Size())
	inflight := 0
	dirty := false
	cancelled := false

	ctxWatch := ctx.Done()
	var graceTimer *time.Timer
	var graceCh <-chan time.Time
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			ctxWatch = nil
			p.cfg.DebugLog("[pool] cancellation requested, %d in flight, grace %s", inflight, p.cfg.GracePeriod)
			if p.cfg.GracePeriod > 0 {
				graceTimer = time.NewTimer(p.cfg.GracePeriod)
				graceCh = graceTimer.C
			} else {
				workCancel()
			}
		}

		if !cancelled {
			if err := p.advance(g, &dirty); err != nil {
				workCancel()
				p.drain(completionCh, &inflight)
				return err
			}

			if inflight < p.cfg.MaxParallel {
				candidates := leafReady(g)
				if len(candidates) > 0 {
					if dirty && p.cfg.OnCheckpoint != nil {
						if err := p.cfg.OnCheckpoint(); err != nil {
							workCancel()
							p.drain(completionCh, &inflight)
							return fmt.Errorf("write-ahead checkpoint: %w", err)
						}
					}
					dirty = false
					for _, id := range candidates {
						if inflight >= p.cfg.MaxParallel {
							break
						}
						payload, ok := g.Claim(id)
						if !ok {
							continue
						}
						if p.cfg.OnStart != nil {
							p.cfg.OnStart(id)
						}
						p.cfg.DebugLog("[pool] dispatching node %s (%d/%d slots)", id, inflight+1, p.cfg.MaxParallel)
						inflight++
						go p.work(workCtx, runID, g, id, payload, completionCh)
					}
				}
			}
		}

		if inflight == 0 {
			if cancelled {
				for _, node := range g.FailRemaining(models.FailReasonCancelled) {
					p.emitTerminal(node)
				}
				p.cfg.DebugLog("[pool] run %s cancelled, graph closed out", runID)
				return ctx.Err()
			}
			if g.AllTerminal() {
				p.cfg.DebugLog("[pool] run %s drained", runID)
				return nil
			}
			if len(g.ReadyIDs()) == 0 {
				// A validated acyclic graph always promotes until it
				// drains; reaching this means the graph is corrupt.
				return fmt.Errorf("pool stalled: %v with nothing ready or in flight", g.Counts())
			}
			continue
		}

		select {
		case <-ctxWatch:
			ctxWatch = nil
		case <-graceCh:
			graceCh = nil
			p.cfg.DebugLog("[pool] grace period expired, cutting %d workers", inflight)
			workCancel()
		case c := <-completionCh:
			inflight--
			if c.err != nil {
				workCancel()
				p.drain(completionCh, &inflight)
				return c.err
			}
			p.emitTerminal(c.node)
			dirty = true
		}
	}
}

// advance drains the promotion/synthesis fixpoint: promote the pending
// frontier, emit cascade failures, synthesize any inner node whose
// children are all terminal, and repeat until synthesis stops
// producing new terminal states. Leaves are left in ready for dispatch.
func (p *Pool) advance(g *graph.TaskGraph, dirty *bool) error {
	for {
		ready, cascaded := g.PromoteReady()
		for _, node := range cascaded {
			*dirty = true
			p.emitTerminal(node)
		}
		if len(ready) > 0 && p.cfg.OnReady != nil {
			p.cfg.OnReady(ready)
		}

		synthesized := false
		for _, id := range ready {
			if !g.HasChildren(id) {
				continue
			}
			if err := p.synthesize(g, id); err != nil {
				return err
			}
			synthesized = true
			*dirty = true
		}
		if !synthesized {
			return nil
		}
	}
}

// synthesize finalizes an inner node from its children's terminal
// results. Inner nodes never reach the executor, so this is the only
// path that completes them during a run.
func (p *Pool) synthesize(g *graph.TaskGraph, id string) error {
	payload, ok := g.Claim(id)
	if !ok {
		return fmt.Errorf("synthesize node %s: not ready", id)
	}
	if p.cfg.OnStart != nil {
		p.cfg.OnStart(id)
	}

	childNodes := g.ChildNodes(id)
	children := make([]aggregate.Child, 0, len(childNodes))
	for _, c := range childNodes {
		child := aggregate.Child{ID: c.ID, State: c.State}
		if c.Result != nil {
			child.Content = c.Result.Content
			child.Confidence = c.Result.Confidence
		}
		children = append(children, child)
	}

	result, state := p.engine.Synthesize(payload, children)
	var node *models.TaskNode
	var err error
	if state == models.NodeFailed {
		node, err = g.Finalize(id, models.NodeFailed, nil, "all children failed")
	} else {
		node, err = g.Finalize(id, state, result, "")
	}
	if err != nil {
		return fmt.Errorf("finalize synthesized node %s: %w", id, err)
	}
	p.cfg.DebugLog("[pool] synthesized node %s -> %s", id, state)
	p.emitTerminal(node)
	return nil
}

// work executes one leaf until it lands in a terminal state, then
// reports the finalized node. The best partial result seen across
// failed attempts is kept: exhausting retries with something usable
// degrades the node instead of failing it.
func (p *Pool) work(ctx context.Context, runID string, g *graph.TaskGraph, id, payload string, completionCh chan<- completion) {
	var best *exec.Result
	var reason string

	for {
		attempt := g.RecordAttempt(id)
		res, err := p.execute(ctx, exec.Request{RunID: runID, NodeID: id, Payload: payload, Attempt: attempt})
		if err == nil {
			p.cfg.DebugLog("[pool] node %s done on attempt %d (confidence %.2f)", id, attempt, res.Confidence)
			p.finish(g, completionCh, id, models.NodeDone, &models.Result{Content: res.Content, Confidence: res.Confidence}, "")
			return
		}
		if res != nil && (best == nil || res.Confidence > best.Confidence) {
			best = res
		}

		if exec.IsPermanent(err) {
			p.cfg.DebugLog("[pool] node %s failed permanently: %v", id, err)
			reason = err.Error()
			break
		}
		if ctx.Err() != nil {
			reason = models.FailReasonCancelled
			break
		}
		if attempt >= p.cfg.MaxAttempts {
			p.cfg.DebugLog("[pool] node %s exhausted %d attempts: %v", id, attempt, err)
			reason = fmt.Sprintf("%d attempts failed: %v", attempt, err)
			break
		}

		delay := p.backoff(attempt)
		p.cfg.DebugLog("[pool] node %s attempt %d failed, retrying in %s: %v", id, attempt, delay, err)
		if delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			reason = models.FailReasonCancelled
			break
		}
	}

	if best != nil {
		p.finish(g, completionCh, id, models.NodeDegraded, &models.Result{Content: best.Content, Confidence: best.Confidence}, "")
		return
	}
	p.finish(g, completionCh, id, models.NodeFailed, nil, reason)
}

// finish finalizes the node and reports it to the run loop.
func (p *Pool) finish(g *graph.TaskGraph, completionCh chan<- completion, id string, state models.NodeState, result *models.Result, reason string) {
	node, err := g.Finalize(id, state, result, reason)
	completionCh <- completion{node: node, err: err}
}

// execute wraps one executor call in the per-attempt timeout.
func (p *Pool) execute(ctx context.Context, req exec.Request) (*exec.Result, error) {
	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
	}
	return p.executor.Execute(ctx, req)
}

// backoff returns the wait before the next attempt: the base delay
// doubled per completed attempt, capped at the configured maximum.
func (p *Pool) backoff(attempt int) time.Duration {
	if p.cfg.RetryBaseDelay <= 0 {
		return 0
	}
	delay := time.Duration(float64(p.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1)))
	if p.cfg.RetryMaxDelay > 0 && delay > p.cfg.RetryMaxDelay {
		return p.cfg.RetryMaxDelay
	}
	return delay
}

// drain consumes outstanding completions after the workers were cut so
// none block on the channel and every finalized node is still observed.
func (p *Pool) drain(completionCh <-chan completion, inflight *int) {
	for *inflight > 0 {
		c := <-completionCh
		*inflight--
		if c.err == nil {
			p.emitTerminal(c.node)
		}
	}
}

func (p *Pool) emitTerminal(node *models.TaskNode) {
	if p.cfg.OnTerminal != nil && node != nil {
		p.cfg.OnTerminal(node)
	}
}

// leafReady returns ready nodes that have no children, in path order.
// Inner nodes in ready state are the synthesizer's, never a worker's.
func leafReady(g *graph.TaskGraph) []string {
	var out []string
	for _, id := range g.ReadyIDs() {
		if !g.HasChildren(id) {
			out = append(out, id)
		}
	}
	return out
}
