package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"fathom/internal/checkpoint"
	"fathom/internal/config"
	"fathom/internal/control"
	"fathom/internal/exec"
	"fathom/pkg/models"
)

// ManagerConfig contains the collaborators shared by every run.
type ManagerConfig struct {
	// Config is the resolved application configuration.
	Config *config.Config
	// Store is the checkpoint store shared by all runs.
	Store checkpoint.Store
	// Executor resolves leaf payloads.
	Executor exec.Executor
	// Control optionally delivers out-of-band cancel signals; nil
	// disables the watcher.
	Control *control.Manager
	// Logger is shared by all runs' debug logging.
	Logger *DebugLogger
}

// runHandle tracks one submitted run.
type runHandle struct {
	orch   *Orchestrator
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	answer *models.AggregatedAnswer
	err    error
}

func (h *runHandle) finish(answer *models.AggregatedAnswer, err error) {
	h.mu.Lock()
	h.answer, h.err = answer, err
	h.mu.Unlock()
	close(h.done)
}

func (h *runHandle) result() (*models.AggregatedAnswer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.answer, h.err
}

func (h *runHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Manager owns the run registry: run id to handle, one orchestrator
// per run, events aggregated onto a single channel. Callers construct
// a Manager and pass it around explicitly; there is no process-wide
// registry.
type Manager struct {
	cfg ManagerConfig

	// runs tracks submitted runs by run id. Finished handles stay
	// registered so Wait works after completion.
	runs    map[string]*runHandle
	stopped bool
	mu      sync.RWMutex

	// events aggregates events from all runs
	events chan Event

	// ctx and cancel for manager lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks run, forwarder, and signal watcher goroutines
	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:    cfg,
		runs:   make(map[string]*runHandle),
		events: make(chan Event, 100),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit starts a fresh run for the query text and returns its run id.
// The run proceeds in the background; use Wait for the answer.
func (m *Manager) Submit(text string, mode models.Mode, effort models.Effort) (string, error) {
	query := models.NewQuery(text, mode, effort)

	orch, err := m.newOrchestrator()
	if err != nil {
		return "", err
	}
	return m.launch(query.RunID, orch, func(ctx context.Context) (*models.AggregatedAnswer, error) {
		return orch.Run(ctx, query)
	})
}

// Resume restarts a checkpointed run and returns its run id (the same
// id that was submitted originally).
func (m *Manager) Resume(runID string) (string, error) {
	orch, err := m.newOrchestrator()
	if err != nil {
		return "", err
	}
	return m.launch(runID, orch, func(ctx context.Context) (*models.AggregatedAnswer, error) {
		return orch.Resume(ctx, runID)
	})
}

func (m *Manager) newOrchestrator() (*Orchestrator, error) {
	return New(RequiredConfig{
		Config:   m.cfg.Config,
		Store:    m.cfg.Store,
		Executor: m.cfg.Executor,
	}, WithLogger(m.cfg.Logger))
}

// launch registers the run and starts its goroutines.
func (m *Manager) launch(runID string, orch *Orchestrator, run func(context.Context) (*models.AggregatedAnswer, error)) (string, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", fmt.Errorf("manager has been stopped")
	}
	if _, exists := m.runs[runID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("run %s is already registered", runID)
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	h := &runHandle{orch: orch, cancel: cancel, done: make(chan struct{})}
	m.runs[runID] = h

	m.wg.Add(2)
	if m.cfg.Control != nil {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	go m.forwardEvents(orch)

	if m.cfg.Control != nil {
		go m.watchControl(runCtx, runID, cancel)
	}

	go func() {
		defer m.wg.Done()
		defer cancel()

		answer, err := run(runCtx)
		if err != nil {
			log.Printf("[manager] run %s finished with error: %v", runID, err)
		}
		h.finish(answer, err)

		// Closes the run's event channel so its forwarder drains out.
		_ = orch.Stop()
	}()

	return runID, nil
}

// forwardEvents forwards events from one run to the manager's channel.
func (m *Manager) forwardEvents(orch *Orchestrator) {
	defer m.wg.Done()
	for event := range orch.Events() {
		select {
		case m.events <- event:
		case <-m.ctx.Done():
			return
		}
	}
}

// watchControl cancels the run when its out-of-band cancel signal
// appears. The signal is consumed so a later resume of the same run id
// is not cancelled on arrival.
func (m *Manager) watchControl(ctx context.Context, runID string, cancel context.CancelFunc) {
	defer m.wg.Done()
	if err := m.cfg.Control.WaitForCancel(ctx, runID); err != nil {
		return
	}
	log.Printf("[manager] run %s: cancel signal received", runID)
	m.cfg.Control.Clear(runID)
	cancel()
}

// Events returns the channel for receiving aggregated events from all runs.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Get returns the orchestrator for a registered run.
func (m *Manager) Get(runID string) (*Orchestrator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.runs[runID]
	if !ok {
		return nil, false
	}
	return h.orch, true
}

// Cancel aborts a registered run. Cancelling a finished run is a no-op.
func (m *Manager) Cancel(runID string) error {
	m.mu.RLock()
	h, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	h.cancel()
	return nil
}

// Wait blocks until the run finishes and returns its answer. The
// answer can be non-nil alongside a cancellation error.
func (m *Manager) Wait(ctx context.Context, runID string) (*models.AggregatedAnswer, error) {
	m.mu.RLock()
	h, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	select {
	case <-h.done:
		return h.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Count returns the number of runs still in flight.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, h := range m.runs {
		if !h.finished() {
			n++
		}
	}
	return n
}

// DroppedEventCount returns the total dropped events across all runs.
func (m *Manager) DroppedEventCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total uint64
	for _, h := range m.runs {
		total += h.orch.DroppedEventCount()
	}
	return total
}

// Stop cancels all runs, waits for them to unwind, and closes the
// event channel. Safe to call more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	handles := make([]*runHandle, 0, len(m.runs))
	for _, h := range m.runs {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	m.cancel()
	for _, h := range handles {
		h.cancel()
		_ = h.orch.Stop()
	}

	m.wg.Wait()
	close(m.events)

	return nil
}
