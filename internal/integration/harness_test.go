//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fathom/internal/checkpoint"
	"fathom/internal/config"
	"fathom/internal/exec"
)

// testConfig returns defaults tuned for fast tests: no retry backoff,
// a short drain grace, and a single checkpoint write attempt so store
// failures surface immediately.
func testConfig(dataDir string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Store.WriteRetries = 1
	cfg.Pool.RetryBaseDelay = 0
	cfg.Pool.GracePeriod = 200 * time.Millisecond
	return cfg
}

// openStore opens the store the config names, rooted at its data dir.
func openStore(t *testing.T, cfg *config.Config) checkpoint.Store {
	t.Helper()
	store, err := checkpoint.New(cfg.Store, cfg.DataDir)
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}
	return store
}

// countingExecutor wraps the real local executor, counting calls per
// node. Nodes matched by hold park until their context dies, which
// lets tests cancel a run with a worker provably in flight.
type countingExecutor struct {
	inner exec.Executor
	hold  func(nodeID string) bool

	mu    sync.Mutex
	calls map[string]int
}

func newCountingExecutor(t *testing.T, cfg *config.Config) *countingExecutor {
	t.Helper()
	inner, err := exec.New(cfg.Executor)
	if err != nil {
		t.Fatalf("exec.New: %v", err)
	}
	return &countingExecutor{inner: inner, calls: make(map[string]int)}
}

func (c *countingExecutor) Execute(ctx context.Context, req exec.Request) (*exec.Result, error) {
	c.mu.Lock()
	c.calls[req.NodeID]++
	c.mu.Unlock()

	if c.hold != nil && c.hold(req.NodeID) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.inner.Execute(ctx, req)
}

func (c *countingExecutor) callCount(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[nodeID]
}

func (c *countingExecutor) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

// flakySeqStore fails Put for one chosen sequence number until healed,
// while every other frame reaches the real store underneath.
type flakySeqStore struct {
	checkpoint.Store
	mu      sync.Mutex
	failSeq uint64
}

func (s *flakySeqStore) Put(ctx context.Context, snap *checkpoint.Snapshot) error {
	s.mu.Lock()
	failSeq := s.failSeq
	s.mu.Unlock()
	if failSeq != 0 && snap.Sequence == failSeq {
		return fmt.Errorf("simulated outage at sequence %d", snap.Sequence)
	}
	return s.Store.Put(ctx, snap)
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

// diamondQuery decomposes into two parallel leaves plus a dependent
// third under the moderate tier.
const diamondQuery = "compare alpha and compare beta, then recommend one"

// twoLeafQuery decomposes into two independent leaves.
const twoLeafQuery = "study alpha and study beta"
