package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"fathom/internal/aggregate"
	"fathom/internal/exec"
	"fathom/internal/graph"
	"fathom/pkg/models"
)

// fakeExecutor counts calls per node and can be steered per request.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   map[string]int
	active  int
	peak    int
	gate    chan struct{}
	respond func(req exec.Request) (*exec.Result, error)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{calls: make(map[string]int)}
}

func (f *fakeExecutor) Execute(ctx context.Context, req exec.Request) (*exec.Result, error) {
	f.mu.Lock()
	f.calls[req.NodeID]++
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	gate := f.gate
	respond := f.respond
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if respond != nil {
		return respond(req)
	}
	return &exec.Result{Content: "answer: " + req.Payload, Confidence: 0.9}, nil
}

func (f *fakeExecutor) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeExecutor) maxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// recorder collects hook events in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) index(s string) int {
	for i, e := range r.all() {
		if e == s {
			return i
		}
	}
	return -1
}

func (r *recorder) countOf(s string) int {
	n := 0
	for _, e := range r.all() {
		if e == s {
			n++
		}
	}
	return n
}

func (r *recorder) hook(cfg Config) Config {
	cfg.OnStart = func(id string) { r.add("start " + id) }
	cfg.OnTerminal = func(n *models.TaskNode) { r.add(fmt.Sprintf("%s %s", n.State, n.ID)) }
	if cfg.OnCheckpoint == nil {
		cfg.OnCheckpoint = func() error { r.add("checkpoint"); return nil }
	}
	return cfg
}

func testNode(id, parent string, deps ...string) *models.TaskNode {
	return &models.TaskNode{
		ID:        id,
		ParentID:  parent,
		DependsOn: deps,
		Payload:   "task " + id,
		State:     models.NodePending,
	}
}

func mustGraph(t *testing.T, nodes ...*models.TaskNode) *graph.TaskGraph {
	t.Helper()
	g, err := graph.FromNodes(nodes)
	if err != nil {
		t.Fatalf("FromNodes() error: %v", err)
	}
	return g
}

// diamondGraph is a root with two independent leaves and a third leaf
// that depends on both.
func diamondGraph(t *testing.T) *graph.TaskGraph {
	t.Helper()
	return mustGraph(t,
		testNode("root", ""),
		testNode("root/1", "root"),
		testNode("root/2", "root"),
		testNode("root/3", "root", "root/1", "root/2"),
	)
}

func nodeState(t *testing.T, g *graph.TaskGraph, id string) *models.TaskNode {
	t.Helper()
	node := g.Node(id)
	if node == nil {
		t.Fatalf("node %s missing from graph", id)
	}
	return node
}

func TestRun_DrainsGraphAndSynthesizesRoot(t *testing.T) {
	fake := newFakeExecutor()
	rec := &recorder{}
	g := diamondGraph(t)

	p := New(fake, aggregate.New(aggregate.Config{}), rec.hook(Config{MaxParallel: 2, MaxAttempts: 2}))
	if err := p.Run(context.Background(), "run-1", g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if !g.AllTerminal() {
		t.Fatalf("graph not drained: %v", g.Counts())
	}
	for _, id := range []string{"root/1", "root/2", "root/3"} {
		if got := fake.count(id); got != 1 {
			t.Errorf("executor ran %s %d times, want 1", id, got)
		}
		if state := nodeState(t, g, id).State; state != models.NodeDone {
			t.Errorf("node %s = %s, want done", id, state)
		}
	}
	if got := fake.count("root"); got != 0 {
		t.Errorf("executor ran the inner root %d times, want 0", got)
	}

	root := nodeState(t, g, "root")
	if root.State != models.NodeDone {
		t.Fatalf("root = %s, want done", root.State)
	}
	// Three done children at 0.9: mean 0.9 decayed once.
	if math.Abs(root.Result.Confidence-0.81) > 1e-9 {
		t.Errorf("root confidence = %v, want 0.81", root.Result.Confidence)
	}

	// The dependent leaf must not start before both dependencies finish.
	start3 := rec.index("start root/3")
	if start3 < 0 {
		t.Fatal("root/3 never started")
	}
	if d := rec.index("done root/1"); d < 0 || d > start3 {
		t.Errorf("root/1 finished at %d, after root/3 started at %d", d, start3)
	}
	if d := rec.index("done root/2"); d < 0 || d > start3 {
		t.Errorf("root/2 finished at %d, after root/3 started at %d", d, start3)
	}
}

func TestRun_SingleLeafRootGoesToExecutor(t *testing.T) {
	fake := newFakeExecutor()
	g := mustGraph(t, testNode("root", ""))

	p := New(fake, nil, Config{MaxParallel: 1, MaxAttempts: 1})
	if err := p.Run(context.Background(), "run-atomic", g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := fake.count("root"); got != 1 {
		t.Errorf("executor ran root %d times, want 1", got)
	}
	root := nodeState(t, g, "root")
	if root.State != models.NodeDone {
		t.Fatalf("root = %s, want done", root.State)
	}
	if root.Result.Content != "answer: task root" {
		t.Errorf("root content = %q", root.Result.Content)
	}
}

func TestRun_BoundsParallelism(t *testing.T) {
	fake := newFakeExecutor()
	fake.respond = func(req exec.Request) (*exec.Result, error) {
		time.Sleep(30 * time.Millisecond)
		return &exec.Result{Content: "ok", Confidence: 0.9}, nil
	}
	g := mustGraph(t,
		testNode("root", ""),
		testNode("root/1", "root"),
		testNode("root/2", "root"),
		testNode("root/3", "root"),
		testNode("root/4", "root"),
	)

	p := New(fake, nil, Config{MaxParallel: 2, MaxAttempts: 1})
	if err := p.Run(context.Background(), "run-par", g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if peak := fake.maxActive(); peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak)
	}
	total := 0
	for _, id := range []string{"root/1", "root/2", "root/3", "root/4"} {
		total += fake.count(id)
	}
	if total != 4 {
		t.Errorf("executor ran %d calls, want 4", total)
	}
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	fake := newFakeExecutor()
	fake.respond = func(req exec.Request) (*exec.Result, error) {
		if req.NodeID == "root/1" && req.Attempt < 3 {
			return nil, errors.New("transient upstream error")
		}
		return &exec.Result{Content: "ok", Confidence: 0.9}, nil
	}
	g := mustGraph(t,
		testNode("root", ""),
		testNode("root/1", "root"),
		testNode("root/2", "root"),
	)

	p := New(fake, nil, Config{MaxParallel: 2, MaxAttempts: 3})
	if err := p.Run(context.Background(), "run-retry", g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := fake.count("root/1"); got != 3 {
		t.Errorf("executor ran root/1 %d times, want 3", got)
	}
	flaky := nodeState(t, g, "root/1")
	if flaky.State != models.NodeDone {
		t.Errorf("root/1 = %s, want done after retries", flaky.State)
	}
	if flaky.AttemptCount != 3 {
		t.Errorf("root/1 AttemptCount = %d, want 3", flaky.AttemptCount)
	}
}

func TestRun_PermanentFailureSkipsRetries(t *testing.T) {
	fake := newFakeExecutor()
	fake.respond = func(req exec.Request) (*exec.Result, error) {
		if req.NodeID == "root/1" {
			return nil, exec.Permanent(errors.New("payload rejected"))
		}
		return &exec.Result{Content: "ok", Confidence: 0.9}, nil
	}
	g := mustGraph(t,
		testNode("root", ""),
		testNode("root/1", "root"),
		testNode("root/2", "root"),
	)

	p := New(fake, nil, Config{MaxParallel: 2, MaxAttempts: 3})
	if err := p.Run(context.Background(), "run-perm", g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := fake.count("root/1"); got != 1 {
		t.Errorf("executor ran root/1 %d times, want 1 for a permanent failure", got)
	}
	failed := nodeState(t, g, "root/1")
	if failed.State != models.NodeFailed {
		t.Fatalf("root/1 = %s, want failed", failed.State)
	}
	if !strings.Contains(failed.FailReason, "payload rejected") {
		t.Errorf("root/1 FailReason = %q", failed.FailReason)
	}

	// Half the children failed: exactly at the fraction, so no floor.
	root := nodeState(t, g, "root")
	if root.State != models.NodeDone {
		t.Fatalf("root = %s, want done", root.State)
	}
	if math.Abs(root.Result.Confidence-0.405) > 1e-9 {
		t.Errorf("root confidence = %v, want 0.405", root.Result.Confidence)
	}
}

func TestRun_PartialResultDegradesAfterExhaustion(t *testing.T) {
	fake := newFakeExecutor()
	fake.respond = func(req exec.Request) (*exec.Result, error) {
		if req.NodeID == "root/1" {
			return &exec.Result{Content: "partial answer", Confidence: 0.4}, errors.New("incomplete")
		}
		return &exec.Result{Content: "ok", Confidence: 0.9}, nil
	}
	g := mustGraph(t,
		testNode("root", ""),
		testNode("root/1", "root"),
		testNode("root/2", "root"),
	)

	p := New(fake, nil, Config{MaxParallel: 2, MaxAttempts: 2})
	if err := p.Run(context.Background(), "run-part", g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	degraded := nodeState(t, g, "root/1")
	if degraded.State != models.NodeDegraded {
		t.Fatalf("root/1 = %s, want degraded", degraded.State)
	}
	if degraded.Result == nil || degraded.Result.Content != "partial answer" {
		t.Errorf("root/1 result = %+v, want the salvaged partial", degraded.Result)
	}
	if degraded.AttemptCount != 2 {
		t.Errorf("root/1 AttemptCount = %d, want 2", degraded.AttemptCount)
	}

	// Degraded child enters the parent mean at 0.4 × 0.75.
	root := nodeState(t, g, "root")
	if math.Abs(root.Result.Confidence-0.54) > 1e-9 {
		t.Errorf("root confidence = %v, want 0.54", root.Result.Confidence)
	}
}

func TestRun_ExhaustionWithoutPartialFails(t *testing.T) {
	fake := newFakeExecutor()
	fake.respond = func(req exec.Request) (*exec.Result, error) {
		return nil, errors.New("boom")
	}
	g := mustGraph(t, testNode("root", ""))

	p := New(fake, nil, Config{MaxParallel: 1, MaxAttempts: 2})
	if err := p.Run(context.Background(), "run-fail", g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	root := nodeState(t, g, "root")
	if root.State != models.NodeFailed {
		t.Fatalf("root = %s, want failed", root.State)
	}
	if !strings.Contains(root.FailReason, "2 attempts failed") {
		t.Errorf("root FailReason = %q", root.FailReason)
	}
	if got := fake.count("root"); got != 2 {
		t.Errorf("executor ran root %d times, want 2", got)
	}
}

func TestRun_DependencyFailureCascades(t *testing.T) {
	fake := newFakeExecutor()
	fake.respond = func(req exec.Request) (*exec.Result, error) {
		if req.NodeID == "root/1" {
			return nil, exec.Permanent(errors.New("no such source"))
		}
		return &exec.Result{Content: "ok", Confidence: 0.9}, nil
	}
	rec := &recorder{}
	g := mustGraph(t,
		testNode("root", ""),
		testNode("root/1", "root"),
		testNode("root/2", "root"),
		testNode("root/3", "root", "root/1"),
	)

	p := New(fake, aggregate.New(aggregate.Config{}), rec.hook(Config{MaxParallel: 2, MaxAttempts: 1}))
	if err := p.Run(context.Background(), "run-cascade", g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := fake.count("root/3"); got != 0 {
		t.Errorf("executor ran root/3 %d times, want 0 for a cascade failure", got)
	}
	cascaded := nodeState(t, g, "root/3")
	if cascaded.State != models.NodeFailed {
		t.Fatalf("root/3 = %s, want failed", cascaded.State)
	}
	if cascaded.FailReason != "dependency root/1 failed" {
		t.Errorf("root/3 FailReason = %q", cascaded.FailReason)
	}
	if rec.index("failed root/3") < 0 {
		t.Error("cascade failure was not reported to OnTerminal")
	}

	// Two of three children failed: over the fraction, floor applies.
	root := nodeState(t, g, "root")
	if root.State != models.NodeDegraded {
		t.Fatalf("root = %s, want degraded", root.State)
	}
	if math.Abs(root.Result.Confidence-0.1) > 1e-9 {
		t.Errorf("root confidence = %v, want the 0.1 floor", root.Result.Confidence)
	}
}

func TestRun_CheckpointsBeforeDispatchingUnblockedWork(t *testing.T) {
	fake := newFakeExecutor()
	rec := &recorder{}
	g := diamondGraph(t)

	p := New(fake, nil, rec.hook(Config{MaxParallel: 2, MaxAttempts: 1}))
	if err := p.Run(context.Background(), "run-ckpt", g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	events := rec.all()
	if got := rec.countOf("checkpoint"); got != 1 {
		t.Fatalf("wrote %d checkpoints, want exactly 1 (first wave is covered by the pre-run snapshot): %v", got, events)
	}

	ckpt := rec.index("checkpoint")
	for _, e := range []string{"start root/1", "start root/2", "done root/1", "done root/2"} {
		if i := rec.index(e); i < 0 || i > ckpt {
			t.Errorf("%q at %d, want before the checkpoint at %d: %v", e, i, ckpt, events)
		}
	}
	if start3 := rec.index("start root/3"); start3 < ckpt {
		t.Errorf("root/3 started at %d, before the checkpoint at %d: %v", start3, ckpt, events)
	}
}

func TestRun_CheckpointFailureAbortsBeforeDispatch(t *testing.T) {
	fake := newFakeExecutor()
	g := diamondGraph(t)

	cfg := Config{MaxParallel: 2, MaxAttempts: 1}
	cfg.OnCheckpoint = func() error { return errors.New("disk full") }
	p := New(fake, nil, cfg)

	err := p.Run(context.Background(), "run-ckptfail", g)
	if err == nil {
		t.Fatal("Run() = nil, want checkpoint error")
	}
	if !strings.Contains(err.Error(), "write-ahead checkpoint") || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Run() error = %v", err)
	}
	if got := fake.count("root/3"); got != 0 {
		t.Errorf("executor ran root/3 %d times after a failed checkpoint, want 0", got)
	}
}

func TestRun_CancellationLetsInflightFinishWithinGrace(t *testing.T) {
	fake := newFakeExecutor()
	fake.gate = make(chan struct{})
	g := mustGraph(t,
		testNode("root", ""),
		testNode("root/1", "root"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(fake, nil, Config{MaxParallel: 1, MaxAttempts: 1, GracePeriod: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx, "run-grace", g) }()

	waitFor(t, func() bool { return fake.count("root/1") == 1 })
	cancel()
	// Give the run loop a beat to observe the cancellation before the
	// worker is released.
	time.Sleep(100 * time.Millisecond)
	close(fake.gate)

	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	leaf := nodeState(t, g, "root/1")
	if leaf.State != models.NodeDone {
		t.Errorf("root/1 = %s, want done (finished within grace)", leaf.State)
	}
	root := nodeState(t, g, "root")
	if root.State != models.NodeFailed || root.FailReason != models.FailReasonCancelled {
		t.Errorf("root = %s (%q), want failed with the cancelled reason", root.State, root.FailReason)
	}
	if !g.AllTerminal() {
		t.Errorf("cancelled run left a non-terminal graph: %v", g.Counts())
	}
}

func TestRun_CancellationCutsWorkersAfterGrace(t *testing.T) {
	fake := newFakeExecutor()
	fake.gate = make(chan struct{}) // never released
	g := mustGraph(t,
		testNode("root", ""),
		testNode("root/1", "root"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(fake, nil, Config{MaxParallel: 1, MaxAttempts: 3, GracePeriod: 20 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx, "run-cut", g) }()

	waitFor(t, func() bool { return fake.count("root/1") == 1 })
	cancel()

	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	leaf := nodeState(t, g, "root/1")
	if leaf.State != models.NodeFailed || leaf.FailReason != models.FailReasonCancelled {
		t.Errorf("root/1 = %s (%q), want failed/cancelled after grace expired", leaf.State, leaf.FailReason)
	}
	if got := fake.count("root/1"); got != 1 {
		t.Errorf("executor ran root/1 %d times, want 1 (no retries after cancel)", got)
	}
}

func TestRun_PreCancelledContextRunsNothing(t *testing.T) {
	fake := newFakeExecutor()
	g := diamondGraph(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(fake, nil, Config{MaxParallel: 2, MaxAttempts: 1})

	err := p.Run(ctx, "run-precancel", g)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	for _, id := range []string{"root", "root/1", "root/2", "root/3"} {
		node := nodeState(t, g, id)
		if node.State != models.NodeFailed || node.FailReason != models.FailReasonCancelled {
			t.Errorf("node %s = %s (%q), want failed/cancelled", id, node.State, node.FailReason)
		}
		if got := fake.count(id); got != 0 {
			t.Errorf("executor ran %s %d times on a pre-cancelled run", id, got)
		}
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	p := New(newFakeExecutor(), nil, Config{
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  300 * time.Millisecond,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{4, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}

	zero := New(newFakeExecutor(), nil, Config{})
	if got := zero.backoff(1); got != 0 {
		t.Errorf("backoff with no base delay = %s, want 0", got)
	}
}

// waitFor polls until cond holds, failing the test after two seconds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
