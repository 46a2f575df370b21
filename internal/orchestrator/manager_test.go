package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"fathom/internal/checkpoint"
	"fathom/internal/control"
	"fathom/internal/exec"
	"fathom/internal/graph"
	"fathom/pkg/models"
)

func newTestManager(t *testing.T, fx exec.Executor) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{
		Config:   testConfig(),
		Store:    checkpoint.NewMemory(),
		Executor: fx,
	})
}

// blockingExecutor parks every call until its context dies.
func blockingExecutor() *fakeExecutor {
	fx := newFakeExecutor()
	fx.respond = func(ctx context.Context, req exec.Request) (*exec.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return fx
}

func TestManager_SubmitAndWait(t *testing.T) {
	fx := newFakeExecutor()
	m := newTestManager(t, fx)
	rec := newEventRecorder(m.Events())

	runID, err := m.Submit(diamondQuery, models.ModeFull, models.EffortModerate)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if runID == "" {
		t.Fatal("Submit returned an empty run id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answer, err := m.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if answer == nil || answer.RunID != runID {
		t.Fatalf("Wait answer = %+v, want run %s", answer, runID)
	}
	if diff := answer.OverallConfidence - 0.81; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("overall confidence = %v, want 0.81", answer.OverallConfidence)
	}
	if got := m.Count(); got != 0 {
		t.Errorf("Count after completion = %d, want 0", got)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	events := rec.wait(t)
	if countEvents(events, EventRunStarted) != 1 {
		t.Errorf("expected one %s event", EventRunStarted)
	}
	if countEvents(events, EventRunCompleted) != 1 {
		t.Errorf("expected one %s event", EventRunCompleted)
	}
}

func TestManager_CancelAbortsRun(t *testing.T) {
	fx := blockingExecutor()
	m := newTestManager(t, fx)
	defer m.Stop()

	runID, err := m.Submit("study alpha and study beta", models.ModeFull, models.EffortModerate)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return fx.totalCalls() >= 1 })
	if got := m.Count(); got != 1 {
		t.Errorf("Count mid-run = %d, want 1", got)
	}

	if err := m.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answer, err := m.Wait(ctx, runID)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait err = %v, want ErrCancelled", err)
	}
	if answer == nil {
		t.Fatal("cancelled run must still produce an answer")
	}
}

func TestManager_CancelUnknownRun(t *testing.T) {
	m := newTestManager(t, newFakeExecutor())
	defer m.Stop()

	if err := m.Cancel("missing-run"); err == nil {
		t.Fatal("expected an error for an unknown run")
	}
}

func TestManager_ControlSignalCancelsRun(t *testing.T) {
	ctl, err := control.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("control.NewManager: %v", err)
	}
	t.Cleanup(ctl.Close)

	fx := blockingExecutor()
	m := NewManager(ManagerConfig{
		Config:   testConfig(),
		Store:    checkpoint.NewMemory(),
		Executor: fx,
		Control:  ctl,
	})
	defer m.Stop()

	runID, err := m.Submit("study alpha and study beta", models.ModeFull, models.EffortModerate)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return fx.totalCalls() >= 1 })

	if err := ctl.SendCancel(runID); err != nil {
		t.Fatalf("SendCancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answer, err := m.Wait(ctx, runID)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait err = %v, want ErrCancelled", err)
	}
	if answer == nil {
		t.Fatal("signalled run must still produce an answer")
	}
	if ctl.CancelRequested(runID) {
		t.Error("cancel signal was not consumed")
	}
}

func TestManager_InvalidQuerySurfacesOnWait(t *testing.T) {
	m := newTestManager(t, newFakeExecutor())
	defer m.Stop()

	runID, err := m.Submit("   ", models.ModeFull, models.EffortAuto)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.Wait(ctx, runID); !errors.Is(err, graph.ErrInvalidQuery) {
		t.Fatalf("Wait err = %v, want ErrInvalidQuery", err)
	}
}

func TestManager_ResumeUnknownRunSurfacesOnWait(t *testing.T) {
	m := newTestManager(t, newFakeExecutor())
	defer m.Stop()

	runID, err := m.Resume("ghost-run")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.Wait(ctx, runID); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Wait err = %v, want ErrNoCheckpoint", err)
	}
}

func TestManager_RejectsDuplicateRun(t *testing.T) {
	fx := blockingExecutor()
	m := newTestManager(t, fx)
	defer m.Stop()

	runID, err := m.Submit("study alpha and study beta", models.ModeFull, models.EffortModerate)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Resume(runID); err == nil {
		t.Fatal("expected an error resuming a run that is in flight")
	}
}

func TestManager_StopCancelsInFlightRuns(t *testing.T) {
	fx := blockingExecutor()
	m := newTestManager(t, fx)

	runID, err := m.Submit("study alpha and study beta", models.ModeFull, models.EffortModerate)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return fx.totalCalls() >= 1 })

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := m.Wait(ctx, runID); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait after Stop err = %v, want ErrCancelled", err)
	}

	if _, err := m.Submit("anything", models.ModeFull, models.EffortAuto); err == nil {
		t.Fatal("expected Submit after Stop to fail")
	}
}

func TestManager_GetReturnsRunHandle(t *testing.T) {
	fx := newFakeExecutor()
	m := newTestManager(t, fx)
	defer m.Stop()

	runID, err := m.Submit(diamondQuery, models.ModeFull, models.EffortModerate)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	orch, ok := m.Get(runID)
	if !ok || orch == nil {
		t.Fatal("Get did not return the run's orchestrator")
	}
	if _, ok := m.Get("missing-run"); ok {
		t.Error("Get returned a handle for an unknown run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.Wait(ctx, runID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := orch.State(); got != models.RunCompleted {
		t.Errorf("state via Get = %s, want %s", got, models.RunCompleted)
	}
}
