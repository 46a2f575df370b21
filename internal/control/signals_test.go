package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestSendCancel_CreatesDetectableSignal(t *testing.T) {
	m := newTestManager(t)

	if m.CancelRequested("run-1") {
		t.Fatal("CancelRequested() true before any signal")
	}
	if err := m.SendCancel("run-1"); err != nil {
		t.Fatalf("SendCancel() error: %v", err)
	}
	if !m.CancelRequested("run-1") {
		t.Error("CancelRequested() false after SendCancel")
	}
	if m.CancelRequested("run-2") {
		t.Error("signal for run-1 leaked to run-2")
	}

	data, err := os.ReadFile(filepath.Join(m.SignalsDir(), "cancel-run-1"))
	if err != nil {
		t.Fatalf("reading signal file: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data))); err != nil {
		t.Errorf("signal file content %q is not a timestamp: %v", data, err)
	}
}

func TestSendCancel_RejectsEmptyRunID(t *testing.T) {
	m := newTestManager(t)
	if err := m.SendCancel(""); err == nil {
		t.Error("SendCancel(\"\") = nil, want error")
	}
}

func TestWaitForCancel_ReturnsWhenSignalled(t *testing.T) {
	m := newTestManager(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.WaitForCancel(context.Background(), "run-w")
	}()

	time.Sleep(20 * time.Millisecond)
	if err := m.SendCancel("run-w"); err != nil {
		t.Fatalf("SendCancel() error: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("WaitForCancel() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCancel() never returned after the signal")
	}
}

func TestWaitForCancel_ReturnsImmediatelyForExistingSignal(t *testing.T) {
	m := newTestManager(t)
	if err := m.SendCancel("run-pre"); err != nil {
		t.Fatalf("SendCancel() error: %v", err)
	}
	if err := m.WaitForCancel(context.Background(), "run-pre"); err != nil {
		t.Errorf("WaitForCancel() = %v, want nil for a pre-existing signal", err)
	}
}

func TestWaitForCancel_HonorsContext(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.WaitForCancel(ctx, "run-ctx")
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("WaitForCancel() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCancel() ignored the cancelled context")
	}
}

func TestWaitForCancel_ReturnsErrClosedOnShutdown(t *testing.T) {
	m := newTestManager(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.WaitForCancel(context.Background(), "run-close")
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("WaitForCancel() = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCancel() did not notice the shutdown")
	}
}

func TestClear_RemovesSignal(t *testing.T) {
	m := newTestManager(t)
	if err := m.SendCancel("run-c"); err != nil {
		t.Fatalf("SendCancel() error: %v", err)
	}
	m.Clear("run-c")
	if m.CancelRequested("run-c") {
		t.Error("CancelRequested() still true after Clear")
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	m := newTestManager(t)
	m.Close()
	m.Close()
}
