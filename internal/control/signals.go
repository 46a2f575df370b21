// Package control delivers out-of-band run signals through the data
// directory. `fathom cancel <run-id>` drops a signal file; the process
// that owns the run picks it up through an fsnotify watcher, with stat
// polling as the fallback when the watcher is unavailable.
package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned by WaitForCancel when the manager shuts down
// before a signal arrives.
var ErrClosed = errors.New("signal manager closed")

// defaultPollInterval bounds signal latency when fsnotify events are
// missed or the watcher could not start.
const defaultPollInterval = 200 * time.Millisecond

// Manager watches the signals directory for per-run cancel files. The
// file's presence is the signal: no in-memory state can go stale
// across processes.
type Manager struct {
	signalsDir   string
	pollInterval time.Duration

	watcher *fsnotify.Watcher
	wake    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

// NewManager creates a signal manager rooted at dataDir, creating the
// signals directory if needed. A failed fsnotify setup is not fatal:
// the manager degrades to stat polling.
func NewManager(dataDir string) (*Manager, error) {
	signalsDir := filepath.Join(dataDir, "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}

	m := &Manager{
		signalsDir:   signalsDir,
		pollInterval: defaultPollInterval,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return m, nil
	}
	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		return m, nil
	}
	m.watcher = watcher
	go m.watchSignals()

	return m, nil
}

// watchSignals nudges waiters whenever anything lands in the signals
// directory. Waiters re-check the file themselves, so spurious wakes
// are harmless and missed ones are covered by polling.
func (m *Manager) watchSignals() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				select {
				case m.wake <- struct{}{}:
				default:
				}
			}
		case <-m.watcher.Errors:
			// Keep watching; polling covers the gap.
		}
	}
}

// SendCancel drops the cancel signal file for the run.
func (m *Manager) SendCancel(runID string) error {
	if runID == "" {
		return errors.New("run id cannot be empty")
	}
	path := m.signalPath(runID)
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return fmt.Errorf("write cancel signal: %w", err)
	}
	return nil
}

// CancelRequested reports whether a cancel signal exists for the run.
func (m *Manager) CancelRequested(runID string) bool {
	_, err := os.Stat(m.signalPath(runID))
	return err == nil
}

// WaitForCancel blocks until a cancel signal appears for the run, the
// context ends, or the manager closes.
func (m *Manager) WaitForCancel(ctx context.Context, runID string) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if m.CancelRequested(runID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

// Clear removes the run's cancel signal so a later run with the same
// id starts clean.
func (m *Manager) Clear(runID string) {
	os.Remove(m.signalPath(runID))
}

// SignalsDir returns the directory the manager watches.
func (m *Manager) SignalsDir() string {
	return m.signalsDir
}

// Close shuts the manager down and releases the watcher.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.watcher != nil {
			m.watcher.Close()
		}
	})
}

func (m *Manager) signalPath(runID string) string {
	return filepath.Join(m.signalsDir, "cancel-"+runID)
}
