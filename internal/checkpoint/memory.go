package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory, thread-safe store. All methods work with
// clones to eliminate data races between goroutines. It backs tests and
// ephemeral runs; nothing survives the process.
type MemoryStore struct {
	runs map[string][]*Snapshot
	mux  sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]*Snapshot)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Put appends a cloned snapshot after validating it and its sequence.
func (s *MemoryStore) Put(_ context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	frames := s.runs[snap.RunID]
	if n := len(frames); n > 0 && snap.Sequence <= frames[n-1].Sequence {
		return fmt.Errorf("%w: run %s has sequence %d, refusing %d",
			ErrStaleSequence, snap.RunID, frames[n-1].Sequence, snap.Sequence)
	}
	s.runs[snap.RunID] = append(frames, snap.Clone())
	return nil
}

// GetLatest returns a clone of the run's newest snapshot.
func (s *MemoryStore) GetLatest(_ context.Context, runID string) (*Snapshot, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	frames := s.runs[runID]
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return frames[len(frames)-1].Clone(), nil
}

// ListRuns returns one row per run, newest write first.
func (s *MemoryStore) ListRuns(_ context.Context) ([]RunInfo, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	out := make([]RunInfo, 0, len(s.runs))
	for _, frames := range s.runs {
		if len(frames) == 0 {
			continue
		}
		out = append(out, frames[len(frames)-1].Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WrittenAt.Equal(out[j].WrittenAt) {
			return out[i].WrittenAt.After(out[j].WrittenAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

// PurgeCompletedBefore drops terminal runs older than cutoff.
func (s *MemoryStore) PurgeCompletedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	purged := 0
	for runID, frames := range s.runs {
		if len(frames) == 0 {
			continue
		}
		last := frames[len(frames)-1]
		if !last.RunState.Terminal() || !last.WrittenAt.Before(cutoff) {
			continue
		}
		delete(s.runs, runID)
		purged++
	}
	return purged, nil
}
