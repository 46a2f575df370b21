package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"fathom/internal/config"
	"fathom/pkg/models"
)

var (
	// ErrNotFound is returned when no snapshot exists for the requested
	// run. Callers detect it with errors.Is rather than string matching.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrStaleSequence is returned when a Put carries a sequence number
	// at or below the latest stored one. Sequences are strictly
	// monotonic per run; a stale write means two writers raced and the
	// loser must not clobber newer state.
	ErrStaleSequence = errors.New("checkpoint: stale sequence")
)

// RunInfo is the listing row for one persisted run, derived from its
// latest snapshot.
type RunInfo struct {
	RunID     string
	Sequence  uint64
	RunState  models.RunState
	QueryText string
	WrittenAt time.Time
}

// Store persists run snapshots. Put is atomic per snapshot: a reader
// never observes a partially written frame, and GetLatest only ever
// returns fully committed ones.
type Store interface {
	// Put writes a snapshot. It fails with ErrStaleSequence if the
	// snapshot's sequence does not advance past the stored latest.
	Put(ctx context.Context, snap *Snapshot) error
	// GetLatest returns the highest-sequence snapshot for the run, or
	// ErrNotFound if the run has no snapshots.
	GetLatest(ctx context.Context, runID string) (*Snapshot, error)
	// ListRuns returns one row per persisted run, newest write first.
	ListRuns(ctx context.Context) ([]RunInfo, error)
	// PurgeCompletedBefore deletes all snapshots of runs whose latest
	// state is terminal and whose latest write predates cutoff. It
	// returns how many runs were removed. Live runs are never touched.
	PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
	// Close releases backend resources. The store is unusable after.
	Close() error
}

// New builds the store selected by cfg, rooting default locations
// under dataDir.
func New(cfg config.StoreConfig, dataDir string) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(dataDir, "checkpoints.db")
		}
		return OpenSQLite(path)
	case "file":
		base := cfg.BaseURL
		if base == "" {
			base = filepath.Join(dataDir, "checkpoints")
		}
		return NewFile(base)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
