package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/option"
	"github.com/viant/afs/url"
)

// FileStore keeps one JSON document per (run, sequence) under a base
// location, addressed through afs so the backend works against any
// scheme the abstract file system supports. Writes go to a temp name
// first and are moved into place, so a crash mid-write never leaves a
// frame that GetLatest would pick up.
type FileStore struct {
	basePath string
	fs       afs.Service
	mu       sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// NewFile creates a file-backed store rooted at baseURL, creating the
// base location if needed.
func NewFile(baseURL string) (*FileStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("file store base location cannot be empty")
	}

	fs := afs.New()
	ctx := context.Background()
	exists, _ := fs.Exists(ctx, baseURL)
	if !exists {
		if err := fs.Create(ctx, baseURL, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("create store base location: %w", err)
		}
	}
	baseURL = url.Normalize(baseURL, file.Scheme)

	return &FileStore{basePath: baseURL, fs: fs}, nil
}

// Close is a no-op; the store holds no long-lived handles.
func (s *FileStore) Close() error {
	return nil
}

// Put writes the snapshot to <base>/<runID>/<sequence>.json. The
// sequence check happens under the write lock, and the temp-then-move
// keeps partially written frames invisible to readers.
func (s *FileStore) Put(ctx context.Context, snap *Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestSeq(ctx, snap.RunID)
	if err != nil {
		return err
	}
	if snap.Sequence <= latest {
		return fmt.Errorf("%w: run %s has sequence %d, refusing %d",
			ErrStaleSequence, snap.RunID, latest, snap.Sequence)
	}

	runPath := s.runPath(snap.RunID)
	if exists, _ := s.fs.Exists(ctx, runPath); !exists {
		if err := s.fs.Create(ctx, runPath, file.DefaultDirOsMode, true); err != nil {
			return fmt.Errorf("create run location: %w", err)
		}
	}

	final := s.snapshotPath(snap.RunID, snap.Sequence)
	tmp := final + ".tmp"
	if err := s.fs.Upload(ctx, tmp, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", tmp, err)
	}
	if err := s.fs.Move(ctx, tmp, final); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", final, err)
	}
	return nil
}

// GetLatest downloads and decodes the highest-sequence frame of the run.
func (s *FileStore) GetLatest(ctx context.Context, runID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest, err := s.latestSeq(ctx, runID)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}

	data, err := s.fs.DownloadWithURL(ctx, s.snapshotPath(runID, latest))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint for run %s: %w", runID, err)
	}
	return Decode(data)
}

// ListRuns walks the base location once and reduces it to one row per
// run. Frames that fail to decode are skipped rather than failing the
// whole listing.
func (s *FileStore) ListRuns(ctx context.Context) ([]RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest, err := s.latestPerRun(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RunInfo, 0, len(latest))
	for runID, seq := range latest {
		data, err := s.fs.DownloadWithURL(ctx, s.snapshotPath(runID, seq))
		if err != nil {
			continue
		}
		snap, err := Decode(data)
		if err != nil {
			continue
		}
		out = append(out, snap.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WrittenAt.Equal(out[j].WrittenAt) {
			return out[i].WrittenAt.After(out[j].WrittenAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

// PurgeCompletedBefore deletes the run directories of terminal runs
// whose latest frame predates cutoff.
func (s *FileStore) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	infos, err := s.ListRuns(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for _, info := range infos {
		if !info.RunState.Terminal() || !info.WrittenAt.Before(cutoff) {
			continue
		}
		if err := s.fs.Delete(ctx, s.runPath(info.RunID)); err != nil {
			return purged, fmt.Errorf("purge run %s: %w", info.RunID, err)
		}
		purged++
	}
	return purged, nil
}

// latestSeq returns the highest committed sequence for the run, 0 when
// the run has no frames.
func (s *FileStore) latestSeq(ctx context.Context, runID string) (uint64, error) {
	runPath := s.runPath(runID)
	exists, err := s.fs.Exists(ctx, runPath)
	if err != nil {
		return 0, fmt.Errorf("check run location: %w", err)
	}
	if !exists {
		return 0, nil
	}

	objects, err := s.fs.List(ctx, runPath, option.NewRecursive(false))
	if err != nil {
		return 0, fmt.Errorf("list run %s: %w", runID, err)
	}

	var latest uint64
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		seq, ok := parseSeqName(object.Name())
		if !ok {
			continue
		}
		if seq > latest {
			latest = seq
		}
	}
	return latest, nil
}

// latestPerRun maps each run id to its highest committed sequence.
func (s *FileStore) latestPerRun(ctx context.Context) (map[string]uint64, error) {
	objects, err := s.fs.List(ctx, s.basePath, option.NewRecursive(true))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	latest := make(map[string]uint64)
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		seq, ok := parseSeqName(object.Name())
		if !ok {
			continue
		}
		runID := path.Base(path.Dir(object.URL()))
		if seq > latest[runID] {
			latest[runID] = seq
		}
	}
	return latest, nil
}

func (s *FileStore) runPath(runID string) string {
	return url.Join(s.basePath, runID)
}

func (s *FileStore) snapshotPath(runID string, seq uint64) string {
	return url.Join(s.basePath, runID, fmt.Sprintf("%012d.json", seq))
}

// parseSeqName extracts the sequence from a committed frame name such
// as 000000000042.json. Temp names and foreign files don't parse.
func parseSeqName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}
