// Package checkpoint persists run snapshots so an interrupted run can be
// resumed from its last durable state. Three backends share one Store
// interface: sqlite (default), file, and memory.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"fathom/pkg/models"
)

// Snapshot is one durable frame of a run: the query, the resolved tier,
// and every node of the task graph at the moment of the write.
type Snapshot struct {
	// RunID identifies the run this snapshot belongs to.
	RunID string `json:"run_id"`
	// Sequence orders snapshots within a run, starting at 1 and strictly
	// increasing with each write.
	Sequence uint64 `json:"sequence"`
	// RunState is the run lifecycle state at write time.
	RunState models.RunState `json:"run_state"`
	// Query is the original submitted query, preserved so a resumed run
	// never re-classifies.
	Query models.Query `json:"query"`
	// Tier is the resolved effort tier for the run.
	Tier models.EffortTier `json:"tier"`
	// Nodes holds every task node, in graph path order.
	Nodes []*models.TaskNode `json:"nodes"`
	// WrittenAt records when the snapshot was produced, UTC.
	WrittenAt time.Time `json:"written_at"`
}

// NewSnapshot builds a snapshot from cloned nodes. Nodes captured while
// running are serialized as ready: work in flight at a crash was never
// completed durably, so a resumed run must dispatch it again.
func NewSnapshot(runID string, seq uint64, state models.RunState, query models.Query, tier models.EffortTier, nodes []*models.TaskNode) *Snapshot {
	cloned := make([]*models.TaskNode, 0, len(nodes))
	for _, n := range nodes {
		c := n.Clone()
		if c.State == models.NodeRunning {
			c.State = models.NodeReady
		}
		cloned = append(cloned, c)
	}
	return &Snapshot{
		RunID:     runID,
		Sequence:  seq,
		RunState:  state,
		Query:     query,
		Tier:      tier,
		Nodes:     cloned,
		WrittenAt: time.Now().UTC(),
	}
}

// Validate checks that the snapshot is internally coherent. It rejects
// frames that could not have been produced by a healthy run.
func (s *Snapshot) Validate() error {
	if s.RunID == "" {
		return errors.New("snapshot missing run id")
	}
	if s.Sequence == 0 {
		return errors.New("snapshot sequence must be >= 1")
	}
	if !s.RunState.Valid() {
		return fmt.Errorf("snapshot has invalid run state %q", s.RunState)
	}
	if !s.Tier.Valid() {
		return fmt.Errorf("snapshot has invalid tier %q", s.Tier)
	}
	if len(s.Nodes) == 0 {
		return errors.New("snapshot has no nodes")
	}
	for _, n := range s.Nodes {
		if n == nil {
			return errors.New("snapshot contains nil node")
		}
		if n.ID == "" {
			return errors.New("snapshot contains node with empty id")
		}
		if !n.State.Valid() {
			return fmt.Errorf("snapshot node %s has invalid state %q", n.ID, n.State)
		}
		if n.State == models.NodeRunning {
			return fmt.Errorf("snapshot node %s serialized as running", n.ID)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can hold a snapshot across store
// boundaries without sharing node pointers.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Nodes = make([]*models.TaskNode, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out.Nodes = append(out.Nodes, n.Clone())
	}
	return &out
}

// Info reduces the snapshot to its listing row.
func (s *Snapshot) Info() RunInfo {
	return RunInfo{
		RunID:     s.RunID,
		Sequence:  s.Sequence,
		RunState:  s.RunState,
		QueryText: s.Query.Raw,
		WrittenAt: s.WrittenAt,
	}
}

// Encode serializes the snapshot as stable, indented JSON with a
// trailing newline. Equal snapshots encode to identical bytes.
func (s *Snapshot) Encode() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return append(b, '\n'), nil
}

// Decode parses a snapshot written by Encode. Unknown fields and
// trailing content are rejected so a truncated or corrupted frame never
// resumes a run.
func Decode(data []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("decode snapshot: trailing content")
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot on disk: %w", err)
	}
	return &snap, nil
}
