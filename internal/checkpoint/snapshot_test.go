package checkpoint

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"fathom/pkg/models"
)

func sampleNodes() []*models.TaskNode {
	return []*models.TaskNode{
		{ID: "root", Payload: "compare a and b, then recommend one", State: models.NodePending},
		{ID: "root/1", ParentID: "root", Payload: "compare a", State: models.NodeDone,
			AttemptCount: 1, Result: &models.Result{Content: "a wins on cost", Confidence: 0.9}},
		{ID: "root/2", ParentID: "root", Payload: "compare b", State: models.NodeRunning,
			AttemptCount: 2},
		{ID: "root/3", ParentID: "root", DependsOn: []string{"root/1", "root/2"},
			Payload: "recommend one", State: models.NodePending},
	}
}

func sampleQuery(runID string) models.Query {
	return models.Query{
		Raw:       "compare a and b, then recommend one",
		Mode:      models.ModeFull,
		Effort:    models.EffortAuto,
		RunID:     runID,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestNewSnapshot_SerializesRunningAsReady(t *testing.T) {
	nodes := sampleNodes()
	snap := NewSnapshot("run-1", 3, models.RunScheduling, sampleQuery("run-1"), models.TierModerate, nodes)

	var got *models.TaskNode
	for _, n := range snap.Nodes {
		if n.ID == "root/2" {
			got = n
		}
	}
	if got == nil {
		t.Fatal("root/2 missing from snapshot")
	}
	if got.State != models.NodeReady {
		t.Errorf("running node serialized as %q, want ready", got.State)
	}
	if got.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2 preserved through serialization", got.AttemptCount)
	}

	// The source slice must stay untouched.
	if nodes[2].State != models.NodeRunning {
		t.Errorf("source node mutated to %q", nodes[2].State)
	}

	// And the snapshot must not alias the source nodes.
	nodes[0].Payload = "changed after snapshot"
	if snap.Nodes[0].Payload == "changed after snapshot" {
		t.Error("snapshot aliases caller's nodes")
	}
}

func TestSnapshot_Validate(t *testing.T) {
	valid := func() *Snapshot {
		return NewSnapshot("run-1", 1, models.RunGraphBuilt, sampleQuery("run-1"), models.TierSimple, sampleNodes())
	}

	tests := []struct {
		name    string
		mutate  func(*Snapshot)
		wantErr string
	}{
		{"valid", func(s *Snapshot) {}, ""},
		{"missing run id", func(s *Snapshot) { s.RunID = "" }, "missing run id"},
		{"zero sequence", func(s *Snapshot) { s.Sequence = 0 }, "sequence must be >= 1"},
		{"invalid run state", func(s *Snapshot) { s.RunState = "paused" }, "invalid run state"},
		{"invalid tier", func(s *Snapshot) { s.Tier = "auto" }, "invalid tier"},
		{"no nodes", func(s *Snapshot) { s.Nodes = nil }, "no nodes"},
		{"node with empty id", func(s *Snapshot) { s.Nodes[0].ID = "" }, "empty id"},
		{"node with invalid state", func(s *Snapshot) { s.Nodes[0].State = "queued" }, "invalid state"},
		{"running node", func(s *Snapshot) { s.Nodes[0].State = models.NodeRunning }, "serialized as running"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := valid()
			tt.mutate(snap)
			err := snap.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSnapshot_EncodeDecodeRoundTrip(t *testing.T) {
	snap := NewSnapshot("run-rt", 7, models.RunCheckpointing, sampleQuery("run-rt"), models.TierComplex, sampleNodes())

	data, err := snap.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Error("encoded snapshot missing trailing newline")
	}

	again, err := snap.Encode()
	if err != nil {
		t.Fatalf("second Encode() error: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("Encode() is not deterministic")
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.RunID != snap.RunID || got.Sequence != snap.Sequence || got.RunState != snap.RunState {
		t.Errorf("decoded header = %s/%d/%s, want %s/%d/%s",
			got.RunID, got.Sequence, got.RunState, snap.RunID, snap.Sequence, snap.RunState)
	}
	if got.Tier != snap.Tier {
		t.Errorf("decoded tier = %q, want %q", got.Tier, snap.Tier)
	}
	if got.Query.Raw != snap.Query.Raw || got.Query.Mode != snap.Query.Mode {
		t.Errorf("decoded query = %+v, want %+v", got.Query, snap.Query)
	}
	if len(got.Nodes) != len(snap.Nodes) {
		t.Fatalf("decoded %d nodes, want %d", len(got.Nodes), len(snap.Nodes))
	}
	for i, n := range got.Nodes {
		want := snap.Nodes[i]
		if n.ID != want.ID || n.State != want.State || n.Payload != want.Payload || n.AttemptCount != want.AttemptCount {
			t.Errorf("node %d = %+v, want %+v", i, n, want)
		}
	}
	done := got.Nodes[1]
	if done.Result == nil || done.Result.Confidence != 0.9 {
		t.Errorf("done node result = %+v, want confidence 0.9", done.Result)
	}
}

func TestDecode_RejectsMalformedFrames(t *testing.T) {
	snap := NewSnapshot("run-bad", 1, models.RunGraphBuilt, sampleQuery("run-bad"), models.TierSimple, sampleNodes())
	data, err := snap.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", data[:len(data)/2]},
		{"trailing content", append(append([]byte{}, data...), []byte("{}")...)},
		{"unknown field", []byte(`{"run_id":"x","sequence":1,"run_state":"graph_built","bogus":true}` + "\n")},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); err == nil {
				t.Error("Decode() accepted a malformed frame")
			}
		})
	}
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	snap := NewSnapshot("run-c", 2, models.RunScheduling, sampleQuery("run-c"), models.TierModerate, sampleNodes())
	clone := snap.Clone()

	clone.Nodes[1].Result.Confidence = 0.1
	clone.Nodes[0].Payload = "tampered"

	if snap.Nodes[1].Result.Confidence != 0.9 {
		t.Error("clone shares result pointers with original")
	}
	if snap.Nodes[0].Payload == "tampered" {
		t.Error("clone shares nodes with original")
	}
}

func TestSnapshot_Info(t *testing.T) {
	snap := NewSnapshot("run-i", 5, models.RunCompleted, sampleQuery("run-i"), models.TierSimple, sampleNodes())
	info := snap.Info()
	if info.RunID != "run-i" || info.Sequence != 5 || info.RunState != models.RunCompleted {
		t.Errorf("Info() = %+v", info)
	}
	if info.QueryText != snap.Query.Raw {
		t.Errorf("Info().QueryText = %q, want %q", info.QueryText, snap.Query.Raw)
	}
	if info.WrittenAt.IsZero() {
		t.Error("Info().WrittenAt is zero")
	}
}
