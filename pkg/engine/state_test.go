package engine

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestStatePredicates(t *testing.T) {
	tests := []struct {
		state     ExperimentState
		canBegin  bool
		canPause  bool
		canResume bool
	}{
		{StateIdle, true, false, false},
		{StateRunning, false, true, false},
		{StatePaused, false, false, true},
		{StateComplete, true, false, false},
		{StateError, true, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.CanBegin(); got != tt.canBegin {
				t.Errorf("CanBegin() = %v, want %v", got, tt.canBegin)
			}
			if got := tt.state.CanPause(); got != tt.canPause {
				t.Errorf("CanPause() = %v, want %v", got, tt.canPause)
			}
			if got := tt.state.CanResume(); got != tt.canResume {
				t.Errorf("CanResume() = %v, want %v", got, tt.canResume)
			}
		})
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()

	meta := map[string]string{"operator": "alice", "sample": "s42"}
	cp := NewCheckpoint("run-123", StateRunning, meta, 57).WithLabel("midpoint")

	path := cp.Path(dir)
	if err := cp.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint() error: %v", err)
	}

	if loaded.RunUID != "run-123" {
		t.Errorf("RunUID = %q, want %q", loaded.RunUID, "run-123")
	}
	if loaded.State != StateRunning {
		t.Errorf("State = %q, want %q", loaded.State, StateRunning)
	}
	if loaded.MessageCount != 57 {
		t.Errorf("MessageCount = %d, want 57", loaded.MessageCount)
	}
	if loaded.Label != "midpoint" {
		t.Errorf("Label = %q, want %q", loaded.Label, "midpoint")
	}
	if len(loaded.Metadata) != 2 || loaded.Metadata["operator"] != "alice" || loaded.Metadata["sample"] != "s42" {
		t.Errorf("Metadata = %v, want %v", loaded.Metadata, meta)
	}
}

func TestCheckpointSnapshotIsIsolated(t *testing.T) {
	meta := map[string]string{"k": "v"}
	cp := NewCheckpoint("run-1", StateRunning, meta, 1)

	meta["k"] = "mutated"
	if cp.Metadata["k"] != "v" {
		t.Errorf("checkpoint metadata changed with caller map: %v", cp.Metadata)
	}
}

func TestCheckpointPathIsKeyedByRun(t *testing.T) {
	cp := NewCheckpoint("run-abc", StateComplete, nil, 10)

	path := cp.Path("base")
	if got := filepath.Dir(path); got != filepath.Join("base", "run-abc") {
		t.Errorf("checkpoint dir = %q, want %q", got, filepath.Join("base", "run-abc"))
	}
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "checkpoint_") || !strings.HasSuffix(name, ".json") {
		t.Errorf("unexpected checkpoint filename %q", name)
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing checkpoint file")
	}
}
