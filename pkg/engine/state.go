package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ExperimentState is the lifecycle state of the RunEngine.
//
// State machine:
//
//	Idle ──BeginRun──> Running ──EndRun──> Complete
//	                     │   ▲
//	                Pause│   │Resume
//	                     ▼   │
//	                   Paused
//
// Any failure during a run transitions to Error. Complete and Error both
// allow a new run to begin.
type ExperimentState string

const (
	// StateIdle means no experiment is running.
	StateIdle ExperimentState = "idle"

	// StateRunning means a plan is actively executing.
	StateRunning ExperimentState = "running"

	// StatePaused means the run is suspended and can be resumed.
	StatePaused ExperimentState = "paused"

	// StateComplete means the last run finished successfully.
	StateComplete ExperimentState = "complete"

	// StateError means the last run failed.
	StateError ExperimentState = "error"
)

// CanBegin reports whether a new run may start from this state.
func (s ExperimentState) CanBegin() bool {
	return s == StateIdle || s == StateComplete || s == StateError
}

// CanPause reports whether the run may be paused from this state.
func (s ExperimentState) CanPause() bool {
	return s == StateRunning
}

// CanResume reports whether the run may be resumed from this state.
func (s ExperimentState) CanResume() bool {
	return s == StatePaused
}

// Checkpoint is a read-only progress snapshot of a run, persisted as JSON
// for diagnostics. Saving a checkpoint never mutates engine state. The
// resume path that would consume these files is not implemented; see
// RunEngine.ResumeFromCheckpoint.
type Checkpoint struct {
	// RunUID identifies the run the snapshot belongs to.
	RunUID string `json:"run_uid"`

	// Timestamp is the snapshot creation time.
	Timestamp time.Time `json:"timestamp"`

	// State is the engine state at snapshot time.
	State ExperimentState `json:"state"`

	// Metadata is the run metadata recorded by BeginRun.
	Metadata map[string]string `json:"metadata"`

	// MessageCount is the number of messages pulled before the snapshot.
	MessageCount int `json:"message_count"`

	// Label is an optional identifier for the snapshot.
	Label string `json:"label,omitempty"`

	// Error is the failure message when the snapshot was taken on an
	// error path.
	Error string `json:"error,omitempty"`
}

// NewCheckpoint creates a checkpoint for the given run.
func NewCheckpoint(runUID string, state ExperimentState, metadata map[string]string, messageCount int) *Checkpoint {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Checkpoint{
		RunUID:       runUID,
		Timestamp:    time.Now().UTC(),
		State:        state,
		Metadata:     md,
		MessageCount: messageCount,
	}
}

// WithLabel sets the checkpoint label.
func (c *Checkpoint) WithLabel(label string) *Checkpoint {
	c.Label = label
	return c
}

// WithError sets the failure message.
func (c *Checkpoint) WithError(errMsg string) *Checkpoint {
	c.Error = errMsg
	return c
}

// Save writes the checkpoint as pretty-printed JSON, creating parent
// directories as needed.
func (c *Checkpoint) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint to %s: %w", path, err)
	}

	return nil
}

// LoadCheckpoint reads a checkpoint from a JSON file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint from %s: %w", path, err)
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}

	return &c, nil
}

// CheckpointDir returns the checkpoint directory for a run:
// <base>/<runUID>/.
func CheckpointDir(base, runUID string) string {
	return filepath.Join(base, runUID)
}

// Filename returns the checkpoint filename derived from its timestamp.
func (c *Checkpoint) Filename() string {
	return fmt.Sprintf("checkpoint_%s.json", c.Timestamp.Format("20060102_150405.000"))
}

// Path returns the deterministic full path for the checkpoint under base:
// <base>/<runUID>/checkpoint_<timestamp>.json.
func (c *Checkpoint) Path(base string) string {
	return filepath.Join(CheckpointDir(base, c.RunUID), c.Filename())
}
