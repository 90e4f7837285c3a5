package stores

import "time"

// RunStatus is the lifecycle state of a persisted run row.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one acquisition run as recorded in the database.
// Data and position snapshots live in the events table keyed by RunUID.
type Run struct {
	UID         string     `json:"uid"`
	PlanName    string     `json:"plan_name"`
	Status      RunStatus  `json:"status"`
	ExitStatus  *string    `json:"exit_status,omitempty"`
	Reason      *string    `json:"reason,omitempty"`
	NumEvents   int        `json:"num_events"`
	Metadata    *string    `json:"metadata,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Event is a single data snapshot emitted during a run.
// Data and Positions are stored as JSON objects of channel name to value.
type Event struct {
	ID        int64     `json:"id"`
	RunUID    string    `json:"run_uid"`
	Seq       int       `json:"seq"`
	Data      string    `json:"data"`
	Positions string    `json:"positions"`
	Timestamp time.Time `json:"timestamp"`
}

// ScriptReport is the persisted outcome of one script execution.
// RunUIDs is a JSON array of the runs the script produced.
type ScriptReport struct {
	ID            string    `json:"id"`
	Script        string    `json:"script"`
	PlansExecuted int       `json:"plans_executed"`
	TotalEvents   int       `json:"total_events"`
	DurationMs    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
	Error         *string   `json:"error,omitempty"`
	RunUIDs       string    `json:"run_uids"`
	CreatedAt     time.Time `json:"created_at"`
}

// RunFilter narrows ListRuns results. Zero values mean no filtering.
type RunFilter struct {
	Status RunStatus
	Limit  int
	Offset int
}
