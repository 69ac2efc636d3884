// Package registry records background chain executions started by the
// local driver so operators can list, inspect, stop and clean them up
// after the submitting process is gone.
package registry

import "time"

// State is the lifecycle state of a recorded execution.
//
// NOTE: These values are persisted in record.json and are part of the
// stable on-disk contract.
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateSuccess  State = "success"
	StateFailed   State = "failed"
	StateUnknown  State = "unknown"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateStopped, StateSuccess, StateFailed, StateUnknown:
		return true
	default:
		return false
	}
}

// Record is the persistent record written to record.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	ID      string   `json:"id"`
	Chain   string   `json:"chain"`
	IENS    int      `json:"iens"`
	RunDir  string   `json:"run_dir"`
	RunID   string   `json:"run_id,omitempty"`
	Command []string `json:"command,omitempty"`
	Host    string   `json:"host,omitempty"`
	State   State    `json:"state"`
	PID     int      `json:"pid,omitempty"`

	// ExitCode is set once the process has been reaped.
	ExitCode *int `json:"exit_code,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}
