// Package output provides the JSONL event stream of a queue run.
//
// Output is structured as typed record envelopes containing realization
// state transitions, progress counts, errors and a final summary. Each line
// is a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants follow the pattern goforward.<type>.v<version>.
const (
	// TypeRealization identifies realization state transition records.
	TypeRealization = "goforward.realization.v1"

	// TypeError identifies error records.
	TypeError = "goforward.error.v1"

	// TypeProgress identifies progress count records.
	TypeProgress = "goforward.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "goforward.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "goforward.realization.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created.
	TS time.Time `json:"ts"`

	// RunID is the correlation ID of the queue run.
	RunID string `json:"run_id"`

	// Driver identifies the driver placing the work (e.g., "local", "lsf").
	Driver string `json:"driver"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// RealizationRecord reports one state transition.
type RealizationRecord struct {
	IENS  int    `json:"iens"`
	From  string `json:"from"`
	State string `json:"state"`

	// Attempt is the 1-based submission attempt.
	Attempt int `json:"attempt"`

	RunDir     string    `json:"run_dir,omitempty"`
	SubmitTime time.Time `json:"submit_time,omitempty"`
	StartTime  time.Time `json:"start_time,omitempty"`

	// Message explains failures and kills.
	Message string `json:"message,omitempty"`
}

// ErrorRecord is the data payload for errors that did not stop the run.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// IENS is the realization the error relates to, if any.
	IENS *int `json:"iens,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeSubmit indicates the driver could not submit a realization.
	ErrCodeSubmit = "SUBMIT_FAILED"

	// ErrCodePoll indicates the driver could not report status.
	ErrCodePoll = "POLL_FAILED"

	// ErrCodeKill indicates the driver could not kill a realization.
	ErrCodeKill = "KILL_FAILED"

	// ErrCodeCallback indicates result verification failed.
	ErrCodeCallback = "CALLBACK_FAILED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// ProgressRecord carries the per-category counts used for progress
// display.
type ProgressRecord struct {
	Waiting  int `json:"waiting"`
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Checking int `json:"checking"`
	Failed   int `json:"failed"`
	Complete int `json:"complete"`
	Killed   int `json:"killed"`
	Total    int `json:"total"`
}

// SummaryRecord is emitted once the queue finishes.
type SummaryRecord struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Killed    int `json:"killed"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// FailedIENS lists the realizations that did not succeed.
	FailedIENS []int `json:"failed_iens,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
