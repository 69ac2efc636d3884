// Package driver defines the seam between the job queue and the compute
// infrastructure that actually runs a chain.
//
// A Driver places one `goforward run <run_dir>` invocation somewhere,
// reports its coarse process state, and can cancel it. It knows nothing
// about sentinels; the queue decides success from those.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/goforward/pkg/jobspec"
)

// Status is the coarse process state reported by a driver.
type Status string

const (
	// StatusPending means the resource manager has not started the work.
	StatusPending Status = "PENDING"
	// StatusRunning means the executor process is alive.
	StatusRunning Status = "RUNNING"
	// StatusDone means the executor exited with status zero.
	StatusDone Status = "DONE"
	// StatusExit means the executor exited non-zero or was killed.
	StatusExit Status = "EXIT"
)

// Handle identifies one submission.
type Handle struct {
	// ID is driver specific: a registry id, an LSF job id.
	ID string
}

func (h Handle) String() string { return h.ID }

// Driver places, queries and cancels chain executions.
//
// Poll must be safe to call often and cheaply; implementations cache
// expensive status queries.
type Driver interface {
	// Name identifies the driver in logs and events.
	Name() string

	Submit(ctx context.Context, c *jobspec.Chain) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)

	// Kill reports whether the cancellation was delivered.
	Kill(ctx context.Context, h Handle) bool
}

// ErrUnknownHandle is returned by Poll for handles the driver never issued.
var ErrUnknownHandle = errors.New("unknown driver handle")

// Error wraps a failed driver operation.
type Error struct {
	Op     string
	Driver string
	Handle string
	Err    error
}

func (e *Error) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Driver, e.Op, e.Handle, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Driver, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
