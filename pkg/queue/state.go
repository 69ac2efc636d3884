package queue

import "fmt"

// State is the lifecycle state of one realization in the queue.
type State int

const (
	NotActive State = iota
	Waiting
	Submitted
	Pending
	Running
	Done
	Exit
	RunningCallback
	Success
	Failed
	UserKilled
)

var stateNames = [...]string{
	NotActive:       "NOT_ACTIVE",
	Waiting:         "WAITING",
	Submitted:       "SUBMITTED",
	Pending:         "PENDING",
	Running:         "RUNNING",
	Done:            "DONE",
	Exit:            "EXIT",
	RunningCallback: "RUNNING_CALLBACK",
	Success:         "SUCCESS",
	Failed:          "FAILED",
	UserKilled:      "USER_KILLED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// ParseState is the inverse of String.
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return NotActive, false
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	v, ok := ParseState(string(b))
	if !ok {
		return fmt.Errorf("unknown state %q", b)
	}
	*s = v
	return nil
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Success || s == Failed || s == UserKilled
}

// Active reports whether the realization occupies a concurrency slot.
func (s State) Active() bool {
	return s == Submitted || s == Pending || s == Running
}

// Category groups states for progress display.
type Category int

const (
	CategoryNone Category = iota
	CategoryWaiting
	CategoryPending
	CategoryRunning
	CategoryChecking
	CategoryFailed
	CategoryComplete
	CategoryKilled
)

var categoryNames = [...]string{
	CategoryNone:     "none",
	CategoryWaiting:  "waiting",
	CategoryPending:  "pending",
	CategoryRunning:  "running",
	CategoryChecking: "checking",
	CategoryFailed:   "failed",
	CategoryComplete: "complete",
	CategoryKilled:   "killed",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "none"
	}
	return categoryNames[c]
}

// categories is the display grouping. A state belongs to exactly one
// category.
var categories = map[State]Category{
	NotActive:       CategoryNone,
	Waiting:         CategoryWaiting,
	Submitted:       CategoryPending,
	Pending:         CategoryPending,
	Running:         CategoryRunning,
	Done:            CategoryRunning,
	Exit:            CategoryRunning,
	RunningCallback: CategoryChecking,
	Success:         CategoryComplete,
	Failed:          CategoryFailed,
	UserKilled:      CategoryKilled,
}

// Category returns the display group of s.
func (s State) Category() Category {
	return categories[s]
}
