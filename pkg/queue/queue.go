// Package queue bounds how many realizations run at once, submits their
// chains through a driver.Driver and owns each realization's state.
//
// A Queue is fed with Submit and driven by Run. Run is the status poller:
// it is the only goroutine that changes a realization's state. Callers
// read state through Snapshot, Get and Counts at any time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/goforward/pkg/driver"
	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/output"
)

// Defaults.
const (
	DefaultMaxSubmit    = 2
	DefaultSubmitBatch  = 5
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxOKWait    = 60 * time.Second
	DefaultKillWait     = 10 * time.Second

	// maxPollErrors consecutive Poll failures turn a realization into EXIT.
	maxPollErrors = 3

	killParallelism = 8
)

var (
	ErrQueueRunning  = errors.New("queue is already running")
	ErrQueueFinished = errors.New("queue has finished; reset it before running again")
	ErrSubmitClosed  = errors.New("queue is not accepting submissions")
	ErrDuplicate     = errors.New("realization already queued")
)

// Options configures a Queue.
type Options struct {
	Driver driver.Driver

	// Size is the expected number of realizations. Zero means the caller
	// signals the end of submissions with SubmitComplete.
	Size int

	// MaxRunning caps realizations in SUBMITTED, PENDING or RUNNING. Zero
	// means unlimited.
	MaxRunning int

	// MaxSubmit is the number of attempts a realization gets.
	MaxSubmit int

	// SubmitBatch caps submissions per poll cycle.
	SubmitBatch int

	// SubmitRate paces submissions in submissions per second. Zero means
	// unpaced.
	SubmitRate float64

	PollInterval time.Duration

	// MaxOKWait bounds how long a DONE realization waits for its OK or
	// EXIT sentinel.
	MaxOKWait time.Duration

	// KillWait bounds KillAll's wait for the queue to start, and each
	// driver kill.
	KillWait time.Duration

	// MaxDuration kills RUNNING realizations older than this. Zero
	// disables it.
	MaxDuration time.Duration

	// OnDone runs after a realization's chain succeeded. An error turns the
	// realization into EXIT.
	OnDone func(ctx context.Context, c *jobspec.Chain) error

	// Output receives transition, progress and summary events.
	Output output.Writer

	Logger *zap.Logger
}

// Realization is a point-in-time view of one queued realization.
type Realization struct {
	IENS       int       `json:"iens"`
	Name       string    `json:"name"`
	RunDir     string    `json:"run_dir"`
	State      State     `json:"state"`
	Attempt    int       `json:"attempt"`
	Handle     string    `json:"handle,omitempty"`
	SubmitTime time.Time `json:"submit_time,omitempty"`
	StartTime  time.Time `json:"start_time,omitempty"`
	EndTime    time.Time `json:"end_time,omitempty"`
	Message    string    `json:"message,omitempty"`
}

type entry struct {
	chain *jobspec.Chain
	rz    Realization

	// Owned by the poller goroutine.
	pollErrors int
}

type result struct {
	e       *entry
	state   State
	message string
}

// Queue is a bounded-concurrency realization queue.
type Queue struct {
	opts    Options
	log     *zap.Logger
	limiter *rate.Limiter

	mu             sync.RWMutex
	entries        []*entry
	byIENS         map[int]*entry
	submitComplete bool
	paused         bool
	killFlag       bool
	running        bool
	finished       bool
	stopTime       time.Time
	startedAt      time.Time
	lastCounts     Counts

	started chan struct{}
	done    chan struct{}
	killed  chan struct{}
	wake    chan struct{}
	results chan result

	callbacks sync.WaitGroup
}

// New returns an empty queue.
func New(opts Options) (*Queue, error) {
	if opts.Driver == nil {
		return nil, errors.New("queue requires a driver")
	}
	if opts.Size < 0 || opts.MaxRunning < 0 {
		return nil, errors.New("queue size and max running must not be negative")
	}
	if opts.MaxSubmit <= 0 {
		opts.MaxSubmit = DefaultMaxSubmit
	}
	if opts.SubmitBatch <= 0 {
		opts.SubmitBatch = DefaultSubmitBatch
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxOKWait <= 0 {
		opts.MaxOKWait = DefaultMaxOKWait
	}
	if opts.KillWait <= 0 {
		opts.KillWait = DefaultKillWait
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	q := &Queue{
		opts: opts,
		log:  opts.Logger.With(zap.String("driver", opts.Driver.Name())),
	}
	q.reset()
	return q, nil
}

func (q *Queue) reset() {
	limit := rate.Inf
	if q.opts.SubmitRate > 0 {
		limit = rate.Limit(q.opts.SubmitRate)
	}
	q.limiter = rate.NewLimiter(limit, q.opts.SubmitBatch)
	q.entries = nil
	q.byIENS = make(map[int]*entry)
	q.submitComplete = false
	q.paused = false
	q.killFlag = false
	q.finished = false
	q.stopTime = time.Time{}
	q.startedAt = time.Time{}
	q.lastCounts = Counts{}
	q.started = make(chan struct{})
	q.done = make(chan struct{})
	q.killed = make(chan struct{})
	q.wake = make(chan struct{}, 1)
	q.results = make(chan result)
}

// Reset empties a queue that is not running so it can take a new batch.
func (q *Queue) Reset() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return ErrQueueRunning
	}
	q.reset()
	return nil
}

// Submit adds a chain in WAITING. It does not block.
func (q *Queue) Submit(c *jobspec.Chain) error {
	if c == nil {
		return errors.New("chain is nil")
	}
	q.mu.Lock()
	if q.submitComplete || q.finished || q.killFlag {
		q.mu.Unlock()
		return ErrSubmitClosed
	}
	if q.opts.Size > 0 && len(q.entries) >= q.opts.Size {
		q.mu.Unlock()
		return fmt.Errorf("%w: queue size %d reached", ErrSubmitClosed, q.opts.Size)
	}
	if _, ok := q.byIENS[c.IENS]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: iens %d", ErrDuplicate, c.IENS)
	}
	e := &entry{
		chain: c,
		rz: Realization{
			IENS:   c.IENS,
			Name:   c.Name,
			RunDir: c.RunDir,
			State:  Waiting,
		},
	}
	q.entries = append(q.entries, e)
	q.byIENS[c.IENS] = e
	rz := e.rz
	q.mu.Unlock()

	q.emitTransition(context.Background(), rz, NotActive)
	return nil
}

// SubmitComplete tells a queue created with Size 0 that no more chains
// are coming.
func (q *Queue) SubmitComplete() {
	q.mu.Lock()
	q.submitComplete = true
	q.mu.Unlock()
	q.poke()
}

// Pause stops promotion from WAITING. Realizations already submitted keep
// being polled.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume undoes Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.poke()
}

// SetStopTime kills realizations still RUNNING after t. The zero time
// clears it.
func (q *Queue) SetStopTime(t time.Time) {
	q.mu.Lock()
	q.stopTime = t
	q.mu.Unlock()
}

// SetAutoStopTime sets the stop time to now plus a quarter of the average
// runtime of the realizations that succeeded so far. It reports false
// when nothing has succeeded yet.
func (q *Queue) SetAutoStopTime() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total time.Duration
	n := 0
	for _, e := range q.entries {
		if e.rz.State != Success || e.rz.StartTime.IsZero() || e.rz.EndTime.IsZero() {
			continue
		}
		total += e.rz.EndTime.Sub(e.rz.StartTime)
		n++
	}
	if n == 0 {
		return false
	}
	q.stopTime = time.Now().Add(total / time.Duration(n) / 4)
	return true
}

// KillAll stops everything. It waits up to KillWait for Run to start and
// then for Run to kill every non-terminal realization. It reports false
// when the queue never started; the request stays pending and a later Run
// kills everything on entry.
func (q *Queue) KillAll(ctx context.Context) bool {
	q.mu.Lock()
	q.killFlag = true
	started, done, killed := q.started, q.done, q.killed
	q.mu.Unlock()
	q.poke()

	wait := time.NewTimer(q.opts.KillWait)
	defer wait.Stop()
	select {
	case <-started:
	case <-wait.C:
		q.log.Warn("kill requested but queue never started", zap.Duration("waited", q.opts.KillWait))
		return false
	case <-ctx.Done():
		return false
	}

	select {
	case <-killed:
		return true
	case <-done:
		select {
		case <-killed:
			return true
		default:
			return false
		}
	case <-ctx.Done():
		return false
	}
}

// Started is closed once Run begins.
func (q *Queue) Started() <-chan struct{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started
}

// Done is closed when Run returns.
func (q *Queue) Done() <-chan struct{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.done
}

// Running reports whether Run is active.
func (q *Queue) Running() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.running
}

// Snapshot returns every realization ordered by IENS.
func (q *Queue) Snapshot() []Realization {
	q.mu.RLock()
	out := make([]Realization, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.rz)
	}
	q.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IENS < out[j].IENS })
	return out
}

// Get returns one realization.
func (q *Queue) Get(iens int) (Realization, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.byIENS[iens]
	if !ok {
		return Realization{}, false
	}
	return e.rz, true
}

// Counts returns the per-category totals.
func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.countsLocked()
}

func (q *Queue) countsLocked() Counts {
	var c Counts
	for _, e := range q.entries {
		c.add(e.rz.State)
	}
	return c
}

// Summary returns the one-line progress summary.
func (q *Queue) Summary() string {
	return q.Counts().String()
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
