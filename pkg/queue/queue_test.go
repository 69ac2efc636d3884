package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/goforward/pkg/chain"
	"github.com/3leaps/goforward/pkg/driver"
	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/output"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Behaviours of the fake driver, keyed by realization.
const (
	behaveOK         = "ok"
	behaveExit       = "exit"
	behaveFailOnce   = "fail-once"
	behaveHang       = "hang"
	behaveNoSentinel = "no-sentinel"
)

type fakeJob struct {
	chain  *jobspec.Chain
	status []driver.Status
	polls  int
	killed bool
}

type fakeDriver struct {
	mu        sync.Mutex
	behave    map[int]string
	submitErr map[int]error
	jobs      map[string]*fakeJob
	attempts  map[int]int
	live      int
	peak      int
	kills     []int
	next      int
}

func newFakeDriver(behave map[int]string) *fakeDriver {
	return &fakeDriver{
		behave:    behave,
		submitErr: map[int]error{},
		jobs:      map[string]*fakeJob{},
		attempts:  map[int]int{},
	}
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Submit(_ context.Context, c *jobspec.Chain) (driver.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[c.IENS]++
	if err := f.submitErr[c.IENS]; err != nil {
		return driver.Handle{}, err
	}

	behave := f.behave[c.IENS]
	if behave == behaveFailOnce {
		behave = behaveOK
		if f.attempts[c.IENS] == 1 {
			behave = behaveExit
		}
	}

	job := &fakeJob{chain: c}
	switch behave {
	case behaveOK:
		writeSentinel(c.RunDir, chain.OKFile, "")
		job.status = []driver.Status{driver.StatusPending, driver.StatusRunning, driver.StatusDone}
	case behaveExit:
		writeSentinel(c.RunDir, chain.ExitFile, "time=2026-10-15T10:00:00Z\njob=ECLIPSE100\nmessage=could not find target_file:/run/ECL.UNSMRY\n")
		job.status = []driver.Status{driver.StatusRunning, driver.StatusExit}
	case behaveNoSentinel:
		job.status = []driver.Status{driver.StatusRunning, driver.StatusDone}
	default:
		job.status = []driver.Status{driver.StatusRunning}
	}

	f.next++
	id := fmt.Sprintf("job-%d", f.next)
	f.jobs[id] = job
	f.live++
	f.peak = max(f.peak, f.live)
	return driver.Handle{ID: id}, nil
}

func (f *fakeDriver) Poll(_ context.Context, h driver.Handle) (driver.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[h.ID]
	if !ok {
		return "", driver.ErrUnknownHandle
	}
	if job.killed {
		return driver.StatusExit, nil
	}
	i := min(job.polls, len(job.status)-1)
	job.polls++
	st := job.status[i]
	if (st == driver.StatusDone || st == driver.StatusExit) && job.polls == i+1 {
		f.live--
	}
	return st, nil
}

func (f *fakeDriver) Kill(_ context.Context, h driver.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[h.ID]
	if !ok {
		return false
	}
	job.killed = true
	f.live--
	f.kills = append(f.kills, job.chain.IENS)
	return true
}

func (f *fakeDriver) attemptsFor(iens int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[iens]
}

func writeSentinel(runDir, name, body string) {
	// Stale sentinels of a previous attempt are removed by the executor;
	// the fake mimics that.
	_ = os.Remove(filepath.Join(runDir, chain.OKFile))
	_ = os.Remove(filepath.Join(runDir, chain.ExitFile))
	_ = os.WriteFile(filepath.Join(runDir, name), []byte(body), 0o644)
}

func chains(t *testing.T, n int) []*jobspec.Chain {
	t.Helper()
	root := t.TempDir()
	out := make([]*jobspec.Chain, n)
	for i := range out {
		dir := filepath.Join(root, fmt.Sprintf("realization-%d", i))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		out[i] = &jobspec.Chain{Name: "norne", IENS: i, RunDir: dir, Jobs: []jobspec.Job{{Name: "ECLIPSE100", Executable: "eclipse"}}}
	}
	return out
}

func testOptions(d driver.Driver, size int) Options {
	return Options{
		Driver:       d,
		Size:         size,
		PollInterval: 5 * time.Millisecond,
		MaxOKWait:    time.Second,
		KillWait:     2 * time.Second,
	}
}

func newQueue(t *testing.T, opts Options, cs []*jobspec.Chain) *Queue {
	t.Helper()
	q, err := New(opts)
	require.NoError(t, err)
	for _, c := range cs {
		require.NoError(t, q.Submit(c))
	}
	return q
}

func runQueue(t *testing.T, q *Queue) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return q.Run(ctx)
}

func states(q *Queue) map[int]State {
	out := map[int]State{}
	for _, rz := range q.Snapshot() {
		out[rz.IENS] = rz.State
	}
	return out
}

func TestNew_RequiresDriver(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Driver: newFakeDriver(nil), MaxRunning: -1})
	require.Error(t, err)
}

func TestQueue_AllSucceedWithinConcurrencyCap(t *testing.T) {
	cs := chains(t, 5)
	fd := newFakeDriver(map[int]string{0: behaveOK, 1: behaveOK, 2: behaveOK, 3: behaveOK, 4: behaveOK})
	opts := testOptions(fd, len(cs))
	opts.MaxRunning = 2

	var buf bytes.Buffer
	opts.Output = output.NewJSONLWriter(&buf, "run-1", "fake")

	q := newQueue(t, opts, cs)
	require.NoError(t, runQueue(t, q))

	for iens, s := range states(q) {
		assert.Equal(t, Success, s, "iens %d", iens)
	}
	assert.LessOrEqual(t, fd.peak, 2)
	assert.Equal(t, Counts{Complete: 5, Total: 5}, q.Counts())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var last output.Record
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.Equal(t, output.TypeSummary, last.Type)
	var sum output.SummaryRecord
	require.NoError(t, json.Unmarshal(last.Data, &sum))
	assert.Equal(t, 5, sum.Succeeded)
	assert.Empty(t, sum.FailedIENS)

	rz, ok := q.Get(3)
	require.True(t, ok)
	assert.Equal(t, 1, rz.Attempt)
	assert.False(t, rz.SubmitTime.IsZero())
	assert.False(t, rz.EndTime.IsZero())
}

func TestQueue_ExitRetriedUntilMaxSubmit(t *testing.T) {
	cs := chains(t, 2)
	fd := newFakeDriver(map[int]string{0: behaveExit, 1: behaveOK})
	opts := testOptions(fd, len(cs))
	opts.MaxSubmit = 3

	q := newQueue(t, opts, cs)
	require.NoError(t, runQueue(t, q))

	rz, _ := q.Get(0)
	assert.Equal(t, Failed, rz.State)
	assert.Equal(t, 3, rz.Attempt)
	assert.Equal(t, 3, fd.attemptsFor(0))
	assert.Equal(t, "ECLIPSE100: could not find target_file:/run/ECL.UNSMRY", rz.Message)

	rz, _ = q.Get(1)
	assert.Equal(t, Success, rz.State, "a failing realization does not affect others")
}

func TestQueue_RetrySucceeds(t *testing.T) {
	cs := chains(t, 1)
	fd := newFakeDriver(map[int]string{0: behaveFailOnce})
	q := newQueue(t, testOptions(fd, 1), cs)
	require.NoError(t, runQueue(t, q))

	rz, _ := q.Get(0)
	assert.Equal(t, Success, rz.State)
	assert.Equal(t, 2, rz.Attempt)
}

func TestQueue_DoneWithoutSentinelFails(t *testing.T) {
	cs := chains(t, 1)
	fd := newFakeDriver(map[int]string{0: behaveNoSentinel})
	opts := testOptions(fd, 1)
	opts.MaxOKWait = 50 * time.Millisecond

	q := newQueue(t, opts, cs)
	require.NoError(t, runQueue(t, q))

	rz, _ := q.Get(0)
	assert.Equal(t, Failed, rz.State)
	assert.Contains(t, rz.Message, "no OK or EXIT sentinel")
	assert.Equal(t, 1, rz.Attempt, "a DONE without sentinels is not resubmitted")
}

func TestQueue_OnDoneFailureResubmits(t *testing.T) {
	cs := chains(t, 1)
	fd := newFakeDriver(map[int]string{0: behaveOK})
	opts := testOptions(fd, 1)

	var mu sync.Mutex
	calls := 0
	opts.OnDone = func(_ context.Context, c *jobspec.Chain) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("summary file unreadable")
		}
		return nil
	}

	q := newQueue(t, opts, cs)
	require.NoError(t, runQueue(t, q))

	rz, _ := q.Get(0)
	assert.Equal(t, Success, rz.State)
	assert.Equal(t, 2, rz.Attempt)
	assert.Equal(t, 2, calls)
}

func TestQueue_KillAllWhileRunning(t *testing.T) {
	cs := chains(t, 5)
	behave := map[int]string{}
	for i := range cs {
		behave[i] = behaveHang
	}
	fd := newFakeDriver(behave)
	opts := testOptions(fd, len(cs))
	opts.MaxRunning = 2

	q := newQueue(t, opts, cs)
	errc := make(chan error, 1)
	go func() { errc <- runQueue(t, q) }()

	require.Eventually(t, func() bool { return q.Counts().Running == 2 }, 5*time.Second, 5*time.Millisecond)

	assert.True(t, q.KillAll(context.Background()))
	require.NoError(t, <-errc)

	for _, rz := range q.Snapshot() {
		assert.Equal(t, UserKilled, rz.State, "iens %d", rz.IENS)
		if rz.IENS >= 2 {
			assert.Zero(t, rz.Attempt, "waiting realization %d was never submitted", rz.IENS)
			assert.True(t, rz.StartTime.IsZero())
		}
	}
	assert.ElementsMatch(t, []int{0, 1}, fd.kills)
	assert.Equal(t, 5, q.Counts().Killed)

	assert.ErrorIs(t, q.Submit(&jobspec.Chain{Name: "norne", IENS: 9, RunDir: t.TempDir()}), ErrSubmitClosed)
}

func TestQueue_KillAllBeforeRun(t *testing.T) {
	cs := chains(t, 2)
	fd := newFakeDriver(map[int]string{0: behaveOK, 1: behaveOK})
	opts := testOptions(fd, len(cs))
	opts.KillWait = 30 * time.Millisecond

	q := newQueue(t, opts, cs)
	assert.False(t, q.KillAll(context.Background()))

	require.NoError(t, runQueue(t, q))
	assert.Equal(t, map[int]State{0: UserKilled, 1: UserKilled}, states(q))
	assert.Zero(t, fd.attemptsFor(0))
}

func TestQueue_ContextCancelKills(t *testing.T) {
	cs := chains(t, 1)
	fd := newFakeDriver(map[int]string{0: behaveHang})
	q := newQueue(t, testOptions(fd, 1), cs)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- q.Run(ctx) }()

	require.Eventually(t, func() bool { return q.Counts().Running == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	rz, _ := q.Get(0)
	assert.Equal(t, UserKilled, rz.State)
	assert.Equal(t, []int{0}, fd.kills)
}

func TestQueue_MaxDuration(t *testing.T) {
	cs := chains(t, 1)
	fd := newFakeDriver(map[int]string{0: behaveHang})
	opts := testOptions(fd, 1)
	opts.MaxDuration = 30 * time.Millisecond

	q := newQueue(t, opts, cs)
	require.NoError(t, runQueue(t, q))

	rz, _ := q.Get(0)
	assert.Equal(t, UserKilled, rz.State)
	assert.Contains(t, rz.Message, "max_duration")
}

func TestQueue_StopTime(t *testing.T) {
	cs := chains(t, 1)
	fd := newFakeDriver(map[int]string{0: behaveHang})
	q := newQueue(t, testOptions(fd, 1), cs)
	q.SetStopTime(time.Now().Add(30 * time.Millisecond))

	require.NoError(t, runQueue(t, q))
	rz, _ := q.Get(0)
	assert.Equal(t, UserKilled, rz.State)
	assert.Equal(t, "still running at stop time", rz.Message)
}

func TestQueue_SetAutoStopTime(t *testing.T) {
	cs := chains(t, 1)
	fd := newFakeDriver(map[int]string{0: behaveOK})
	q := newQueue(t, testOptions(fd, 1), cs)

	assert.False(t, q.SetAutoStopTime(), "nothing succeeded yet")
	require.NoError(t, runQueue(t, q))
	assert.True(t, q.SetAutoStopTime())
}

func TestQueue_SubmitFailure(t *testing.T) {
	cs := chains(t, 1)
	fd := newFakeDriver(map[int]string{0: behaveOK})
	fd.submitErr[0] = errors.New("bsub: command not found")
	opts := testOptions(fd, 1)

	var buf bytes.Buffer
	opts.Output = output.NewJSONLWriter(&buf, "run-1", "fake")

	q := newQueue(t, opts, cs)
	require.NoError(t, runQueue(t, q))

	rz, _ := q.Get(0)
	assert.Equal(t, Failed, rz.State)
	assert.Equal(t, DefaultMaxSubmit, fd.attemptsFor(0))
	assert.Contains(t, rz.Message, "bsub: command not found")
	assert.Contains(t, buf.String(), output.ErrCodeSubmit)
}

func TestQueue_SubmitComplete(t *testing.T) {
	cs := chains(t, 2)
	fd := newFakeDriver(map[int]string{0: behaveOK, 1: behaveOK})
	q := newQueue(t, testOptions(fd, 0), cs[:1])

	errc := make(chan error, 1)
	go func() { errc <- runQueue(t, q) }()

	require.Eventually(t, func() bool { return q.Counts().Complete == 1 }, 5*time.Second, 5*time.Millisecond)
	select {
	case <-q.Done():
		t.Fatal("queue without SubmitComplete finished early")
	default:
	}

	require.NoError(t, q.Submit(cs[1]))
	q.SubmitComplete()
	require.NoError(t, <-errc)
	assert.Equal(t, 2, q.Counts().Complete)
	assert.ErrorIs(t, q.Submit(cs[0]), ErrSubmitClosed)
}

func TestQueue_PauseResume(t *testing.T) {
	cs := chains(t, 1)
	fd := newFakeDriver(map[int]string{0: behaveOK})
	q := newQueue(t, testOptions(fd, 1), cs)
	q.Pause()

	errc := make(chan error, 1)
	go func() { errc <- runQueue(t, q) }()
	<-q.Started()
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, fd.attemptsFor(0))
	assert.Equal(t, 1, q.Counts().Waiting)

	q.Resume()
	require.NoError(t, <-errc)
	rz, _ := q.Get(0)
	assert.Equal(t, Success, rz.State)
}

func TestQueue_RunLifecycle(t *testing.T) {
	cs := chains(t, 1)
	fd := newFakeDriver(map[int]string{0: behaveHang})
	q := newQueue(t, testOptions(fd, 1), cs)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- q.Run(ctx) }()
	<-q.Started()

	assert.ErrorIs(t, q.Run(ctx), ErrQueueRunning)
	assert.ErrorIs(t, q.Reset(), ErrQueueRunning)
	assert.True(t, q.Running())

	cancel()
	<-errc
	assert.False(t, q.Running())
	assert.ErrorIs(t, q.Run(context.Background()), ErrQueueFinished)

	require.NoError(t, q.Reset())
	assert.Empty(t, q.Snapshot())
	fd.behave[0] = behaveOK
	require.NoError(t, q.Submit(cs[0]))
	require.NoError(t, runQueue(t, q))
	rz, _ := q.Get(0)
	assert.Equal(t, Success, rz.State)
}

func TestQueue_SubmitDuplicate(t *testing.T) {
	cs := chains(t, 1)
	q := newQueue(t, testOptions(newFakeDriver(nil), 0), cs)
	assert.ErrorIs(t, q.Submit(cs[0]), ErrDuplicate)
	assert.Error(t, q.Submit(nil))
}

func TestQueue_SubmitBeyondSize(t *testing.T) {
	cs := chains(t, 2)
	q := newQueue(t, testOptions(newFakeDriver(nil), 1), cs[:1])
	assert.ErrorIs(t, q.Submit(cs[1]), ErrSubmitClosed)
}

func TestQueue_SubmitBatchPerCycle(t *testing.T) {
	cs := chains(t, 4)
	behave := map[int]string{}
	for i := range cs {
		behave[i] = behaveHang
	}
	fd := newFakeDriver(behave)
	opts := testOptions(fd, len(cs))
	opts.SubmitBatch = 1
	opts.PollInterval = time.Hour

	q := newQueue(t, opts, cs)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- q.Run(ctx) }()
	<-q.Started()

	require.Eventually(t, func() bool { return q.Counts().Pending+q.Counts().Running == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, q.Counts().Waiting)

	cancel()
	<-errc
}
