package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/goforward/pkg/chain"
	"github.com/3leaps/goforward/pkg/driver"
	"github.com/3leaps/goforward/pkg/output"
)

// Run polls the driver, promotes waiting realizations and verifies
// finished ones until the queue completes, KillAll is called or ctx is
// cancelled. Cancelling ctx kills every non-terminal realization.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrQueueRunning
	}
	if q.finished {
		q.mu.Unlock()
		return ErrQueueFinished
	}
	q.running = true
	q.startedAt = time.Now()
	close(q.started)
	q.mu.Unlock()

	q.log.Info("queue started",
		zap.Int("size", q.opts.Size),
		zap.Int("max_running", q.opts.MaxRunning),
		zap.Int("max_submit", q.opts.MaxSubmit))

	cbCtx, cbCancel := context.WithCancel(ctx)
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	var runErr error
	killedByUser := false
	for {
		if q.killRequested() {
			killedByUser = true
			q.killEverything(ctx, "killed by user")
			break
		}
		if err := ctx.Err(); err != nil {
			q.killEverything(ctx, "queue cancelled")
			runErr = err
			break
		}

		q.iterate(ctx, cbCtx)
		if q.complete() {
			break
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-q.wake:
		}
	}

	cbCancel()
	q.callbacks.Wait()
	q.finish(ctx, killedByUser)
	return runErr
}

func (q *Queue) killRequested() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.killFlag
}

func (q *Queue) complete() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	c := q.countsLocked()
	if q.opts.Size > 0 {
		return c.Finished() >= q.opts.Size
	}
	return q.submitComplete && c.Finished() == c.Total
}

// list returns the entries in submission order.
func (q *Queue) list() []*entry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// iterate runs one poll cycle.
func (q *Queue) iterate(ctx, cbCtx context.Context) {
	q.drainResults(ctx)

	entries := q.list()
	for _, e := range entries {
		if e.rz.State.Active() {
			q.poll(ctx, e)
		}
	}

	for _, e := range entries {
		switch e.rz.State {
		case Done:
			q.transition(ctx, e, RunningCallback, "")
			q.startCallback(cbCtx, e)
		case Exit:
			q.handleExit(ctx, e)
		}
	}

	q.expire(ctx, entries)
	q.promote(ctx, entries)
	q.reportProgress(ctx)
}

func (q *Queue) poll(ctx context.Context, e *entry) {
	h := driver.Handle{ID: e.rz.Handle}
	st, err := q.opts.Driver.Poll(ctx, h)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.pollErrors++
		q.log.Warn("poll failed", zap.Int("iens", e.rz.IENS), zap.Stringer("handle", h), zap.Int("consecutive", e.pollErrors), zap.Error(err))
		q.emitError(ctx, output.ErrCodePoll, err.Error(), e.rz.IENS)
		if e.pollErrors >= maxPollErrors {
			q.transition(ctx, e, Exit, fmt.Sprintf("driver poll failed %d times: %v", e.pollErrors, err))
		}
		return
	}
	e.pollErrors = 0

	switch st {
	case driver.StatusPending:
		if e.rz.State == Submitted {
			q.transition(ctx, e, Pending, "")
		}
	case driver.StatusRunning:
		if e.rz.State != Running {
			q.transition(ctx, e, Running, "")
		}
	case driver.StatusDone:
		q.transition(ctx, e, Done, "")
	case driver.StatusExit:
		q.transition(ctx, e, Exit, "executor exited with failure")
	}
}

// handleExit resubmits while attempts remain, otherwise fails the
// realization.
func (q *Queue) handleExit(ctx context.Context, e *entry) {
	msg := e.rz.Message
	if info, err := chain.ReadExit(e.rz.RunDir); err == nil {
		msg = fmt.Sprintf("%s: %s", info.Job, info.Message)
	}

	if e.rz.Attempt < q.opts.MaxSubmit {
		q.log.Info("resubmitting realization", zap.Int("iens", e.rz.IENS), zap.Int("attempt", e.rz.Attempt), zap.String("reason", msg))
		q.update(e, func(rz *Realization) { rz.Handle = "" })
		q.transition(ctx, e, Waiting, msg)
		return
	}
	q.transition(ctx, e, RunningCallback, msg)
	q.transition(ctx, e, Failed, msg)
}

func (q *Queue) startCallback(ctx context.Context, e *entry) {
	q.callbacks.Add(1)
	go func() {
		defer q.callbacks.Done()
		r := q.verify(ctx, e)
		select {
		case q.results <- r:
			q.poke()
		case <-ctx.Done():
		}
	}()
}

// verify decides a DONE realization's outcome from its sentinels.
func (q *Queue) verify(ctx context.Context, e *entry) result {
	outcome, err := chain.WaitOutcome(ctx, e.chain.RunDir, q.opts.MaxOKWait)
	if err != nil {
		return result{e: e, state: Failed, message: fmt.Sprintf("result check interrupted: %v", err)}
	}
	switch outcome {
	case chain.Failed:
		msg := "EXIT sentinel found"
		if info, err := chain.ReadExit(e.chain.RunDir); err == nil {
			msg = fmt.Sprintf("%s: %s", info.Job, info.Message)
		}
		return result{e: e, state: Failed, message: msg}
	case chain.Succeeded:
		if q.opts.OnDone != nil {
			if err := q.opts.OnDone(ctx, e.chain); err != nil {
				q.emitError(ctx, output.ErrCodeCallback, err.Error(), e.chain.IENS)
				return result{e: e, state: Exit, message: fmt.Sprintf("result callback failed: %v", err)}
			}
		}
		return result{e: e, state: Success}
	default:
		return result{e: e, state: Failed, message: fmt.Sprintf("no %s or %s sentinel after %s", chain.OKFile, chain.ExitFile, q.opts.MaxOKWait)}
	}
}

func (q *Queue) drainResults(ctx context.Context) {
	for {
		select {
		case r := <-q.results:
			if r.e.rz.State != RunningCallback {
				continue
			}
			q.transition(ctx, r.e, r.state, r.message)
		default:
			return
		}
	}
}

// expire kills RUNNING realizations past max duration or the stop time.
func (q *Queue) expire(ctx context.Context, entries []*entry) {
	q.mu.RLock()
	stopTime := q.stopTime
	q.mu.RUnlock()
	now := time.Now()

	for _, e := range entries {
		if e.rz.State != Running {
			continue
		}
		var reason string
		switch {
		case q.opts.MaxDuration > 0 && !e.rz.StartTime.IsZero() && now.Sub(e.rz.StartTime) > q.opts.MaxDuration:
			reason = fmt.Sprintf("exceeded max_duration %s", q.opts.MaxDuration)
		case !stopTime.IsZero() && now.After(stopTime):
			reason = "still running at stop time"
		default:
			continue
		}
		q.kill(ctx, e)
		q.transition(ctx, e, UserKilled, reason)
	}
}

// promote submits waiting realizations while the concurrency cap, the
// per-cycle batch and the rate limiter allow.
func (q *Queue) promote(ctx context.Context, entries []*entry) {
	q.mu.RLock()
	paused := q.paused
	q.mu.RUnlock()
	if paused {
		return
	}

	free := q.opts.SubmitBatch
	if q.opts.MaxRunning > 0 {
		active := 0
		for _, e := range entries {
			if e.rz.State.Active() {
				active++
			}
		}
		free = min(free, q.opts.MaxRunning-active)
	}

	for _, e := range entries {
		if free <= 0 || ctx.Err() != nil {
			return
		}
		if e.rz.State != Waiting {
			continue
		}
		if !q.limiter.Allow() {
			return
		}
		free--

		h, err := q.opts.Driver.Submit(ctx, e.chain)
		if err != nil {
			q.log.Warn("submit failed", zap.Int("iens", e.rz.IENS), zap.Error(err))
			q.emitError(ctx, output.ErrCodeSubmit, err.Error(), e.rz.IENS)
			q.update(e, func(rz *Realization) { rz.Attempt++ })
			q.transition(ctx, e, Exit, fmt.Sprintf("submit failed: %v", err))
			continue
		}
		now := time.Now()
		q.update(e, func(rz *Realization) {
			rz.Attempt++
			rz.Handle = h.ID
			rz.SubmitTime = now
			rz.StartTime = time.Time{}
			rz.EndTime = time.Time{}
		})
		q.transition(ctx, e, Submitted, "")
	}
}

// killEverything moves every non-terminal realization to USER_KILLED,
// killing the live ones through the driver.
func (q *Queue) killEverything(ctx context.Context, reason string) {
	var g errgroup.Group
	g.SetLimit(killParallelism)
	var victims []*entry
	for _, e := range q.list() {
		if e.rz.State.Terminal() {
			continue
		}
		victims = append(victims, e)
		if e.rz.State.Active() && e.rz.Handle != "" {
			g.Go(func() error {
				q.kill(ctx, e)
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, e := range victims {
		q.transition(ctx, e, UserKilled, reason)
	}
	q.log.Info("queue killed", zap.Int("realizations", len(victims)), zap.String("reason", reason))
}

func (q *Queue) kill(ctx context.Context, e *entry) {
	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.KillWait)
	defer cancel()
	h := driver.Handle{ID: e.rz.Handle}
	if !q.opts.Driver.Kill(kctx, h) {
		q.log.Warn("kill failed", zap.Int("iens", e.rz.IENS), zap.Stringer("handle", h))
		q.emitError(ctx, output.ErrCodeKill, "driver could not kill "+h.ID, e.rz.IENS)
	}
}

func (q *Queue) finish(ctx context.Context, killedByUser bool) {
	q.mu.Lock()
	c := q.countsLocked()
	elapsed := time.Since(q.startedAt)
	var failed []int
	for _, e := range q.entries {
		if e.rz.State != Success {
			failed = append(failed, e.rz.IENS)
		}
	}
	q.running = false
	q.finished = true
	if killedByUser {
		close(q.killed)
	}
	close(q.done)
	q.mu.Unlock()

	q.reportProgress(ctx)
	q.log.Info("queue finished",
		zap.Int("total", c.Total),
		zap.Int("succeeded", c.Complete),
		zap.Int("failed", c.Failed),
		zap.Int("killed", c.Killed),
		zap.Duration("elapsed", elapsed))

	if q.opts.Output != nil {
		err := q.opts.Output.WriteSummary(context.WithoutCancel(ctx), &output.SummaryRecord{
			Total:         c.Total,
			Succeeded:     c.Complete,
			Failed:        c.Failed,
			Killed:        c.Killed,
			Duration:      elapsed,
			DurationHuman: elapsed.Round(time.Millisecond).String(),
			FailedIENS:    failed,
		})
		if err != nil {
			q.log.Warn("write summary failed", zap.Error(err))
		}
	}
}

// update mutates a realization under the write lock. Only the poller
// calls it.
func (q *Queue) update(e *entry, fn func(rz *Realization)) {
	q.mu.Lock()
	fn(&e.rz)
	q.mu.Unlock()
}

func (q *Queue) transition(ctx context.Context, e *entry, to State, message string) {
	now := time.Now()
	var from State
	q.update(e, func(rz *Realization) {
		from = rz.State
		rz.State = to
		if message != "" {
			rz.Message = message
		}
		switch {
		case to == Running && rz.StartTime.IsZero():
			rz.StartTime = now
		case to.Terminal():
			rz.EndTime = now
		case to == Waiting || to == Submitted:
			if message == "" {
				rz.Message = ""
			}
		}
	})
	rz := e.rz

	fields := []zap.Field{zap.Int("iens", rz.IENS), zap.Stringer("from", from), zap.Stringer("to", to)}
	switch to {
	case Failed, UserKilled:
		q.log.Warn("realization "+stateVerb(to), append(fields, zap.String("message", rz.Message))...)
	case Success:
		q.log.Info("realization succeeded", fields...)
	default:
		q.log.Debug("realization state changed", fields...)
	}
	q.emitTransition(ctx, rz, from)
}

func stateVerb(s State) string {
	if s == UserKilled {
		return "killed"
	}
	return "failed"
}

func (q *Queue) reportProgress(ctx context.Context) {
	q.mu.Lock()
	c := q.countsLocked()
	changed := c != q.lastCounts
	q.lastCounts = c
	q.mu.Unlock()
	if !changed {
		return
	}
	q.log.Info(c.String())
	if q.opts.Output != nil {
		if err := q.opts.Output.WriteProgress(context.WithoutCancel(ctx), c.record()); err != nil {
			q.log.Warn("write progress failed", zap.Error(err))
		}
	}
}

func (q *Queue) emitTransition(ctx context.Context, rz Realization, from State) {
	if q.opts.Output == nil {
		return
	}
	err := q.opts.Output.WriteRealization(context.WithoutCancel(ctx), &output.RealizationRecord{
		IENS:       rz.IENS,
		From:       from.String(),
		State:      rz.State.String(),
		Attempt:    rz.Attempt,
		RunDir:     rz.RunDir,
		SubmitTime: rz.SubmitTime,
		StartTime:  rz.StartTime,
		Message:    rz.Message,
	})
	if err != nil {
		q.log.Warn("write realization event failed", zap.Int("iens", rz.IENS), zap.Error(err))
	}
}

func (q *Queue) emitError(ctx context.Context, code, message string, iens int) {
	if q.opts.Output == nil {
		return
	}
	if err := q.opts.Output.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{Code: code, Message: message, IENS: &iens}); err != nil {
		q.log.Warn("write error event failed", zap.Error(err))
	}
}
