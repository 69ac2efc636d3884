// Package runner executes a single forward-model job and decides its
// outcome from side-effect evidence (target and error files) rather than
// from the raw exit status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/license"
)

// ExitInfrastructure is reported when a job could not be attempted at all:
// missing start file, license wait aborted, or the executable failed to
// launch.
const ExitInfrastructure = -1

// DefaultTimeoutPollInterval is how often a time-bounded child is checked.
const DefaultTimeoutPollInterval = 2 * time.Second

// Result is the outcome of one job.
type Result struct {
	OK         bool
	ExitStatus int
	Message    string

	Start time.Time
	End   time.Time

	// TimedOut is set when the child was killed for exceeding its limit.
	TimedOut bool

	// StderrPath is the job's stderr redirection, for console reporting.
	StderrPath string
}

// Runner runs jobs. The zero value is usable: no license limits, default
// polling, no logging.
type Runner struct {
	Gate   license.Gate
	Logger *zap.Logger

	// TimeoutPollInterval between liveness checks of a time-bounded child.
	TimeoutPollInterval time.Duration

	// TimeoutUnit is the length of one max_running_minutes unit;
	// time.Minute if zero.
	TimeoutUnit time.Duration
}

// New returns a Runner gated by gate.
func New(gate license.Gate, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{Gate: gate, Logger: logger, TimeoutPollInterval: DefaultTimeoutPollInterval}
}

// Run executes job inside runDir.
//
// Only jobs with max_running_minutes are forcibly killed when ctx is
// cancelled; an unbounded job is waited for synchronously.
func (r *Runner) Run(ctx context.Context, job jobspec.Job, runDir string) Result {
	logger := r.logger().With(zap.String("job", job.Name))
	res := Result{Start: time.Now(), StderrPath: job.StderrPath(runDir)}
	fail := func(status int, format string, args ...any) Result {
		res.OK = false
		res.ExitStatus = status
		res.Message = fmt.Sprintf(format, args...)
		res.End = time.Now()
		return res
	}

	if job.StartFile != "" {
		startFile := jobspec.Resolve(runDir, job.StartFile)
		if _, err := os.Stat(startFile); err != nil {
			return fail(ExitInfrastructure, "could not locate start_file:%s", startFile)
		}
	}

	var errorFile string
	if job.ErrorFile != "" {
		errorFile = jobspec.Resolve(runDir, job.ErrorFile)
		if err := os.Remove(errorFile); err == nil {
			logger.Debug("removed stale error_file", zap.String("path", errorFile))
		}
	}

	if job.Licensed() {
		token, err := r.gate().Acquire(ctx, job.Name, job.LicensePath, job.MaxRunning)
		if err != nil {
			return fail(ExitInfrastructure, "license wait for %s aborted: %v", job.Name, err)
		}
		defer func() {
			if err := r.gate().Release(token); err != nil {
				logger.Warn("failed to release license", zap.Error(err))
			}
		}()
	}

	stdoutPath := job.StdoutPath(runDir)
	stderrPath := res.StderrPath
	defer removeIfEmpty(stdoutPath, stderrPath)

	// Start is taken after the license wait so target evidence is compared
	// against the actual launch.
	res.Start = time.Now()
	cmd, closeFiles, err := r.command(job, runDir, stdoutPath, stderrPath)
	if err != nil {
		return fail(ExitInfrastructure, "failed to prepare %s: %v", job.Name, err)
	}
	if err := cmd.Start(); err != nil {
		closeFiles()
		return fail(ExitInfrastructure, "failed to start %s: %v", job.Name, err)
	}
	logger.Info("job started", zap.Int("pid", cmd.Process.Pid), zap.String("executable", cmd.Path))

	var waitErr error
	if limit := r.limit(job); limit > 0 {
		res.TimedOut, waitErr = r.supervise(ctx, cmd, limit)
	} else {
		waitErr = cmd.Wait()
	}
	closeFiles()
	res.End = time.Now()
	res.ExitStatus = exitStatus(cmd, waitErr)

	if res.TimedOut {
		logger.Warn("job killed after exceeding its time limit", zap.Int("max_running_minutes", job.MaxRunningMinutes))
		return fail(res.ExitStatus, "job %s exceeded max_running_minutes=%d and was killed after %s",
			job.Name, job.MaxRunningMinutes, res.End.Sub(res.Start).Round(time.Second))
	}
	if waitErr != nil && ctx.Err() != nil && r.limit(job) > 0 {
		return fail(res.ExitStatus, "job %s was killed: %v", job.Name, ctx.Err())
	}

	res.OK = true
	if job.TargetFile != "" {
		target := jobspec.Resolve(runDir, job.TargetFile)
		info, err := os.Stat(target)
		switch {
		case err != nil:
			return fail(res.ExitStatus, "could not find target_file:%s (exit status %d)", target, res.ExitStatus)
		case !info.ModTime().After(res.Start):
			// Accepted: some jobs only touch their target.
			logger.Warn("target_file is older than the job start; accepting it",
				zap.String("path", target), zap.Time("mtime", info.ModTime()), zap.Time("start", res.Start))
		}
	}

	if errorFile != "" {
		if _, err := os.Stat(errorFile); err == nil {
			return fail(res.ExitStatus, "found error_file:%s", errorFile)
		}
	}

	logger.Info("job finished", zap.Int("exit_status", res.ExitStatus), zap.Duration("elapsed", res.End.Sub(res.Start)))
	return res
}

// supervise waits for cmd, killing it at the deadline or on cancellation.
func (r *Runner) supervise(ctx context.Context, cmd *exec.Cmd, limit time.Duration) (bool, error) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.Now().Add(limit)
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return false, err
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return false, <-done
		case now := <-ticker.C:
			if now.Before(deadline) {
				continue
			}
			_ = cmd.Process.Kill()
			return true, <-done
		}
	}
}

func (r *Runner) command(job jobspec.Job, runDir, stdoutPath, stderrPath string) (*exec.Cmd, func(), error) {
	cmd := exec.Command(job.ExecutablePath(runDir), job.Args...)
	cmd.Dir = runDir
	cmd.Env = mergeEnv(os.Environ(), job.Env)

	var files []io.Closer
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	if job.Stdin != "" {
		f, err := os.Open(jobspec.Resolve(runDir, job.Stdin))
		if err != nil {
			return nil, nil, fmt.Errorf("open stdin: %w", err)
		}
		files = append(files, f)
		cmd.Stdin = f
	}

	stdout, err := os.Create(stdoutPath)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("create stdout: %w", err)
	}
	files = append(files, stdout)
	cmd.Stdout = stdout

	if stderrPath == stdoutPath {
		cmd.Stderr = stdout
	} else {
		stderr, err := os.Create(stderrPath)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("create stderr: %w", err)
		}
		files = append(files, stderr)
		cmd.Stderr = stderr
	}
	return cmd, closeAll, nil
}

// limit is the job's wall-time limit with one minute rescaled to TimeoutUnit.
func (r *Runner) limit(job jobspec.Job) time.Duration {
	timeout := job.Timeout()
	if timeout <= 0 || r.TimeoutUnit <= 0 {
		return timeout
	}
	return timeout / time.Minute * r.TimeoutUnit
}

func (r *Runner) pollInterval() time.Duration {
	if r.TimeoutPollInterval <= 0 {
		return DefaultTimeoutPollInterval
	}
	return r.TimeoutPollInterval
}

func (r *Runner) gate() license.Gate {
	if r.Gate == nil {
		return license.NopGate{}
	}
	return r.Gate
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// exitStatus maps a wait result to a shell-style status: the exit code, or
// 128+signal for a signalled child.
func exitStatus(cmd *exec.Cmd, waitErr error) int {
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return ExitInfrastructure
		}
	}
	if cmd.ProcessState == nil {
		return ExitInfrastructure
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return cmd.ProcessState.ExitCode()
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; !ok {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

func removeIfEmpty(paths ...string) {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() && info.Size() == 0 {
			_ = os.Remove(p)
		}
	}
}
