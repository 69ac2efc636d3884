// Package chain runs the ordered jobs of one realization inside its run
// directory and publishes the outcome as sentinel files.
//
// The sentinels are the only channel to the orchestrator: STATUS is an
// append-only progress log, EXIT marks a failed attempt and OK a successful
// one. Absence of both means the attempt is still running or died.
package chain

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/runner"
)

// ExitRunDirMissing is returned when the run directory does not exist.
const ExitRunDirMissing = -2

// DefaultSettleDelay is the pause after writing OK so a networked
// filesystem can publish it before the process exits.
const DefaultSettleDelay = 2 * time.Second

// JobRunner runs a single job.
type JobRunner interface {
	Run(ctx context.Context, job jobspec.Job, runDir string) runner.Result
}

// Mirror receives copies of the sentinel files. provider.Store satisfies it.
type Mirror interface {
	Put(ctx context.Context, key string, body []byte) error
	Delete(ctx context.Context, key string) error
}

// Executor runs chains.
type Executor struct {
	Runner JobRunner
	Logger *zap.Logger

	// Mirror, when set, receives every sentinel under
	// MirrorPrefix/<chain name>/<iens>/.
	Mirror       Mirror
	MirrorPrefix string

	SettleDelay time.Duration

	// TailBytes of stderr are copied into EXIT; runner.DefaultTailBytes if
	// zero.
	TailBytes int64
}

// New returns an Executor with the default settle delay.
func New(r JobRunner, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{Runner: r, Logger: logger, SettleDelay: DefaultSettleDelay}
}

// Execute runs every job of c in order and stops at the first failure. It
// returns 0 on success, the failing job's exit status (1 if that status was
// 0), runner.ExitInfrastructure when a job could not be attempted or ctx
// ended before the next job, or ExitRunDirMissing.
func (e *Executor) Execute(ctx context.Context, c *jobspec.Chain) int {
	logger := e.logger().With(zap.String("chain", c.ID()), zap.String("run_dir", c.RunDir))

	if info, err := os.Stat(c.RunDir); err != nil || !info.IsDir() {
		msg := fmt.Sprintf("run directory %s does not exist", c.RunDir)
		logger.Error("cannot execute chain", zap.String("reason", msg))
		// The directory is created only to carry EXIT for the poller.
		if err := os.MkdirAll(c.RunDir, 0755); err == nil {
			e.writeSentinel(ctx, c, ExitFile, formatExit(time.Now(), "", msg, ""))
		} else {
			e.mirrorPut(ctx, c, ExitFile, formatExit(time.Now(), "", msg, ""))
		}
		return ExitRunDirMissing
	}

	e.clear(ctx, c)

	host, _ := os.Hostname()
	e.appendStatus(ctx, c, fmt.Sprintf("host=%s pid=%d started=%s", host, os.Getpid(), time.Now().Format(time.RFC3339)))
	logger.Info("chain started", zap.Int("jobs", len(c.Jobs)), zap.String("host", host))

	for _, job := range c.Jobs {
		if err := ctx.Err(); err != nil {
			// Sentinels must still land after cancellation.
			wctx := context.WithoutCancel(ctx)
			msg := fmt.Sprintf("chain cancelled before %s: %v", job.Name, err)
			e.appendStatus(wctx, c, fmt.Sprintf("%s fail %s exit=%d", time.Now().Format(time.RFC3339), job.Name, runner.ExitInfrastructure))
			e.writeSentinel(wctx, c, ExitFile, formatExit(time.Now(), job.Name, msg, ""))
			logger.Warn("chain cancelled", zap.String("next_job", job.Name), zap.Error(err))
			return runner.ExitInfrastructure
		}
		e.appendStatus(ctx, c, fmt.Sprintf("%s start %s", time.Now().Format(time.RFC3339), job.Name))

		res := e.Runner.Run(ctx, job, c.RunDir)
		if !res.OK {
			e.appendStatus(ctx, c, fmt.Sprintf("%s fail %s exit=%d", time.Now().Format(time.RFC3339), job.Name, res.ExitStatus))
			tail := runner.Tail(res.StderrPath, e.tailBytes())
			e.writeSentinel(ctx, c, ExitFile, formatExit(time.Now(), job.Name, res.Message, tail))
			logger.Error("job failed", zap.String("job", job.Name), zap.Int("exit_status", res.ExitStatus), zap.String("message", res.Message))
			return failureCode(res.ExitStatus)
		}
		e.appendStatus(ctx, c, fmt.Sprintf("%s done %s exit=%d", time.Now().Format(time.RFC3339), job.Name, res.ExitStatus))
	}

	e.writeSentinel(ctx, c, OKFile, []byte("time="+time.Now().Format(time.RFC3339)+"\n"))
	logger.Info("chain succeeded")

	if e.SettleDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(e.SettleDelay):
		}
	}
	return 0
}

// JobFailedError reports a failed job from RunInteractive.
type JobFailedError struct {
	Job    string
	Result runner.Result
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.Job, e.Result.Message)
}

// RunInteractive runs the jobs matching patterns (all jobs when empty) and
// reports to w instead of writing sentinels.
func (e *Executor) RunInteractive(ctx context.Context, c *jobspec.Chain, patterns []string, w io.Writer) error {
	jobs, err := c.Select(patterns)
	if err != nil {
		return err
	}
	if info, err := os.Stat(c.RunDir); err != nil || !info.IsDir() {
		return fmt.Errorf("run directory %s does not exist", c.RunDir)
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled before %s: %w", job.Name, err)
		}
		_, _ = fmt.Fprintf(w, "Running job: %s ... ", job.Name)
		res := e.Runner.Run(ctx, job, c.RunDir)
		if !res.OK {
			_, _ = fmt.Fprintln(w, "failed")
			_, _ = fmt.Fprintf(w, "  %s\n", res.Message)
			if tail := runner.Tail(res.StderrPath, e.tailBytes()); tail != "" {
				_, _ = fmt.Fprintf(w, "  stderr:\n%s\n", tail)
			}
			return &JobFailedError{Job: job.Name, Result: res}
		}
		_, _ = fmt.Fprintf(w, "OK (%s)\n", res.End.Sub(res.Start).Round(time.Millisecond))
	}
	return nil
}

func failureCode(status int) int {
	if status == 0 {
		return 1
	}
	return status
}

func (e *Executor) clear(ctx context.Context, c *jobspec.Chain) {
	for _, name := range []string{OKFile, ExitFile} {
		if err := os.Remove(filepath.Join(c.RunDir, name)); err != nil && !os.IsNotExist(err) {
			e.logger().Warn("cannot remove stale sentinel", zap.String("file", name), zap.Error(err))
		}
		if e.Mirror != nil {
			if err := e.Mirror.Delete(ctx, e.mirrorKey(c, name)); err != nil {
				e.logger().Warn("cannot remove mirrored sentinel", zap.String("file", name), zap.Error(err))
			}
		}
	}
	if err := os.WriteFile(filepath.Join(c.RunDir, StatusFile), nil, 0644); err != nil {
		e.logger().Warn("cannot reset STATUS", zap.Error(err))
	}
}

func (e *Executor) appendStatus(ctx context.Context, c *jobspec.Chain, line string) {
	p := filepath.Join(c.RunDir, StatusFile)
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		e.logger().Warn("cannot append STATUS", zap.Error(err))
		return
	}
	_, werr := f.WriteString(line + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		e.logger().Warn("cannot append STATUS", zap.NamedError("write", werr), zap.NamedError("close", cerr))
		return
	}
	if e.Mirror != nil {
		if b, err := os.ReadFile(p); err == nil {
			e.mirrorPut(ctx, c, StatusFile, b)
		}
	}
}

// writeSentinel writes name atomically so a poller never reads it half
// written.
func (e *Executor) writeSentinel(ctx context.Context, c *jobspec.Chain, name string, body []byte) {
	if err := writeFileAtomic(filepath.Join(c.RunDir, name), body); err != nil {
		e.logger().Error("cannot write sentinel", zap.String("file", name), zap.Error(err))
	}
	e.mirrorPut(ctx, c, name, body)
}

func (e *Executor) mirrorPut(ctx context.Context, c *jobspec.Chain, name string, body []byte) {
	if e.Mirror == nil {
		return
	}
	if err := e.Mirror.Put(ctx, e.mirrorKey(c, name), body); err != nil {
		e.logger().Warn("cannot mirror sentinel", zap.String("file", name), zap.Error(err))
	}
}

func (e *Executor) mirrorKey(c *jobspec.Chain, name string) string {
	return MirrorKey(e.MirrorPrefix, c.Name, c.IENS, name)
}

// MirrorKey is the object key of a mirrored sentinel.
func MirrorKey(prefix, chainName string, iens int, name string) string {
	return path.Join(prefix, chainName, strconv.Itoa(iens), name)
}

func (e *Executor) tailBytes() int64 {
	if e.TailBytes <= 0 {
		return runner.DefaultTailBytes
	}
	return e.TailBytes
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func writeFileAtomic(p string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, p)
}
