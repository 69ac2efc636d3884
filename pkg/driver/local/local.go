// Package local runs chains as background processes on this host.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goforward/pkg/driver"
	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/registry"
)

// DefaultKillGrace is how long Kill waits after SIGTERM before SIGKILL.
const DefaultKillGrace = 10 * time.Second

// Config configures the local driver.
type Config struct {
	// Store records every spawned process.
	Store *registry.Store

	// Command is the executor argv; the run directory is appended. Defaults
	// to this binary's `run` command.
	Command []string

	KillGrace time.Duration

	// RunID is stored on each record for correlation.
	RunID string

	Logger *zap.Logger
}

// Driver implements driver.Driver with child processes.
type Driver struct {
	cfg Config

	mu    sync.Mutex
	procs map[string]*proc

	// recMu orders record updates from Kill and the reaper.
	recMu sync.Mutex
}

type proc struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

var _ driver.Driver = (*Driver)(nil)

// New returns a local driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Store == nil {
		return nil, errors.New("local driver requires a registry store")
	}
	if len(cfg.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.Command = []string{exe, "run"}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, procs: make(map[string]*proc)}, nil
}

func (d *Driver) Name() string { return "local" }

// Submit spawns the executor for c.
func (d *Driver) Submit(ctx context.Context, c *jobspec.Chain) (driver.Handle, error) {
	if err := ctx.Err(); err != nil {
		return driver.Handle{}, err
	}
	argv := append(append([]string{}, d.cfg.Command...), c.RunDir)
	rec, cmd, err := d.cfg.Store.Spawn(registry.SpawnOptions{
		Chain:   c.Name,
		IENS:    c.IENS,
		RunDir:  c.RunDir,
		RunID:   d.cfg.RunID,
		Command: argv,
	})
	if err != nil {
		return driver.Handle{}, &driver.Error{Op: "submit", Driver: d.Name(), Err: err}
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	d.mu.Lock()
	d.procs[rec.ID] = p
	d.mu.Unlock()

	go d.reap(rec.ID, p)

	d.cfg.Logger.Debug("chain submitted", zap.String("chain", c.ID()), zap.String("record", rec.ID), zap.Int("pid", rec.PID))
	return driver.Handle{ID: rec.ID}, nil
}

func (d *Driver) reap(id string, p *proc) {
	err := p.cmd.Wait()
	p.exitCode = exitCode(p.cmd, err)
	d.recMu.Lock()
	defer d.recMu.Unlock()
	if _, ferr := d.cfg.Store.Finish(id, p.exitCode); ferr != nil {
		d.cfg.Logger.Warn("cannot record exit", zap.String("record", id), zap.Error(ferr))
	}
	close(p.done)
}

// Poll reports the process state. Handles from an earlier process fall
// back to the registry record.
func (d *Driver) Poll(ctx context.Context, h driver.Handle) (driver.Status, error) {
	_ = ctx
	if p := d.proc(h.ID); p != nil {
		select {
		case <-p.done:
			if p.exitCode == 0 {
				return driver.StatusDone, nil
			}
			return driver.StatusExit, nil
		default:
			return driver.StatusRunning, nil
		}
	}

	rec, err := d.cfg.Store.Get(h.ID)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &driver.Error{Op: "poll", Driver: d.Name(), Handle: h.ID, Err: driver.ErrUnknownHandle}
		}
		return "", &driver.Error{Op: "poll", Driver: d.Name(), Handle: h.ID, Err: err}
	}
	switch rec.State {
	case registry.StateRunning, registry.StateStopping:
		return driver.StatusRunning, nil
	case registry.StateSuccess:
		return driver.StatusDone, nil
	default:
		return driver.StatusExit, nil
	}
}

// Kill sends SIGTERM, waits the grace period, then SIGKILL.
func (d *Driver) Kill(ctx context.Context, h driver.Handle) bool {
	logger := d.cfg.Logger.With(zap.String("record", h.ID))

	d.recMu.Lock()
	rec, err := d.cfg.Store.Get(h.ID)
	if err != nil {
		d.recMu.Unlock()
		logger.Warn("cannot kill: record not found", zap.Error(err))
		return false
	}
	if rec.State.Terminal() {
		d.recMu.Unlock()
		return true
	}
	rec.State = registry.StateStopping
	if err := d.cfg.Store.Write(rec); err != nil {
		logger.Warn("cannot mark record stopping", zap.Error(err))
	}
	d.recMu.Unlock()

	p := d.proc(h.ID)
	if p == nil {
		// not our child; signal by pid and let the zombie check settle state
		return signalPID(ctx, rec.PID, d.cfg.KillGrace)
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(d.cfg.KillGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = p.cmd.Process.Kill()
	<-p.done
	logger.Info("chain killed after grace period")
	return true
}

func (d *Driver) proc(id string) *proc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.procs[id]
}

func signalPID(ctx context.Context, pid int, grace time.Duration) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return !registry.IsProcessAlive(pid)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if !registry.IsProcessAlive(pid) {
			return true
		}
		time.Sleep(250 * time.Millisecond)
	}
	_ = p.Signal(syscall.SIGKILL)
	return true
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState == nil {
		return -1
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if waitErr != nil && cmd.ProcessState.ExitCode() == 0 {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
