// Package lsf places chains on an IBM Spectrum LSF cluster through the
// bsub, bjobs and bkill commands.
package lsf

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/goforward/pkg/driver"
	"github.com/3leaps/goforward/pkg/jobspec"
)

// Defaults.
const (
	DefaultRefreshInterval = 10 * time.Second
	DefaultCommandsPerSec  = 5
)

// Config configures the LSF driver.
type Config struct {
	// BsubCmd, BjobsCmd and BkillCmd may point at wrapper scripts.
	BsubCmd  string
	BjobsCmd string
	BkillCmd string

	Queue    string
	Resource string
	CPUs     int

	// Command is the executor argv run on the compute node; the run
	// directory is appended. Defaults to this binary's `run` command.
	Command []string

	// RefreshInterval bounds how often the bjobs table is re-read.
	RefreshInterval time.Duration

	// CommandsPerSec paces bsub/bjobs/bkill invocations.
	CommandsPerSec float64

	Logger *zap.Logger
}

// Driver implements driver.Driver for LSF.
type Driver struct {
	cfg     Config
	limiter *rate.Limiter

	mu        sync.Mutex
	table     map[string]string
	refreshed time.Time
}

var _ driver.Driver = (*Driver)(nil)

// New returns an LSF driver.
func New(cfg Config) (*Driver, error) {
	if cfg.BsubCmd == "" {
		cfg.BsubCmd = "bsub"
	}
	if cfg.BjobsCmd == "" {
		cfg.BjobsCmd = "bjobs"
	}
	if cfg.BkillCmd == "" {
		cfg.BkillCmd = "bkill"
	}
	if len(cfg.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.Command = []string{exe, "run"}
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.CommandsPerSec <= 0 {
		cfg.CommandsPerSec = DefaultCommandsPerSec
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Driver{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandsPerSec), 1),
	}, nil
}

func (d *Driver) Name() string { return "lsf" }

var submitRE = regexp.MustCompile(`Job <(\d+)>`)

// Submit runs bsub and parses the job id from its output.
func (d *Driver) Submit(ctx context.Context, c *jobspec.Chain) (driver.Handle, error) {
	args := d.submitArgs(c)
	out, err := d.run(ctx, d.cfg.BsubCmd, args...)
	if err != nil {
		return driver.Handle{}, &driver.Error{Op: "submit", Driver: d.Name(), Err: err}
	}
	m := submitRE.FindSubmatch(out)
	if m == nil {
		return driver.Handle{}, &driver.Error{Op: "submit", Driver: d.Name(), Err: fmt.Errorf("no job id in bsub output: %q", strings.TrimSpace(string(out)))}
	}
	id := string(m[1])
	d.cfg.Logger.Debug("chain submitted", zap.String("chain", c.ID()), zap.String("lsf_job", id))
	return driver.Handle{ID: id}, nil
}

func (d *Driver) submitArgs(c *jobspec.Chain) []string {
	args := []string{"-o", filepath.Join(c.RunDir, "lsf.stdout")}
	if d.cfg.Queue != "" {
		args = append(args, "-q", d.cfg.Queue)
	}
	args = append(args, "-J", jobName(c))
	if d.cfg.Resource != "" {
		args = append(args, "-R", d.cfg.Resource)
	}
	if d.cfg.CPUs > 0 {
		args = append(args, "-n", fmt.Sprint(d.cfg.CPUs))
	}
	args = append(args, d.cfg.Command...)
	return append(args, c.RunDir)
}

func jobName(c *jobspec.Chain) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, c.Name)
	return fmt.Sprintf("%s-%d", name, c.IENS)
}

// Poll answers from the cached bjobs table. A job not listed yet is
// reported PENDING.
func (d *Driver) Poll(ctx context.Context, h driver.Handle) (driver.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.table == nil || time.Since(d.refreshed) >= d.cfg.RefreshInterval {
		table, err := d.readTable(ctx)
		if err != nil {
			return "", &driver.Error{Op: "poll", Driver: d.Name(), Handle: h.ID, Err: err}
		}
		d.table = table
		d.refreshed = time.Now()
	}

	stat, ok := d.table[h.ID]
	if !ok {
		return driver.StatusPending, nil
	}
	return mapStatus(stat), nil
}

func (d *Driver) readTable(ctx context.Context) (map[string]string, error) {
	out, err := d.run(ctx, d.cfg.BjobsCmd, "-a")
	if err != nil {
		return nil, err
	}
	return parseTable(out), nil
}

// parseTable reads `bjobs -a` output: a header line, then
// JOBID USER STAT QUEUE ... per job.
func parseTable(out []byte) map[string]string {
	table := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			first = false
			if strings.HasPrefix(line, "JOBID") {
				continue
			}
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		table[fields[0]] = fields[2]
	}
	return table
}

func mapStatus(stat string) driver.Status {
	switch stat {
	case "PEND":
		return driver.StatusPending
	case "RUN", "SSUSP", "USUSP", "PSUSP":
		return driver.StatusRunning
	case "DONE":
		return driver.StatusDone
	case "EXIT", "UNKWN", "ZOMBI":
		return driver.StatusExit
	default:
		return driver.StatusPending
	}
}

// Kill runs bkill.
func (d *Driver) Kill(ctx context.Context, h driver.Handle) bool {
	if _, err := d.run(ctx, d.cfg.BkillCmd, h.ID); err != nil {
		d.cfg.Logger.Warn("bkill failed", zap.String("lsf_job", h.ID), zap.Error(err))
		return false
	}
	return true
}

func (d *Driver) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return stdout.Bytes(), nil
}
