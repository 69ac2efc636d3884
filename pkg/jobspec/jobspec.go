// Package jobspec describes forward-model jobs and the ordered chains of
// jobs executed for one realization.
//
// A Chain is built by the orchestrator, written into the realization's run
// directory as goforward.chain.json, and read back by `goforward run` on
// the compute node. Nothing in the executor mutates a Chain.
package jobspec

import (
	"fmt"
	"path/filepath"
	"time"
)

// Version is the chain file format version.
const Version = "1.0"

// ChainFileName is the name of the chain file inside a run directory.
const ChainFileName = "goforward.chain.json"

// Job describes one external program.
type Job struct {
	Name       string            `json:"name"`
	Executable string            `json:"executable"`
	Args       []string          `json:"args,omitempty"`
	Stdin      string            `json:"stdin,omitempty"`
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	Env        map[string]string `json:"env,omitempty"`

	// StartFile must exist before the job is attempted.
	StartFile string `json:"start_file,omitempty"`

	// TargetFile is success evidence: it must exist after the job and
	// should be newer than the job's start.
	TargetFile string `json:"target_file,omitempty"`

	// ErrorFile is failure evidence: its presence after the job forces
	// failure.
	ErrorFile string `json:"error_file,omitempty"`

	// MaxRunningMinutes bounds wall time. Zero means unlimited.
	MaxRunningMinutes int `json:"max_running_minutes,omitempty"`

	// LicensePath and MaxRunning configure the license gate. MaxRunning
	// zero means unlimited.
	LicensePath string `json:"license_path,omitempty"`
	MaxRunning  int    `json:"max_running,omitempty"`
}

// Licensed reports whether the job is gated by a license.
func (j Job) Licensed() bool {
	return j.LicensePath != "" && j.MaxRunning > 0
}

// Timeout returns the wall-time limit, or zero when unlimited.
func (j Job) Timeout() time.Duration {
	if j.MaxRunningMinutes <= 0 {
		return 0
	}
	return time.Duration(j.MaxRunningMinutes) * time.Minute
}

// StdoutPath returns the stdout redirection, defaulting to <name>.stdout,
// resolved against runDir.
func (j Job) StdoutPath(runDir string) string {
	if j.Stdout == "" {
		return filepath.Join(runDir, j.Name+".stdout")
	}
	return Resolve(runDir, j.Stdout)
}

// StderrPath returns the stderr redirection, defaulting to <name>.stderr,
// resolved against runDir.
func (j Job) StderrPath(runDir string) string {
	if j.Stderr == "" {
		return filepath.Join(runDir, j.Name+".stderr")
	}
	return Resolve(runDir, j.Stderr)
}

// ExecutablePath resolves a relative executable against runDir. Bare names
// without a separator are left for PATH lookup.
func (j Job) ExecutablePath(runDir string) string {
	if filepath.IsAbs(j.Executable) || filepath.Base(j.Executable) == j.Executable {
		return j.Executable
	}
	return filepath.Join(runDir, j.Executable)
}

// Resolve returns p unchanged when absolute or empty, otherwise joined to
// runDir.
func Resolve(runDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(runDir, p)
}

// Chain is the ordered list of jobs for one realization.
type Chain struct {
	Version string `json:"version"`

	// Name identifies the batch (case) the chain belongs to.
	Name string `json:"name"`

	// IENS is the realization index.
	IENS int `json:"iens"`

	// RunDir is the absolute run directory.
	RunDir string `json:"run_dir"`

	Jobs []Job `json:"jobs"`
}

// ID returns a stable identifier such as "norne/7".
func (c *Chain) ID() string {
	return fmt.Sprintf("%s/%d", c.Name, c.IENS)
}

// Job returns the job with the given name.
func (c *Chain) Job(name string) (Job, bool) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

// FilePath returns the chain file location inside the run directory.
func (c *Chain) FilePath() string {
	return filepath.Join(c.RunDir, ChainFileName)
}
