// Package manifest loads ensemble manifests: the batch definition from
// which one job chain per realization is built.
//
// Manifests are validated against an embedded JSON Schema before they are
// parsed, so unknown keys are rejected rather than silently ignored.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: norne
//	realizations: 10
//	run_path: /scratch/norne/realization-<IENS>/iter-0
//	license_root: /project/licenses
//	defines:
//	  ECLBASE: NORNE_ATW2013
//	jobs:
//	  ECLIPSE100:
//	    executable: /prog/ecl/bin/eclipse
//	    args: ["<ECLBASE>", "--threads", "<NCPU>"]
//	    defaults: {NCPU: "1"}
//	    target_file: <ECLBASE>.UNSMRY
//	    max_running: 10
//	    max_running_minutes: 120
//	forward_model:
//	  - job: ECLIPSE100
//	    args: {NCPU: "4"}
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Manifest is a validated ensemble manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version"`

	// Name identifies the batch; it becomes every chain's Name and <NAME>.
	Name string `json:"name"`

	// Realizations selects the realization indices.
	Realizations Realizations `json:"realizations"`

	// RunPath is the run directory template; it must contain <IENS>.
	RunPath string `json:"run_path"`

	// LicenseRoot is the default license_path for jobs with max_running.
	LicenseRoot string `json:"license_root,omitempty"`

	// Defines are global substitutions applied after private arguments.
	Defines map[string]string `json:"defines,omitempty"`

	// Jobs are the job templates keyed by name.
	Jobs map[string]JobTemplate `json:"jobs"`

	// ForwardModel is the ordered list of steps in every chain.
	ForwardModel []Step `json:"forward_model"`

	// Queue holds optional queue overrides.
	Queue QueueConfig `json:"queue,omitempty"`

	// baseDir resolves a relative run_path; set by Load.
	baseDir string
}

// JobTemplate is a reusable job definition. String fields may contain
// <KEY> tokens resolved per step.
type JobTemplate struct {
	Executable        string            `json:"executable"`
	Args              []string          `json:"args,omitempty"`
	Stdin             string            `json:"stdin,omitempty"`
	Stdout            string            `json:"stdout,omitempty"`
	Stderr            string            `json:"stderr,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Defaults          map[string]string `json:"defaults,omitempty"`
	StartFile         string            `json:"start_file,omitempty"`
	TargetFile        string            `json:"target_file,omitempty"`
	ErrorFile         string            `json:"error_file,omitempty"`
	MaxRunningMinutes int               `json:"max_running_minutes,omitempty"`
	LicensePath       string            `json:"license_path,omitempty"`
	MaxRunning        int               `json:"max_running,omitempty"`
}

// Step invokes a job template with private arguments.
type Step struct {
	// Job names the template.
	Job string `json:"job"`

	// Name overrides the job name inside the chain. Required when the same
	// template is used twice.
	Name string `json:"name,omitempty"`

	// Args are private arguments; they win over the template defaults.
	Args map[string]string `json:"args,omitempty"`
}

// JobName returns the name the step's job gets in the chain.
func (s Step) JobName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Job
}

// QueueConfig carries per-batch queue overrides. Nil pointers mean "use
// the configured default".
type QueueConfig struct {
	MaxRunning  *int   `json:"max_running,omitempty"`
	MaxSubmit   *int   `json:"max_submit,omitempty"`
	MaxDuration string `json:"max_duration,omitempty"`
}

// MaxDurationValue parses MaxDuration; empty means zero.
func (q QueueConfig) MaxDurationValue() (time.Duration, error) {
	if q.MaxDuration == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(q.MaxDuration)
	if err != nil {
		return 0, fmt.Errorf("invalid queue.max_duration %q: %w", q.MaxDuration, err)
	}
	return d, nil
}

// Realizations is either a count (indices 0..n-1) or an explicit list.
type Realizations struct {
	Count   int
	Indices []int
}

// List returns the realization indices in submission order.
func (r Realizations) List() []int {
	if len(r.Indices) > 0 {
		return append([]int(nil), r.Indices...)
	}
	out := make([]int, r.Count)
	for i := range out {
		out[i] = i
	}
	return out
}

// Contains reports whether iens is one of the selected indices.
func (r Realizations) Contains(iens int) bool {
	if len(r.Indices) > 0 {
		return slices.Contains(r.Indices, iens)
	}
	return iens >= 0 && iens < r.Count
}

// UnmarshalJSON accepts a number or an array of numbers.
func (r *Realizations) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []int
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("realizations: %w", err)
		}
		*r = Realizations{Indices: list}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("realizations: expected a count or a list of indices: %w", err)
	}
	*r = Realizations{Count: n}
	return nil
}

// MarshalJSON mirrors UnmarshalJSON.
func (r Realizations) MarshalJSON() ([]byte, error) {
	if len(r.Indices) > 0 {
		return json.Marshal(r.Indices)
	}
	return json.Marshal(r.Count)
}
