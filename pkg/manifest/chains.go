package manifest

import (
	"fmt"
	"maps"
	"path/filepath"
	"strconv"

	"github.com/3leaps/goforward/pkg/jobspec"
)

// Chain builds the job chain for one realization.
//
// Substitution order for every job string: the step's private args, then
// the template defaults, then the globals (<IENS>, <RUNPATH>, <NAME> and
// the manifest defines). Arg and default values may themselves hold global
// tokens such as <IENS> or <RUNPATH>; those are resolved first.
func (m *Manifest) Chain(iens int) (*jobspec.Chain, error) {
	if !m.Realizations.Contains(iens) {
		return nil, fmt.Errorf("realization %d is not part of %s", iens, m.Name)
	}

	global := make(map[string]string, len(m.Defines)+3)
	maps.Copy(global, m.Defines)
	global["IENS"] = strconv.Itoa(iens)
	global["NAME"] = m.Name

	runDir := jobspec.Substitute(m.RunPath, global)
	if !filepath.IsAbs(runDir) {
		base := m.baseDir
		if base == "" {
			abs, err := filepath.Abs(".")
			if err != nil {
				return nil, fmt.Errorf("resolve run_path: %w", err)
			}
			base = abs
		}
		runDir = filepath.Join(base, runDir)
	}
	runDir = filepath.Clean(runDir)
	global["RUNPATH"] = runDir

	c := &jobspec.Chain{
		Version: jobspec.Version,
		Name:    m.Name,
		IENS:    iens,
		RunDir:  runDir,
		Jobs:    make([]jobspec.Job, 0, len(m.ForwardModel)),
	}

	for _, step := range m.ForwardModel {
		tmpl, ok := m.Jobs[step.Job]
		if !ok {
			return nil, fmt.Errorf("forward model references unknown job %q", step.Job)
		}
		job := jobspec.Job{
			Name:              step.JobName(),
			Executable:        tmpl.Executable,
			Args:              tmpl.Args,
			Stdin:             tmpl.Stdin,
			Stdout:            tmpl.Stdout,
			Stderr:            tmpl.Stderr,
			Env:               tmpl.Env,
			StartFile:         tmpl.StartFile,
			TargetFile:        tmpl.TargetFile,
			ErrorFile:         tmpl.ErrorFile,
			MaxRunningMinutes: tmpl.MaxRunningMinutes,
			LicensePath:       tmpl.LicensePath,
			MaxRunning:        tmpl.MaxRunning,
		}
		if job.MaxRunning > 0 && job.LicensePath == "" {
			job.LicensePath = m.LicenseRoot
		}
		defaults := substituteValues(tmpl.Defaults, global)
		args := substituteValues(step.Args, defaults, global)
		c.Jobs = append(c.Jobs, jobspec.SubstituteJob(job, args, defaults, global))
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("realization %d: %w", iens, err)
	}
	return c, nil
}

// Chains builds the chains for every realization, in index order.
func (m *Manifest) Chains() ([]*jobspec.Chain, error) {
	indices := m.Realizations.List()
	out := make([]*jobspec.Chain, 0, len(indices))
	for _, iens := range indices {
		c, err := m.Chain(iens)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// substituteValues returns a copy of values with every value substituted
// against layers.
func substituteValues(values map[string]string, layers ...map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = jobspec.Substitute(v, layers...)
	}
	return out
}
