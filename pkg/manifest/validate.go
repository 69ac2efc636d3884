package manifest

import (
	"fmt"
	"sort"
	"strings"

	schemasassets "github.com/3leaps/goforward/internal/assets/schemas"
	"github.com/3leaps/goforward/pkg/jobspec"
)

// SchemaID is the schema identifier for ensemble manifests.
const SchemaID = "goforward/v1.0.0/ensemble-manifest"

var manifestValidator = jobspec.NewSchemaValidator("ensemble-manifest", schemasassets.EnsembleManifestSchema)

// ValidateRaw checks raw JSON data against the embedded manifest schema.
//
// Returns nil on success or jobspec.ValidationErrors describing every
// failure.
func ValidateRaw(jsonData []byte) error {
	return manifestValidator.Validate(jsonData)
}

// Validate checks cross-references the schema cannot express: every step
// names a defined template, chain job names are unique, and the queue
// overrides parse.
func (m *Manifest) Validate() error {
	var errs jobspec.ValidationErrors

	if !strings.Contains(m.RunPath, "<IENS>") {
		errs = append(errs, jobspec.ValidationError{Path: "/run_path", Message: "run_path must contain <IENS>"})
	}
	if m.Realizations.Count <= 0 && len(m.Realizations.Indices) == 0 {
		errs = append(errs, jobspec.ValidationError{Path: "/realizations", Message: "at least one realization is required"})
	}

	seen := make(map[string]int, len(m.ForwardModel))
	for i, step := range m.ForwardModel {
		path := fmt.Sprintf("/forward_model/%d", i)
		if _, ok := m.Jobs[step.Job]; !ok {
			errs = append(errs, jobspec.ValidationError{
				Path:    path + "/job",
				Message: fmt.Sprintf("unknown job %q (defined: %s)", step.Job, strings.Join(m.jobNames(), ", ")),
			})
		}
		name := step.JobName()
		if first, dup := seen[name]; dup {
			errs = append(errs, jobspec.ValidationError{
				Path:    path,
				Message: fmt.Sprintf("job name %q already used by /forward_model/%d; set name to disambiguate", name, first),
			})
		} else {
			seen[name] = i
		}
	}

	for _, name := range m.jobNames() {
		tmpl := m.Jobs[name]
		if tmpl.MaxRunning > 0 && tmpl.LicensePath == "" && m.LicenseRoot == "" {
			errs = append(errs, jobspec.ValidationError{
				Path:    "/jobs/" + name,
				Message: "max_running requires license_path or a manifest license_root",
			})
		}
	}

	if _, err := m.Queue.MaxDurationValue(); err != nil {
		errs = append(errs, jobspec.ValidationError{Path: "/queue/max_duration", Message: err.Error()})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (m *Manifest) jobNames() []string {
	names := make([]string, 0, len(m.Jobs))
	for name := range m.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
