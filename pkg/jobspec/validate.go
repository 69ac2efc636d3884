package jobspec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/goforward/internal/assets/schemas"
)

var (
	// ErrSchemaNotFound indicates an embedded schema is missing.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrValidationFailed is wrapped by every ValidationErrors value.
	ErrValidationFailed = errors.New("validation failed")
)

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path is a JSON pointer to the offending field, e.g. "/jobs/1/name".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects validation issues.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// SchemaValidator compiles an embedded schema once and converts gofulmen
// diagnostics into ValidationErrors.
type SchemaValidator struct {
	name   string
	source []byte

	once      sync.Once
	validator *schema.Validator
	err       error
}

// NewSchemaValidator returns a lazily compiled validator for source.
func NewSchemaValidator(name string, source []byte) *SchemaValidator {
	return &SchemaValidator{name: name, source: source}
}

// Validate checks raw JSON against the schema.
func (sv *SchemaValidator) Validate(jsonData []byte) error {
	sv.once.Do(func() {
		if len(sv.source) == 0 {
			sv.err = fmt.Errorf("%w: embedded %s schema is empty", ErrSchemaNotFound, sv.name)
			return
		}
		sv.validator, sv.err = schema.NewValidator(sv.source)
		if sv.err != nil {
			sv.err = fmt.Errorf("failed to compile %s schema: %w", sv.name, sv.err)
		}
	})
	if sv.err != nil {
		return sv.err
	}

	diags, err := sv.validator.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

var chainValidator = NewSchemaValidator("chain", schemasassets.ChainSchema)

// ValidateRaw checks raw chain JSON against the embedded chain schema.
func ValidateRaw(jsonData []byte) error {
	return chainValidator.Validate(jsonData)
}

// Validate checks the semantic rules the schema cannot express.
func (c *Chain) Validate() error {
	var errs ValidationErrors

	if c.Name == "" {
		errs = append(errs, ValidationError{Path: "/name", Message: "name is required"})
	}
	if c.IENS < 0 {
		errs = append(errs, ValidationError{Path: "/iens", Message: "iens must be >= 0"})
	}
	if c.RunDir == "" {
		errs = append(errs, ValidationError{Path: "/run_dir", Message: "run_dir is required"})
	} else if !filepath.IsAbs(c.RunDir) {
		errs = append(errs, ValidationError{Path: "/run_dir", Message: "run_dir must be absolute"})
	}

	seen := make(map[string]int, len(c.Jobs))
	for i, j := range c.Jobs {
		path := fmt.Sprintf("/jobs/%d", i)
		if j.Name == "" {
			errs = append(errs, ValidationError{Path: path + "/name", Message: "name is required"})
		} else if first, dup := seen[j.Name]; dup {
			errs = append(errs, ValidationError{
				Path:    path + "/name",
				Message: fmt.Sprintf("duplicate job name %q (first used at /jobs/%d)", j.Name, first),
			})
		} else {
			seen[j.Name] = i
		}
		if j.Executable == "" {
			errs = append(errs, ValidationError{Path: path + "/executable", Message: "executable is required"})
		}
		if j.MaxRunningMinutes < 0 {
			errs = append(errs, ValidationError{Path: path + "/max_running_minutes", Message: "must be >= 0"})
		}
		if j.MaxRunning < 0 {
			errs = append(errs, ValidationError{Path: path + "/max_running", Message: "must be >= 0"})
		}
		if j.MaxRunning > 0 && j.LicensePath == "" {
			errs = append(errs, ValidationError{Path: path + "/license_path", Message: "license_path is required when max_running is set"})
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
