package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/manifest"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest|chain file|run_dir>",
	Short: "Validate an ensemble manifest or a chain file",
	Long: `Validate an ensemble manifest (YAML or JSON) or a chain file against the
embedded schema and the cross-field rules.

Chain files are recognised by their name or by a run directory argument;
everything else is treated as a manifest. For a manifest, every
realization's chain is built and checked as well.

Examples:
  goforward validate norne.yaml
  goforward validate /scratch/norne/realization-0/iter-0`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("json", false, "Output the result as JSON")
}

type validateResult struct {
	Path         string   `json:"path"`
	Kind         string   `json:"kind"`
	Valid        bool     `json:"valid"`
	Realizations int      `json:"realizations,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	path := args[0]

	if _, err := os.Stat(path); err != nil {
		return exitError(foundry.ExitFileNotFound, "cannot read input", err)
	}

	res := validatePath(path)

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if res.Valid {
		if res.Realizations > 0 {
			_, _ = fmt.Fprintf(out, "%s: valid %s (%d realizations)\n", res.Path, res.Kind, res.Realizations)
		} else {
			_, _ = fmt.Fprintf(out, "%s: valid %s\n", res.Path, res.Kind)
		}
	} else {
		_, _ = fmt.Fprintf(out, "%s: invalid %s\n", res.Path, res.Kind)
		for _, e := range res.Errors {
			_, _ = fmt.Fprintf(out, "  - %s\n", e)
		}
	}

	if !res.Valid {
		return exitError(foundry.ExitInvalidArgument, "validation failed", fmt.Errorf("%d error(s)", len(res.Errors)))
	}
	return nil
}

func validatePath(path string) validateResult {
	if isChainPath(path) {
		res := validateResult{Path: path, Kind: "chain"}
		if _, err := jobspec.Load(path); err != nil {
			res.Errors = flattenValidation(err)
			return res
		}
		res.Valid = true
		return res
	}

	res := validateResult{Path: path, Kind: "manifest"}
	m, err := manifest.Load(path)
	if err != nil {
		res.Errors = flattenValidation(err)
		return res
	}
	chains, err := m.Chains()
	if err != nil {
		res.Errors = flattenValidation(err)
		return res
	}
	res.Valid = true
	res.Realizations = len(chains)
	return res
}

func isChainPath(path string) bool {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return true
	}
	if filepath.Base(path) == jobspec.ChainFileName {
		return true
	}
	// A JSON document with a jobs array and a run_dir is a chain file.
	b, err := os.ReadFile(path)
	if err != nil || !bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		return false
	}
	var shape struct {
		RunDir *string          `json:"run_dir"`
		Jobs   *json.RawMessage `json:"jobs"`
	}
	if json.Unmarshal(b, &shape) != nil {
		return false
	}
	return shape.RunDir != nil && shape.Jobs != nil && bytes.HasPrefix(bytes.TrimSpace(*shape.Jobs), []byte("["))
}

func flattenValidation(err error) []string {
	var verrs jobspec.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]string, 0, len(verrs))
		for _, v := range verrs {
			out = append(out, v.Error())
		}
		return out
	}
	return []string{err.Error()}
}
