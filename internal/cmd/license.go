package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/goforward/pkg/license"
)

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Inspect and clean license tokens",
	Long: `Inspect and clean the hard-link license tokens that cap how many
instances of a job run at once.

A crashed job leaves its token behind and keeps counting against the cap
until it is cleaned.`,
}

var licenseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List license files and their holders",
	Args:  cobra.NoArgs,
	RunE:  runLicenseList,
}

var licenseCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale license tokens",
	Long: `Remove license tokens issued longer ago than --older-than.

Examples:
  goforward license clean --older-than 24h
  goforward license clean --job 'ECLIPSE*' --older-than 0 --dry-run`,
	Args: cobra.NoArgs,
	RunE: runLicenseClean,
}

func init() {
	rootCmd.AddCommand(licenseCmd)
	licenseCmd.AddCommand(licenseListCmd, licenseCleanCmd)

	licenseCmd.PersistentFlags().String("root", "", "License directory (default: license.root from config)")
	licenseCmd.PersistentFlags().StringArray("job", nil, "Only jobs matching this glob (repeatable)")

	licenseListCmd.Flags().Bool("json", false, "Output as JSON")

	licenseCleanCmd.Flags().Duration("older-than", 24*time.Hour, "Remove tokens older than this; 0 removes every token")
	licenseCleanCmd.Flags().Bool("dry-run", false, "Only report what would be removed")
}

type licenseEntry struct {
	Job     string     `json:"job"`
	Holders int        `json:"holders"`
	Oldest  *time.Time `json:"oldest,omitempty"`
}

func licenseRoot(cmd *cobra.Command) (string, error) {
	root, _ := cmd.Flags().GetString("root")
	if strings.TrimSpace(root) == "" {
		root = loadedConfig().License.Root
	}
	if strings.TrimSpace(root) == "" {
		return "", exitError(foundry.ExitInvalidArgument, "no license root", fmt.Errorf("set --root or license.root"))
	}
	return root, nil
}

// licenseJobs lists the license names under root that match the --job
// globs.
func licenseJobs(cmd *cobra.Command, root string) ([]string, error) {
	patterns, _ := cmd.Flags().GetStringArray("job")
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, exitError(foundry.ExitInvalidArgument, "invalid --job pattern", fmt.Errorf("%q", p))
		}
	}

	names, err := license.Licenses(root)
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return names, nil
	}
	out := names[:0]
	for _, name := range names {
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, name); ok {
				out = append(out, name)
				break
			}
		}
	}
	return out, nil
}

func runLicenseList(cmd *cobra.Command, _ []string) error {
	root, err := licenseRoot(cmd)
	if err != nil {
		return err
	}
	names, err := licenseJobs(cmd, root)
	if err != nil {
		return err
	}

	entries := make([]licenseEntry, 0, len(names))
	for _, name := range names {
		holders, err := license.Holders(root, name)
		if err != nil {
			return fmt.Errorf("read holders of %s: %w", name, err)
		}
		e := licenseEntry{Job: name, Holders: len(holders)}
		for _, h := range holders {
			if h.IssuedAt.IsZero() {
				continue
			}
			t := h.IssuedAt
			e.Oldest = &t
			break
		}
		entries = append(entries, e)
	}

	out := cmd.OutOrStdout()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB\tHOLDERS\tOLDEST")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Job, e.Holders, formatOptionalTime(e.Oldest))
	}
	return tw.Flush()
}

func runLicenseClean(cmd *cobra.Command, _ []string) error {
	root, err := licenseRoot(cmd)
	if err != nil {
		return err
	}
	names, err := licenseJobs(cmd, root)
	if err != nil {
		return err
	}
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	out := cmd.OutOrStdout()
	now := time.Now()
	total := 0
	for _, name := range names {
		var removed []string
		if dryRun {
			removed, err = staleTokens(root, name, olderThan, now)
		} else {
			removed, err = license.Clean(root, name, olderThan, now)
		}
		if err != nil {
			return exitError(foundry.ExitFileWriteError, fmt.Sprintf("cannot clean %s", name), err)
		}
		for _, p := range removed {
			_, _ = fmt.Fprintln(out, p)
		}
		total += len(removed)
	}

	if dryRun {
		_, _ = fmt.Fprintf(out, "would_remove=%d\n", total)
		return nil
	}
	_, _ = fmt.Fprintf(out, "removed=%d\n", total)
	return nil
}

// staleTokens lists what license.Clean would remove.
func staleTokens(root, name string, olderThan time.Duration, now time.Time) ([]string, error) {
	holders, err := license.Holders(root, name)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, h := range holders {
		if olderThan > 0 && (h.IssuedAt.IsZero() || now.Sub(h.IssuedAt) < olderThan) {
			continue
		}
		out = append(out, h.Path)
	}
	return out, nil
}
