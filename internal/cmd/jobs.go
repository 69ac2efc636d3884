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

	"github.com/3leaps/goforward/pkg/registry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage chain executions started by the local driver",
	Long: `Inspect and manage chain executions started by the local driver.

Every 'goforward run' process the local driver spawns is recorded under
registry.root with its pid, state and captured stdout/stderr, so it can be
inspected or stopped after the submitting queue is gone.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded executions",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one recorded execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print the captured output of an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old finished records",
	Args:  cobra.NoArgs,
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsStopCmd, jobsLogsCmd, jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON lines")
	jobsListCmd.Flags().String("state", "", "Only list records in this state")
	jobsListCmd.Flags().String("match", "", "Only list records whose chain name or run directory matches this glob")

	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")

	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsStopCmd.Flags().Duration("wait", 30*time.Second, "How long to wait after SIGTERM before SIGKILL")

	jobsLogsCmd.Flags().String("stream", "stdout", "Stream to print: stdout, stderr, or both")
	jobsLogsCmd.Flags().Int("tail", 200, "Print only the last N lines; 0 prints everything")
	jobsLogsCmd.Flags().Bool("follow", false, "Keep printing new output")

	jobsGCCmd.Flags().Duration("max-age", 168*time.Hour, "Delete finished records older than this")
	jobsGCCmd.Flags().Bool("dry-run", false, "Only report what would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func jobsStore() *registry.Store {
	return registry.NewStore(loadedConfig().Registry.Root)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stateFilter, _ := cmd.Flags().GetString("state")
	stateFilter = strings.ToLower(strings.TrimSpace(stateFilter))
	match, _ := cmd.Flags().GetString("match")
	if match != "" && !doublestar.ValidatePattern(match) {
		return exitError(foundry.ExitInvalidArgument, "invalid --match pattern", fmt.Errorf("%q", match))
	}

	all, err := jobsStore().List()
	if err != nil {
		return err
	}
	records := all[:0]
	for _, r := range all {
		if stateFilter != "" && string(r.State) != stateFilter {
			continue
		}
		if match != "" && !matchRecord(match, r) {
			continue
		}
		records = append(records, r)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATE\tCHAIN\tIENS\tPID\tSTARTED\tENDED\tEXIT")
	for _, r := range records {
		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprintf("%d", r.PID)
		}
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.State, orDash(r.Chain), r.IENS, pid,
			formatOptionalTime(r.StartedAt), formatOptionalTime(r.EndedAt), exit)
	}
	return tw.Flush()
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	rec, err := jobsStore().Resolve(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "id=%s\n", rec.ID)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	if rec.Chain != "" {
		_, _ = fmt.Fprintf(out, "chain=%s\n", rec.Chain)
	}
	_, _ = fmt.Fprintf(out, "iens=%d\n", rec.IENS)
	_, _ = fmt.Fprintf(out, "run_dir=%s\n", rec.RunDir)
	if rec.RunID != "" {
		_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	}
	if rec.Host != "" {
		_, _ = fmt.Fprintf(out, "host=%s\n", rec.Host)
	}
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(out, "exit_code=%d\n", *rec.ExitCode)
	}
	return nil
}

type jobsGCResult struct {
	Deleted     int    `json:"deleted"`
	WouldDelete int    `json:"would_delete"`
	DryRun      bool   `json:"dry_run"`
	MaxAge      string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store := jobsStore()
	records, err := store.List()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	n := 0
	for _, r := range records {
		// Only finished records are pruned.
		if !r.State.Terminal() || r.EndedAt == nil {
			continue
		}
		if now.Sub(r.EndedAt.UTC()) <= maxAge {
			continue
		}
		if !dryRun {
			if err := store.Delete(r.ID); err != nil {
				return fmt.Errorf("delete record %s: %w", r.ID, err)
			}
		}
		n++
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAge: maxAge.String()}
		if dryRun {
			res.WouldDelete = n
		} else {
			res.Deleted = n
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", n)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", n)
	return nil
}

func matchRecord(pattern string, r registry.Record) bool {
	if ok, _ := doublestar.Match(pattern, r.Chain); ok {
		return true
	}
	ok, _ := doublestar.Match(pattern, r.RunDir)
	return ok
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
