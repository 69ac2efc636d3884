package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/goforward/pkg/chain"
	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/provider"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_dir]",
	Short: "Show the outcome of one realization",
	Long: `Show what the sentinels of one realization say: the outcome (succeeded,
failed or indeterminate), the STATUS progress lines and, on failure, the
EXIT details.

With --remote the sentinels are read from the mirror instead of the run
directory. The chain name and realization index come from the chain file
when the run directory is readable, or from --chain and --iens.

Examples:
  goforward status /scratch/norne/realization-3/iter-0
  goforward status --remote s3://ensembles/mirror --chain norne --iens 3`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "Output status as JSON")
	statusCmd.Flags().String("remote", "", "Read mirrored sentinels from this store URI (s3:// or file://)")
	statusCmd.Flags().String("chain", "", "Chain name for --remote")
	statusCmd.Flags().Int("iens", -1, "Realization index for --remote")
}

type statusReport struct {
	Source  string   `json:"source"`
	Outcome string   `json:"outcome"`
	Status  []string `json:"status,omitempty"`
	Exit    *exitRep `json:"exit,omitempty"`
}

type exitRep struct {
	Time    *time.Time `json:"time,omitempty"`
	Job     string     `json:"job,omitempty"`
	Message string     `json:"message"`
	Stderr  string     `json:"stderr,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	remote, _ := cmd.Flags().GetString("remote")

	var (
		rep statusReport
		err error
	)
	switch {
	case remote != "":
		rep, err = remoteStatus(cmd, args, remote)
	case len(args) == 1:
		rep, err = localStatus(args[0])
	default:
		return exitError(foundry.ExitInvalidArgument, "run_dir or --remote is required", nil)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printStatus(out, rep)
	return nil
}

func localStatus(runDir string) (statusReport, error) {
	info, err := os.Stat(runDir)
	if err != nil || !info.IsDir() {
		return statusReport{}, exitError(foundry.ExitFileNotFound, "run directory not found", err)
	}

	rep := statusReport{Source: runDir, Outcome: chain.ReadOutcome(runDir).String()}
	if b, err := os.ReadFile(filepath.Join(runDir, chain.StatusFile)); err == nil {
		rep.Status = statusLines(string(b))
	}
	if rep.Outcome == chain.Failed.String() {
		if ei, err := chain.ReadExit(runDir); err == nil {
			rep.Exit = toExitRep(ei)
		}
	}
	return rep, nil
}

func remoteStatus(cmd *cobra.Command, args []string, uri string) (statusReport, error) {
	name, _ := cmd.Flags().GetString("chain")
	iens, _ := cmd.Flags().GetInt("iens")
	if len(args) == 1 {
		if c, err := jobspec.Load(args[0]); err == nil {
			if name == "" {
				name = c.Name
			}
			if iens < 0 {
				iens = c.IENS
			}
		}
	}
	if name == "" || iens < 0 {
		return statusReport{}, exitError(foundry.ExitInvalidArgument, "--remote needs --chain and --iens or a readable run directory", nil)
	}

	ctx := cmd.Context()
	store, loc, err := openStore(ctx, uri, loadedConfig().Mirror)
	if err != nil {
		return statusReport{}, exitError(foundry.ExitInvalidArgument, "cannot open mirror", err)
	}
	defer func() { _ = store.Close() }()

	rs, err := chain.ReadRemote(ctx, store, loc.Key(), name, iens, provider.IsNotFound)
	if err != nil {
		if errors.Is(err, chain.ErrNoRemoteStatus) {
			return statusReport{}, exitError(foundry.ExitFileNotFound, fmt.Sprintf("nothing mirrored for %s/%d", name, iens), err)
		}
		return statusReport{}, exitError(foundry.ExitExternalServiceUnavailable, "cannot read mirror", err)
	}

	rep := statusReport{
		Source:  fmt.Sprintf("%s/%s/%d", strings.TrimSuffix(loc.String(), "/"), name, iens),
		Outcome: rs.Outcome.String(),
		Status:  statusLines(rs.Status),
	}
	if rs.Exit != nil {
		rep.Exit = toExitRep(*rs.Exit)
	}
	return rep, nil
}

func statusLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func toExitRep(ei chain.ExitInfo) *exitRep {
	rep := &exitRep{Job: ei.Job, Message: ei.Message, Stderr: ei.Stderr}
	if !ei.Time.IsZero() {
		t := ei.Time
		rep.Time = &t
	}
	return rep
}

func printStatus(w io.Writer, rep statusReport) {
	_, _ = fmt.Fprintf(w, "source=%s\n", rep.Source)
	_, _ = fmt.Fprintf(w, "outcome=%s\n", rep.Outcome)
	if rep.Exit != nil {
		if rep.Exit.Job != "" {
			_, _ = fmt.Fprintf(w, "failed_job=%s\n", rep.Exit.Job)
		}
		_, _ = fmt.Fprintf(w, "message=%s\n", rep.Exit.Message)
	}
	if len(rep.Status) > 0 {
		_, _ = fmt.Fprintln(w, "")
		for _, line := range rep.Status {
			_, _ = fmt.Fprintf(w, "  %s\n", line)
		}
	}
	if rep.Exit != nil && rep.Exit.Stderr != "" {
		_, _ = fmt.Fprintln(w, "")
		_, _ = fmt.Fprintln(w, "stderr:")
		_, _ = fmt.Fprintln(w, rep.Exit.Stderr)
	}
}
