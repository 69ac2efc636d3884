package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goforward/internal/config"
	"github.com/3leaps/goforward/internal/observability"
	"github.com/3leaps/goforward/pkg/chain"
	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/license"
	"github.com/3leaps/goforward/pkg/runner"
)

var runCmd = &cobra.Command{
	Use:   "run <run_dir>",
	Short: "Execute the job chain of one realization",
	Long: `Execute the job chain stored in <run_dir>/goforward.chain.json.

This is what the queue drivers launch on the compute node. Jobs run in
order and the chain stops at the first failure. On success an OK file is
written to the run directory; on failure an EXIT file names the failing
job and carries the tail of its stderr. The process exit code is 0 on
success and the failing job's status otherwise.

With --job the matching jobs run interactively instead: no sentinels are
written and progress is reported on stdout.

Examples:
  goforward run /scratch/norne/realization-3/iter-0
  goforward run . --job 'ECLIPSE*' --job SUMMARY`,
	Args: cobra.ExactArgs(1),
	RunE: runChain,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArray("job", nil, "Run only jobs matching this glob interactively (repeatable)")
	runCmd.Flags().Bool("no-mirror", false, "Do not mirror sentinels even when mirror.uri is configured")
}

func runChain(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadedConfig()
	logger := observability.CLILogger.With(zap.String("run_dir", args[0]))

	exec, cleanup := newExecutor(ctx, cfg, logger)
	defer cleanup()

	runDir, err := filepath.Abs(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "invalid run directory", err)
	}
	if info, err := os.Stat(runDir); err != nil || !info.IsDir() {
		// Execute records the missing directory in an EXIT sentinel.
		return exitError(exec.Execute(ctx, &jobspec.Chain{RunDir: runDir}), "run directory missing", nil)
	}

	c, err := jobspec.Load(runDir)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "cannot load chain", err)
	}

	patterns, _ := cmd.Flags().GetStringArray("job")
	if len(patterns) > 0 {
		if err := exec.RunInteractive(ctx, c, patterns, cmd.OutOrStdout()); err != nil {
			var jf *chain.JobFailedError
			if errors.As(err, &jf) {
				return exitError(chainExitCode(jf.Result.ExitStatus), "interactive run failed", err)
			}
			return exitError(foundry.ExitInvalidArgument, "interactive run failed", err)
		}
		return nil
	}

	noMirror, _ := cmd.Flags().GetBool("no-mirror")
	if noMirror {
		exec.Mirror = nil
	}

	code := exec.Execute(ctx, c)
	if code != 0 {
		return exitError(code, "chain failed", nil)
	}
	return nil
}

// newExecutor builds the chain executor from configuration. The returned
// cleanup closes the mirror store, if any.
func newExecutor(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*chain.Executor, func()) {
	gate := license.NewFileGate(logger)
	if cfg.Runner.LicensePollInterval > 0 {
		gate.PollInterval = cfg.Runner.LicensePollInterval
	}
	r := runner.New(gate, logger)
	if cfg.Runner.TimeoutPollInterval > 0 {
		r.TimeoutPollInterval = cfg.Runner.TimeoutPollInterval
	}

	exec := chain.New(r, logger)
	if cfg.Runner.OKSettle > 0 {
		exec.SettleDelay = cfg.Runner.OKSettle
	}
	exec.TailBytes = cfg.Runner.TailBytes

	cleanup := func() {}
	if cfg.Mirror.URI != "" {
		store, loc, err := openStore(ctx, cfg.Mirror.URI, cfg.Mirror)
		if err != nil {
			logger.Warn("mirror disabled", zap.String("uri", cfg.Mirror.URI), zap.Error(err))
		} else {
			exec.Mirror = store
			exec.MirrorPrefix = loc.Key()
			cleanup = func() { _ = store.Close() }
		}
	}
	return exec, cleanup
}

// chainExitCode maps a job status to a process exit code.
func chainExitCode(status int) int {
	if status == 0 {
		return 1
	}
	return status
}
