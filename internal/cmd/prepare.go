package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goforward/internal/observability"
	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/manifest"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare <manifest>",
	Short: "Create run directories and chain files for every realization",
	Long: `Build one job chain per realization from an ensemble manifest, create
its run directory and write the chain file into it.

Existing chain files are overwritten; other files in the run directories
are left alone.

Examples:
  goforward prepare norne.yaml
  goforward prepare norne.yaml --realization 0 --realization 7`,
	Args: cobra.ExactArgs(1),
	RunE: runPrepare,
}

func init() {
	rootCmd.AddCommand(prepareCmd)
	prepareCmd.Flags().IntSlice("realization", nil, "Only prepare these realization indices")
}

func runPrepare(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "invalid manifest", err)
	}

	only, _ := cmd.Flags().GetIntSlice("realization")
	chains, err := selectChains(m, only)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "cannot build chains", err)
	}

	for _, c := range chains {
		if err := jobspec.Prepare(c); err != nil {
			return exitError(foundry.ExitFileWriteError, fmt.Sprintf("cannot prepare realization %d", c.IENS), err)
		}
		observability.CLILogger.Debug("prepared realization",
			zap.Int("iens", c.IENS),
			zap.String("run_dir", c.RunDir))
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), c.RunDir)
	}
	observability.CLILogger.Info("prepared run directories", zap.Int("realizations", len(chains)))
	return nil
}

// selectChains builds the chains of m, restricted to only when it is not
// empty.
func selectChains(m *manifest.Manifest, only []int) ([]*jobspec.Chain, error) {
	if len(only) == 0 {
		return m.Chains()
	}
	chains := make([]*jobspec.Chain, 0, len(only))
	for _, iens := range only {
		c, err := m.Chain(iens)
		if err != nil {
			return nil, err
		}
		chains = append(chains, c)
	}
	return chains, nil
}
