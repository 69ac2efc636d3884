package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
	versionCmd.Flags().Bool("extended", false, "Include Go and dependency versions")
}

type versionReport struct {
	VersionInfo
	GoVersion string `json:"go_version,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Gofulmen  string `json:"gofulmen,omitempty"`
	Crucible  string `json:"crucible,omitempty"`
}

func runVersion(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	extended, _ := cmd.Flags().GetBool("extended")

	rep := versionReport{VersionInfo: versionInfo}
	if extended {
		v := crucible.GetVersion()
		rep.GoVersion = runtime.Version()
		rep.Platform = runtime.GOOS + "/" + runtime.GOARCH
		rep.Gofulmen = v.Gofulmen
		rep.Crucible = v.Crucible
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	_, _ = fmt.Fprintf(out, "goforward %s\n", rep.Version)
	_, _ = fmt.Fprintf(out, "commit: %s\n", rep.Commit)
	_, _ = fmt.Fprintf(out, "built: %s\n", rep.BuildDate)
	if extended {
		_, _ = fmt.Fprintf(out, "go: %s %s\n", rep.GoVersion, rep.Platform)
		_, _ = fmt.Fprintf(out, "gofulmen: %s\n", rep.Gofulmen)
		_, _ = fmt.Fprintf(out, "crucible: %s\n", rep.Crucible)
	}
	return nil
}
