// Command goforward runs ensemble forward models through a bounded queue
// on a local host or an LSF cluster.
package main

import "github.com/3leaps/goforward/internal/cmd"

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.Execute()
}
