package cmd

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/goforward/pkg/registry"
)

func runJobsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	if sigStr == "" {
		sigStr = "term"
	}
	if sigStr != "term" && sigStr != "kill" {
		return fmt.Errorf("invalid --signal %q (expected term or kill)", sigStr)
	}
	wait, _ := cmd.Flags().GetDuration("wait")

	store := jobsStore()
	rec, err := store.Resolve(args[0])
	if err != nil {
		return err
	}
	if rec.PID <= 0 {
		return fmt.Errorf("record has no pid")
	}
	if rec.State != registry.StateRunning && rec.State != registry.StateStopping {
		return fmt.Errorf("execution is not running (state=%s)", rec.State)
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	sig := syscall.SIGTERM
	if sigStr == "kill" {
		sig = syscall.SIGKILL
	}

	now := time.Now().UTC()
	rec.State = registry.StateStopping
	rec.LastHeartbeat = &now
	_ = store.Write(rec)

	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", sigStr, err)
	}

	out := cmd.OutOrStdout()
	forced := false
	if sig == syscall.SIGTERM {
		deadline := time.Now().Add(wait)
		for registry.IsProcessAlive(rec.PID) && time.Now().Before(deadline) {
			time.Sleep(250 * time.Millisecond)
		}
		if registry.IsProcessAlive(rec.PID) {
			_ = proc.Signal(syscall.SIGKILL)
			forced = true
		}
	}

	markStopped(store, rec)
	switch {
	case forced:
		_, _ = fmt.Fprintf(out, "sent=term;forced=kill\n")
	default:
		_, _ = fmt.Fprintf(out, "sent=%s\n", sigStr)
	}
	return nil
}

// markStopped records the end of a stopped execution unless its reaper
// already finished it.
func markStopped(store *registry.Store, rec *registry.Record) {
	if cur, err := store.Get(rec.ID); err == nil && cur.State.Terminal() {
		return
	}
	now := time.Now().UTC()
	rec.State = registry.StateStopped
	rec.EndedAt = &now
	rec.LastHeartbeat = &now
	_ = store.Write(rec)
}
