package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Sentinel file names inside a run directory.
const (
	StatusFile = "STATUS"
	OKFile     = "OK"
	ExitFile   = "EXIT"
)

// Outcome is what the sentinels say about the latest attempt.
type Outcome int

const (
	// Indeterminate means neither OK nor EXIT exists: still running, or the
	// executor crashed before finishing.
	Indeterminate Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "indeterminate"
	}
}

// ReadOutcome inspects runDir. EXIT wins over OK.
func ReadOutcome(runDir string) Outcome {
	if exists(filepath.Join(runDir, ExitFile)) {
		return Failed
	}
	if exists(filepath.Join(runDir, OKFile)) {
		return Succeeded
	}
	return Indeterminate
}

// fallbackPoll covers filesystems where inotify sees nothing, such as NFS
// writes from another host.
const fallbackPoll = time.Second

// WaitOutcome waits up to maxWait for OK or EXIT to appear in runDir. It
// returns Indeterminate when the wait expires. A non-nil error is only
// returned for ctx cancellation.
func WaitOutcome(ctx context.Context, runDir string, maxWait time.Duration) (Outcome, error) {
	if o := ReadOutcome(runDir); o != Indeterminate || maxWait <= 0 {
		return o, nil
	}

	var events <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer func() { _ = w.Close() }()
		if err := w.Add(runDir); err == nil {
			events = w.Events
		}
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(fallbackPoll)
	defer ticker.Stop()

	for {
		// Re-check after the watch is installed so a sentinel created in
		// between is not missed.
		if o := ReadOutcome(runDir); o != Indeterminate {
			return o, nil
		}
		select {
		case <-ctx.Done():
			return Indeterminate, ctx.Err()
		case <-deadline.C:
			return ReadOutcome(runDir), nil
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			name := filepath.Base(ev.Name)
			if name != OKFile && name != ExitFile {
				continue
			}
		}
	}
}

// ExitInfo is the parsed content of an EXIT file.
type ExitInfo struct {
	Time    time.Time
	Job     string
	Message string

	// Stderr is the tail of the failing job's stderr, if it was captured.
	Stderr string
}

// ReadExit parses the EXIT file in runDir.
func ReadExit(runDir string) (ExitInfo, error) {
	b, err := os.ReadFile(filepath.Join(runDir, ExitFile))
	if err != nil {
		return ExitInfo{}, err
	}
	return ParseExit(b)
}

// ParseExit parses EXIT content.
func ParseExit(b []byte) (ExitInfo, error) {
	var info ExitInfo
	header, stderr, _ := strings.Cut(string(b), "\n"+stderrMarker+"\n")
	for _, line := range strings.Split(header, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "time":
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return info, fmt.Errorf("invalid EXIT time %q: %w", value, err)
			}
			info.Time = t
		case "job":
			info.Job = value
		case "message":
			info.Message = value
		}
	}
	if info.Message == "" {
		return info, errors.New("EXIT file has no message")
	}
	info.Stderr = strings.TrimRight(stderr, "\n")
	return info, nil
}

const stderrMarker = "--- stderr ---"

func formatExit(at time.Time, job, message, stderr string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "time=%s\njob=%s\nmessage=%s\n", at.Format(time.RFC3339), job, oneLine(message))
	if stderr != "" {
		b.WriteString(stderrMarker + "\n")
		b.WriteString(stderr)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
