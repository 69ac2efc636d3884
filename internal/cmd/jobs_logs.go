package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func runJobsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = "stdout"
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	store := jobsStore()
	rec, err := store.Resolve(args[0])
	if err != nil {
		return err
	}

	stdoutPath := rec.StdoutPath
	if stdoutPath == "" {
		stdoutPath = store.StdoutPath(rec.ID)
	}
	stderrPath := rec.StderrPath
	if stderrPath == "" {
		stderrPath = store.StderrPath(rec.ID)
	}

	var paths []string
	switch stream {
	case "stdout":
		paths = []string{stdoutPath}
	case "stderr":
		paths = []string{stderrPath}
	case "both":
		paths = []string{stdoutPath, stderrPath}
	default:
		return fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", stream)
	}

	out := cmd.OutOrStdout()
	if follow {
		if len(paths) > 1 {
			return fmt.Errorf("--follow needs a single --stream")
		}
		return followLog(cmd.Context(), paths[0], tailN, out)
	}
	for _, p := range paths {
		if err := printLogTail(p, tailN, out); err != nil {
			return err
		}
	}
	return nil
}

func printLogTail(path string, tailN int, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog prints the tail of path and then every write to it until ctx
// ends.
func followLog(ctx context.Context, path string, tailN int, w io.Writer) error {
	if err := printLogTail(path, tailN, w); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(path); err != nil {
		return err
	}

	// Writes from another host on a shared filesystem raise no events.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
		case <-ticker.C:
		}
	}
}
