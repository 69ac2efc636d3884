package registry

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpawnOptions describes one background execution.
type SpawnOptions struct {
	Chain  string
	IENS   int
	RunDir string
	RunID  string

	// Command is the argv to run; Command[0] is resolved by exec.
	Command []string

	// Env is appended to the current environment.
	Env []string
}

// Spawn starts opts.Command in the background with stdout/stderr captured
// in the record directory, and persists a running record. The caller owns
// the returned Cmd and must Wait on it and call Finish.
func (s *Store) Spawn(opts SpawnOptions) (*Record, *exec.Cmd, error) {
	if len(opts.Command) == 0 || strings.TrimSpace(opts.Command[0]) == "" {
		return nil, nil, fmt.Errorf("command is required")
	}
	if err := s.ensureRoot(); err != nil {
		return nil, nil, err
	}

	id := uuid.New().String()
	if err := os.MkdirAll(s.Dir(id), 0755); err != nil {
		return nil, nil, fmt.Errorf("create record dir: %w", err)
	}

	stdoutFile, err := os.Create(s.StdoutPath(id))
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(s.StderrPath(id))
	if err != nil {
		return nil, nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.RunDir != "" {
		if info, err := os.Stat(opts.RunDir); err == nil && info.IsDir() {
			cmd.Dir = opts.RunDir
		}
	}

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(s.Dir(id))
		return nil, nil, fmt.Errorf("start %s: %w", opts.Command[0], err)
	}

	host, _ := os.Hostname()
	now := time.Now().UTC()
	heartbeat := now
	rec := &Record{
		ID:            id,
		Chain:         opts.Chain,
		IENS:          opts.IENS,
		RunDir:        opts.RunDir,
		RunID:         opts.RunID,
		Command:       opts.Command,
		Host:          host,
		State:         StateRunning,
		PID:           cmd.Process.Pid,
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: &heartbeat,
		StdoutPath:    s.StdoutPath(id),
		StderrPath:    s.StderrPath(id),
	}
	if err := s.Write(rec); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, nil, err
	}
	return rec, cmd, nil
}

// Resolve finds a record by full id or unique id prefix.
func (s *Store) Resolve(idOrPrefix string) (*Record, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return nil, fmt.Errorf("id is required")
	}
	if r, err := s.Get(idOrPrefix); err == nil {
		return r, nil
	}

	records, err := s.List()
	if err != nil {
		return nil, err
	}
	var matches []Record
	for _, r := range records {
		if strings.HasPrefix(r.ID, idOrPrefix) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("record not found: %s", idOrPrefix)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous id prefix %q matches %d records", idOrPrefix, len(matches))
	}
}
