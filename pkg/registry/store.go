package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Store persists and loads Records from an on-disk directory.
//
// Directory layout:
//
//	<root>/<id>/record.json
//	<root>/<id>/stdout.log
//	<root>/<id>/stderr.log
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) RecordPath(id string) string {
	return filepath.Join(s.Dir(id), "record.json")
}

func (s *Store) StdoutPath(id string) string {
	return filepath.Join(s.Dir(id), "stdout.log")
}

func (s *Store) StderrPath(id string) string {
	return filepath.Join(s.Dir(id), "stderr.log")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *Store) Write(record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.Dir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "record.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp record file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record file: %w", err)
	}

	if err := os.Rename(tmpName, s.RecordPath(id)); err != nil {
		return fmt.Errorf("rename record file: %w", err)
	}
	return nil
}

// Get loads a record. A record that claims to be running whose process is
// gone is downgraded to unknown and persisted.
func (s *Store) Get(id string) (*Record, error) {
	record, err := s.load(id)
	if err != nil {
		return nil, err
	}

	if (record.State == StateRunning || record.State == StateStopping) && record.PID > 0 && !IsProcessAlive(record.PID) {
		record.State = StateUnknown
		now := time.Now().UTC()
		record.LastHeartbeat = &now
		_ = s.Write(record)
	}

	return record, nil
}

func (s *Store) load(id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	b, err := os.ReadFile(s.RecordPath(id))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("record.json is empty")
	}

	var record Record
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse record.json: %w", err)
	}
	return &record, nil
}

// Finish records the exit code of a reaped process. A record already
// marked stopping becomes stopped; otherwise exit code 0 means success.
func (s *Store) Finish(id string, exitCode int) (*Record, error) {
	record, err := s.load(id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	record.ExitCode = &exitCode
	record.EndedAt = &now
	record.LastHeartbeat = &now
	switch {
	case record.State == StateStopping || record.State == StateStopped:
		record.State = StateStopped
	case exitCode == 0:
		record.State = StateSuccess
	default:
		record.State = StateFailed
	}
	if err := s.Write(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Delete removes a record and its logs.
func (s *Store) Delete(id string) error {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid id %q", id)
	}
	return os.RemoveAll(s.Dir(id))
}

func (s *Store) List() ([]Record, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read registry root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return sortTime(out[i]).After(sortTime(out[j]))
	})

	return out, nil
}

func sortTime(r Record) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// IsProcessAlive reports whether pid exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
