package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads, schema-validates and semantically validates a chain file.
// path may be the chain file itself or the run directory holding it.
func Load(path string) (*Chain, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, ChainFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chain file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read chain file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates chain JSON.
func LoadFromBytes(data []byte) (*Chain, error) {
	if len(data) == 0 {
		return nil, errors.New("chain file is empty")
	}
	if err := ValidateRaw(data); err != nil {
		return nil, err
	}

	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid JSON in chain file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Write stores the chain file in c.RunDir atomically (temp file + rename)
// so a compute node never reads a half-written chain.
func Write(c *Chain) error {
	if c == nil {
		return errors.New("chain is nil")
	}
	if c.Version == "" {
		c.Version = Version
	}
	if err := c.Validate(); err != nil {
		return err
	}

	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(c.RunDir, ChainFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp chain file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp chain file: %w", err)
	}
	if err := os.Rename(tmpName, c.FilePath()); err != nil {
		return fmt.Errorf("rename chain file: %w", err)
	}
	return nil
}

// Prepare creates the run directory and writes the chain file.
func Prepare(c *Chain) error {
	if c == nil {
		return errors.New("chain is nil")
	}
	if err := os.MkdirAll(c.RunDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return Write(c)
}
