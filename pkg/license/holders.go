package license

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Holder is one token link found next to a license file.
type Holder struct {
	Path string

	// IssuedAt is decoded from the token name; zero when the name carries
	// no timestamp. Hard links share an inode, so file times cannot tell
	// holders apart.
	IssuedAt time.Time
}

// newTokenName returns a time-ordered unique name. UUIDv7 embeds the issue
// time in milliseconds, which Holders decodes for age-based cleanup.
func newTokenName() string {
	return uuid.Must(uuid.NewV7()).String()
}

func tokenIssuedAt(name string) time.Time {
	id, err := uuid.Parse(name)
	if err != nil || id.Version() != 7 {
		return time.Time{}
	}
	var ms [8]byte
	copy(ms[2:], id[:6])
	return time.UnixMilli(int64(binary.BigEndian.Uint64(ms[:])))
}

// Holders lists the token links sharing jobName's license file, oldest
// first.
func Holders(licensePath, jobName string) ([]Holder, error) {
	licenseInfo, err := os.Stat(LicenseFile(licensePath, jobName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries, err := os.ReadDir(licensePath)
	if err != nil {
		return nil, fmt.Errorf("read license path: %w", err)
	}

	var out []Holder
	for _, e := range entries {
		if e.Name() == jobName || e.IsDir() {
			continue
		}
		p := filepath.Join(licensePath, e.Name())
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if os.SameFile(licenseInfo, info) {
			out = append(out, Holder{Path: p, IssuedAt: tokenIssuedAt(e.Name())})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].Path < out[j].Path
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}

// Licenses returns the job names that have a license file under
// licensePath. Token links are skipped: a UUIDv7 name sharing its inode
// with another entry. Any other name is a job, UUID-shaped or not.
func Licenses(licensePath string) ([]string, error) {
	entries, err := os.ReadDir(licensePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isToken(licensePath, e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Clean removes token links for jobName issued more than olderThan ago.
// olderThan <= 0 removes every token. Tokens without a decodable issue time
// are only removed in that case. It returns the removed paths.
func Clean(licensePath, jobName string, olderThan time.Duration, now time.Time) ([]string, error) {
	holders, err := Holders(licensePath, jobName)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, h := range holders {
		if olderThan > 0 {
			if h.IssuedAt.IsZero() || now.Sub(h.IssuedAt) < olderThan {
				continue
			}
		}
		if err := os.Remove(h.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", h.Path, err)
		}
		removed = append(removed, h.Path)
	}
	return removed, nil
}

func isToken(licensePath, name string) bool {
	if tokenIssuedAt(name).IsZero() {
		return false
	}
	info, err := os.Stat(filepath.Join(licensePath, name))
	if err != nil {
		return false
	}
	n, err := linkCount(info)
	return err == nil && n > 1
}
