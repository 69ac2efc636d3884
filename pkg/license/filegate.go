package license

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often a blocked Acquire re-reads the link count.
const DefaultPollInterval = 5 * time.Second

// FileGate is the hard-link Gate for a shared POSIX filesystem.
type FileGate struct {
	// PollInterval between link-count checks; DefaultPollInterval if zero.
	PollInterval time.Duration

	Logger *zap.Logger
}

// NewFileGate returns a FileGate with default polling.
func NewFileGate(logger *zap.Logger) *FileGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileGate{PollInterval: DefaultPollInterval, Logger: logger}
}

// LicenseFile returns the shared license file for jobName.
func LicenseFile(licensePath, jobName string) string {
	return filepath.Join(licensePath, jobName)
}

// Acquire implements Gate.
//
// Filesystem errors while waiting are logged and retried at the poll
// interval; waiting is preferred to refusing to run.
func (g *FileGate) Acquire(ctx context.Context, jobName, licensePath string, maxRunning int) (Token, error) {
	if maxRunning <= 0 {
		return Token{}, nil
	}
	if jobName == "" || strings.ContainsRune(jobName, filepath.Separator) || jobName == "." || jobName == ".." {
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidJobName, jobName)
	}

	logger := g.logger().With(zap.String("job", jobName), zap.String("license_path", licensePath), zap.Int("max_running", maxRunning))
	licenseFile := LicenseFile(licensePath, jobName)

	var linkPath string
	for {
		if err := ensureLicenseFile(licensePath, licenseFile); err != nil {
			logger.Warn("license file not available; retrying", zap.Error(err))
		} else if running, err := Running(licensePath, jobName); err != nil {
			logger.Warn("cannot read license count; retrying", zap.Error(err))
		} else if running < maxRunning {
			linkPath = filepath.Join(licensePath, newTokenName())
			if err := os.Link(licenseFile, linkPath); err != nil {
				logger.Warn("cannot create license link; retrying", zap.Error(err))
			} else {
				break
			}
		} else {
			logger.Debug("waiting for license", zap.Int("running", running))
		}

		if err := sleep(ctx, g.pollInterval()); err != nil {
			return Token{}, err
		}
	}

	// A concurrent acquirer may have linked between our check and our link.
	// The overshoot is tolerated; we only wait for the count to settle back
	// under the limit before reporting the license as held.
	for {
		running, err := Running(licensePath, jobName)
		if err == nil && running <= maxRunning {
			break
		}
		if err != nil {
			logger.Warn("cannot confirm license count; retrying", zap.Error(err))
		} else {
			logger.Debug("license overshoot; waiting for it to settle", zap.Int("running", running))
		}
		if err := sleep(ctx, g.pollInterval()); err != nil {
			_ = os.Remove(linkPath)
			return Token{}, err
		}
	}

	logger.Debug("license acquired", zap.String("token", linkPath))
	return Token{Job: jobName, Path: linkPath}, nil
}

// Release implements Gate.
func (g *FileGate) Release(token Token) error {
	if !token.Held() {
		return nil
	}
	if err := os.Remove(token.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release license %s: %w", token.Path, err)
	}
	g.logger().Debug("license released", zap.String("job", token.Job), zap.String("token", token.Path))
	return nil
}

// Running returns the number of current holders for jobName: the license
// file's link count minus one. A missing license file means zero.
func Running(licensePath, jobName string) (int, error) {
	info, err := os.Stat(LicenseFile(licensePath, jobName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n, err := linkCount(info)
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

func linkCount(info os.FileInfo) (int, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("link count not available on this platform")
	}
	return int(st.Nlink), nil
}

func ensureLicenseFile(licensePath, licenseFile string) error {
	if err := os.MkdirAll(licensePath, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(licenseFile, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (g *FileGate) pollInterval() time.Duration {
	if g.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return g.PollInterval
}

func (g *FileGate) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Gate = (*FileGate)(nil)
