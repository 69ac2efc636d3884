package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goforward/internal/config"
)

// isolateCLI points every config and data path at temp dirs.
func isolateCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", filepath.Join(dir, "home"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("GOFORWARD_REGISTRY_ROOT", filepath.Join(dir, "jobs"))
	t.Setenv("GOFORWARD_LOG_LEVEL", "error")
	config.SetConfigFile("")
	t.Cleanup(func() { config.SetConfigFile("") })
	return dir
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// executeCommand runs the root command with args and returns its combined
// output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var ce *codeError
	require.True(t, errors.As(err, &ce), "expected an exit error, got %v", err)
	return ce.code
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitFileWriteError, "cannot write", cause)

	assert.Equal(t, "cannot write: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, foundry.ExitFileWriteError, exitCode(t, err))

	bare := exitError(3, "chain failed", nil)
	assert.Equal(t, "chain failed", bare.Error())
	assert.Equal(t, 3, exitCode(t, bare))
}

func TestRoot_InvalidLogLevel(t *testing.T) {
	isolateCLI(t)
	_, err := executeCommand(t, "version", "--log-level", "loud")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
}

func TestRoot_MissingConfigFile(t *testing.T) {
	dir := isolateCLI(t)
	_, err := executeCommand(t, "version", "--config", filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
}

func TestVersionCommand(t *testing.T) {
	isolateCLI(t)
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.2.3", "abc123", "2026-01-02")

	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "goforward 1.2.3")
	assert.Contains(t, out, "commit: abc123")

	out, err = executeCommand(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "1.2.3"`)
	assert.NotContains(t, out, "go_version")
}
