// Package cmd wires goforward's cobra command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goforward/internal/config"
	"github.com/3leaps/goforward/internal/observability"
	"github.com/3leaps/goforward/internal/server/handlers"
)

var (
	cfgFile    string
	logLevel   string
	logProfile string
	verbose    bool
)

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo is called from main with the values injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Run ensemble forward models on a local host or an LSF cluster",
	Long: `goforward prepares one job chain per ensemble realization, submits the
chains through a bounded queue and follows them to completion.

On the compute node, 'goforward run <run_dir>' executes a chain and leaves
OK or EXIT sentinels behind for the queue to pick up.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./goforward.yaml, then the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logProfile, "log-profile", "", "log profile (structured, console)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "shorthand for --log-level debug")
}

// initRuntime loads configuration and sets up the CLI logger before any
// subcommand runs.
func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	overrides := map[string]any{}
	if verbose {
		overrides["logging.level"] = "debug"
	} else if strings.TrimSpace(logLevel) != "" {
		overrides["logging.level"] = logLevel
	}
	if strings.TrimSpace(logProfile) != "" {
		overrides["logging.profile"] = logProfile
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "invalid configuration", err)
	}
	if err := observability.InitCLILoggerWithConfig(config.AppName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "invalid logging configuration", err)
	}
	return nil
}

// loadedConfig returns the configuration resolved by initRuntime.
func loadedConfig() *config.Config {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	cfg, err := config.Load(context.Background())
	if err != nil {
		observability.CLILogger.Warn("falling back to defaults", zap.Error(err))
		return &config.Config{}
	}
	return cfg
}

// Execute runs the command tree and exits with the code carried by the
// returned error.
func Execute() {
	defer observability.Sync()
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	code := 1
	var ce *codeError
	if errors.As(err, &ce) {
		code = ce.code
	}
	observability.CLILogger.Error("command failed", zap.Error(err), zap.Int("exit_code", code))
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	observability.Sync()
	os.Exit(code)
}

// ExitWithCode logs and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	} else {
		logger.Info(message, zap.Int("exit_code", code))
	}
	_ = logger.Sync()
	os.Exit(code)
}

type codeError struct {
	code    int
	message string
	err     error
}

func (e *codeError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *codeError) Unwrap() error { return e.err }

// exitError creates an error that makes the CLI exit with the given code.
func exitError(code int, message string, err error) error {
	return &codeError{code: code, message: message, err: err}
}
