// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// CLILogger is the logger used by the command layer. Library packages take
// a *zap.Logger explicitly and never reach for this global.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger with the structured profile at info
// level, or debug when verbose is set.
func InitCLILogger(service string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	if err := InitCLILoggerWithConfig(service, level, ProfileStructured); err != nil {
		CLILogger = zap.NewNop()
	}
}

// InitCLILoggerWithConfig configures CLILogger from a level name and a
// profile (structured or console). Output goes to stderr so stdout stays
// free for command results.
func InitCLILoggerWithConfig(service, level, profile string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	var encCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	case ProfileConsole:
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("unknown logging profile %q (expected structured or console)", profile)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl)
	logger := zap.New(core, zap.AddCaller())
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	CLILogger = logger
	return nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug", "trace":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// Sync flushes CLILogger, ignoring the EINVAL stderr sync error some
// platforms report.
func Sync() {
	_ = CLILogger.Sync()
}
