package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goforward/internal/config"
	"github.com/3leaps/goforward/internal/observability"
	"github.com/3leaps/goforward/pkg/chain"
	"github.com/3leaps/goforward/pkg/provider"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment goforward runs in and suggest
fixes for common issues.

Checks the registry and license directories are writable, the driver's
commands can be found and, when mirror.uri is set, that the mirror accepts
writes.

Examples:
  goforward doctor
  goforward doctor --driver lsf`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().String("driver", "", "Check this driver instead of the configured one (local, lsf)")
}

// doctorCheck is one numbered diagnostic.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) {
	cfg := loadedConfig()
	driverName, _ := cmd.Flags().GetString("driver")
	if driverName == "" {
		driverName = cfg.Driver.Type
	}

	log := observability.CLILogger
	log.Info("=== goforward doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	checks := doctorChecks(cfg, driverName)
	allChecks := true
	for i, c := range checks {
		detail, err := c.run(cmd.Context())
		if err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %v", i+1, len(checks), c.name, err), zap.Error(err))
			allChecks = false
			continue
		}
		log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", i+1, len(checks), c.name, detail))
	}

	log.Info("")
	if allChecks {
		log.Info("✅ All checks passed! Your goforward installation is healthy.")
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if !allChecks {
		ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "diagnostic checks failed", nil)
	}
}

func doctorChecks(cfg *config.Config, driverName string) []doctorCheck {
	checks := []doctorCheck{
		{name: "Go version", run: func(context.Context) (string, error) {
			v := runtime.Version()
			if v < "go1.23" {
				return "", fmt.Errorf("%s (recommended: go1.23+)", v)
			}
			return v, nil
		}},
		{name: "Gofulmen", run: func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Gofulmen == "" {
				return "", errors.New("cannot read gofulmen version")
			}
			return fmt.Sprintf("gofulmen v%s, crucible v%s", v.Gofulmen, v.Crucible), nil
		}},
		{name: "registry directory", run: func(context.Context) (string, error) {
			return cfg.Registry.Root, checkWritableDir(cfg.Registry.Root)
		}},
		{name: "license directory", run: func(context.Context) (string, error) {
			if cfg.License.Root == "" {
				return "not configured (manifests name their own)", nil
			}
			return cfg.License.Root, checkWritableDir(cfg.License.Root)
		}},
		{name: "driver " + driverName, run: func(context.Context) (string, error) {
			return checkDriver(cfg, driverName)
		}},
		{name: "environment", run: func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
	}

	if cfg.Mirror.URI != "" {
		checks = append(checks, doctorCheck{name: "mirror " + cfg.Mirror.URI, run: func(ctx context.Context) (string, error) {
			return checkMirror(ctx, cfg.Mirror)
		}})
	}
	return checks
}

// checkWritableDir creates dir if needed and proves a file can be written
// in it.
func checkWritableDir(dir string) error {
	if dir == "" {
		return errors.New("directory not set")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".goforward-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// checkCommands resolves every command on PATH.
func checkCommands(names ...string) error {
	var errs []error
	for _, n := range names {
		if _, err := exec.LookPath(n); err != nil {
			errs = append(errs, fmt.Errorf("%s not found", n))
		}
	}
	return errors.Join(errs...)
}

func checkDriver(cfg *config.Config, name string) (string, error) {
	switch name {
	case config.DriverLocal:
		command := cfg.Driver.Local.Command
		if len(command) == 0 {
			exe, err := os.Executable()
			if err != nil {
				return "", err
			}
			return exe + " run", nil
		}
		return command[0], checkCommands(command[0])
	case config.DriverLSF:
		lc := cfg.Driver.LSF
		if err := checkCommands(lc.Bsub, lc.Bjobs, lc.Bkill); err != nil {
			return "", err
		}
		path, _ := exec.LookPath(lc.Bsub)
		return filepath.Dir(path), nil
	default:
		return "", fmt.Errorf("unknown driver %q", name)
	}
}

// checkMirror writes, reads and deletes a scratch object in the mirror.
func checkMirror(ctx context.Context, mc config.MirrorConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store, loc, err := openStore(ctx, mc.URI, mc)
	if err != nil {
		return "", err
	}
	defer func() { _ = store.Close() }()

	if loc.Type == provider.ProviderS3 {
		detail, err := checkAWSCredentials(ctx, mc.Profile)
		if err != nil {
			printAWSCredentialsHelp()
			return "", err
		}
		observability.CLILogger.Debug("aws credentials", zap.String("detail", detail))
	}

	key := chain.MirrorKey(loc.Key(), ".goforward-doctor", os.Getpid(), chain.StatusFile)
	if err := store.Put(ctx, key, []byte("doctor\n")); err != nil {
		return "", mirrorError("write", key, err)
	}
	if _, err := store.Get(ctx, key); err != nil {
		return "", mirrorError("read", key, err)
	}
	if err := store.Delete(ctx, key); err != nil {
		return "", mirrorError("delete", key, err)
	}
	return "read/write ok", nil
}

// mirrorError wraps a failed mirror operation with a remediation hint
// when the provider classified the failure.
func mirrorError(op, key string, err error) error {
	if hint := mirrorHint(err); hint != "" {
		return fmt.Errorf("%s %s: %w (%s)", op, key, err, hint)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func mirrorHint(err error) string {
	switch {
	case provider.IsBucketNotFound(err):
		return "create the bucket or fix mirror.uri"
	case provider.IsAccessDenied(err):
		return "grant write access to the mirror prefix"
	case provider.IsInvalidCredentials(err):
		return "check mirror.profile or the AWS_* credentials"
	case provider.IsThrottled(err):
		return "the store is rate limiting; retry later"
	case provider.IsProviderUnavailable(err):
		return "the store is unavailable; check mirror.endpoint and the network"
	default:
		return ""
	}
}

func checkAWSCredentials(ctx context.Context, profile string) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("cannot load AWS config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s from %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials for the mirror:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Set mirror.profile to a profile from ~/.aws/config, or")
	log.Info("  3. Use an instance role on the compute nodes")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set mirror.endpoint")
	log.Info("and usually mirror.force_path_style.")
	log.Info("")
}
