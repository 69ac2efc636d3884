package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/goforward/internal/config"
	"github.com/3leaps/goforward/internal/observability"
	"github.com/3leaps/goforward/internal/server"
	"github.com/3leaps/goforward/internal/server/handlers"
	"github.com/3leaps/goforward/pkg/driver"
	"github.com/3leaps/goforward/pkg/driver/local"
	"github.com/3leaps/goforward/pkg/driver/lsf"
	"github.com/3leaps/goforward/pkg/jobspec"
	"github.com/3leaps/goforward/pkg/manifest"
	"github.com/3leaps/goforward/pkg/output"
	"github.com/3leaps/goforward/pkg/queue"
	"github.com/3leaps/goforward/pkg/registry"
)

// exitRealizationsFailed is returned when the queue finished with failed
// realizations.
const exitRealizationsFailed = 1

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Submit and follow ensemble batches",
}

var queueRunCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Prepare, submit and follow every realization of a manifest",
	Long: `Prepare the run directories of a manifest, submit one chain per
realization through the configured driver and follow them until every
realization succeeded, failed or was killed.

At most --max-running realizations are active at once. A realization whose
executor fails is resubmitted until it has used max_submit attempts.

Ctrl-C kills every active realization and exits. With --serve the queue is
also exposed over HTTP at /api/v1 while it runs.

Examples:
  goforward queue run norne.yaml
  goforward queue run norne.yaml --driver lsf --max-running 50
  goforward queue run norne.yaml --serve --output events.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueRun,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueRunCmd)

	queueRunCmd.Flags().String("driver", "", "Driver to submit with: local or lsf (default from config)")
	queueRunCmd.Flags().Int("max-running", -1, "Maximum active realizations; 0 means unlimited (default from manifest or config)")
	queueRunCmd.Flags().Int("max-submit", 0, "Attempts per realization (default from manifest or config)")
	queueRunCmd.Flags().IntSlice("realization", nil, "Only run these realization indices")
	queueRunCmd.Flags().Bool("serve", false, "Serve queue status over HTTP while running")
	queueRunCmd.Flags().String("output", "", "Write JSONL events to this file (- for stdout)")
	queueRunCmd.Flags().Duration("progress-interval", 5*time.Second, "How often the progress line is printed")
	queueRunCmd.Flags().Bool("no-prepare", false, "Submit existing chain files without rewriting them")
}

// queueSettings are the effective queue limits after applying the manifest
// and flag overrides to the config.
type queueSettings struct {
	driver      string
	maxRunning  int
	maxSubmit   int
	maxDuration time.Duration
}

func resolveQueueSettings(cmd *cobra.Command, cfg *config.Config, m *manifest.Manifest) (queueSettings, error) {
	s := queueSettings{
		driver:      cfg.Driver.Type,
		maxRunning:  cfg.Queue.MaxRunning,
		maxSubmit:   cfg.Queue.MaxSubmit,
		maxDuration: cfg.Queue.MaxDuration,
	}

	if m.Queue.MaxRunning != nil {
		s.maxRunning = *m.Queue.MaxRunning
	}
	if m.Queue.MaxSubmit != nil {
		s.maxSubmit = *m.Queue.MaxSubmit
	}
	if m.Queue.MaxDuration != "" {
		d, err := m.Queue.MaxDurationValue()
		if err != nil {
			return s, err
		}
		s.maxDuration = d
	}

	if v, _ := cmd.Flags().GetString("driver"); strings.TrimSpace(v) != "" {
		s.driver = strings.ToLower(strings.TrimSpace(v))
	}
	if v, _ := cmd.Flags().GetInt("max-running"); v >= 0 {
		s.maxRunning = v
	}
	if v, _ := cmd.Flags().GetInt("max-submit"); v > 0 {
		s.maxSubmit = v
	}

	switch s.driver {
	case config.DriverLocal, config.DriverLSF:
	default:
		return s, fmt.Errorf("unknown driver %q (expected %s or %s)", s.driver, config.DriverLocal, config.DriverLSF)
	}
	if s.maxRunning < 0 {
		return s, errors.New("max running must not be negative")
	}
	return s, nil
}

// newDriver builds the named driver from configuration.
func newDriver(name string, cfg *config.Config, runID string, logger *zap.Logger) (driver.Driver, error) {
	switch name {
	case config.DriverLocal:
		return local.New(local.Config{
			Store:     registry.NewStore(cfg.Registry.Root),
			Command:   cfg.Driver.Local.Command,
			KillGrace: cfg.Driver.Local.KillGrace,
			RunID:     runID,
			Logger:    logger,
		})
	case config.DriverLSF:
		lc := cfg.Driver.LSF
		return lsf.New(lsf.Config{
			BsubCmd:         lc.Bsub,
			BjobsCmd:        lc.Bjobs,
			BkillCmd:        lc.Bkill,
			Queue:           lc.Queue,
			Resource:        lc.Resource,
			CPUs:            lc.CPUs,
			Command:         lc.Command,
			RefreshInterval: lc.RefreshInterval,
			CommandsPerSec:  lc.CommandsPerSec,
			Logger:          logger,
		})
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

// openEventWriter opens the JSONL destination. An empty path disables
// events.
func openEventWriter(path, runID, driverName string) (output.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-", "stdout":
		w := output.NewJSONLWriter(os.Stdout, runID, driverName)
		return w, func() { _ = w.Close() }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file %s: %w", path, err)
	}
	w := output.NewJSONLWriter(f, runID, driverName)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

func runQueueRun(cmd *cobra.Command, args []string) error {
	cfg := loadedConfig()
	logger := observability.CLILogger

	m, err := manifest.Load(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "invalid manifest", err)
	}
	only, _ := cmd.Flags().GetIntSlice("realization")
	chains, err := selectChains(m, only)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "cannot build chains", err)
	}

	settings, err := resolveQueueSettings(cmd, cfg, m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "invalid queue settings", err)
	}

	noPrepare, _ := cmd.Flags().GetBool("no-prepare")
	if !noPrepare {
		for _, c := range chains {
			if err := jobspec.Prepare(c); err != nil {
				return exitError(foundry.ExitFileWriteError, fmt.Sprintf("cannot prepare realization %d", c.IENS), err)
			}
		}
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID), zap.String("batch", m.Name))

	drv, err := newDriver(settings.driver, cfg, runID, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "cannot create driver", err)
	}

	outputPath, _ := cmd.Flags().GetString("output")
	events, closeEvents, err := openEventWriter(outputPath, runID, drv.Name())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "cannot open output", err)
	}
	defer closeEvents()

	q, err := queue.New(queue.Options{
		Driver:       drv,
		Size:         len(chains),
		MaxRunning:   settings.maxRunning,
		MaxSubmit:    settings.maxSubmit,
		SubmitBatch:  cfg.Queue.SubmitBatch,
		SubmitRate:   cfg.Queue.SubmitRate,
		PollInterval: cfg.Queue.PollInterval,
		MaxOKWait:    cfg.Queue.MaxOKWait,
		KillWait:     cfg.Queue.KillWait,
		MaxDuration:  settings.maxDuration,
		Output:       events,
		Logger:       logger,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "cannot create queue", err)
	}
	for _, c := range chains {
		if err := q.Submit(c); err != nil {
			return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("cannot queue realization %d", c.IENS), err)
		}
	}

	logger.Info("queue starting",
		zap.String("driver", drv.Name()),
		zap.Int("realizations", len(chains)),
		zap.Int("max_running", settings.maxRunning),
		zap.Int("max_submit", settings.maxSubmit))

	serve, _ := cmd.Flags().GetBool("serve")
	interval, _ := cmd.Flags().GetDuration("progress-interval")
	killed, err := followQueue(cmd.Context(), q, cfg, followOptions{
		serve:            serve,
		progressInterval: interval,
		progress:         cmd.ErrOrStderr(),
		logger:           logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "queue failed", err)
	}

	counts := q.Counts()
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), counts.String())
	if killed || errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitSignalInt, "queue interrupted", nil)
	}
	if counts.Failed > 0 || counts.Killed > 0 {
		return exitError(exitRealizationsFailed, fmt.Sprintf("%d of %d realizations did not succeed", counts.Failed+counts.Killed, counts.Total), nil)
	}
	return nil
}

type followOptions struct {
	serve            bool
	progressInterval time.Duration
	progress         io.Writer
	logger           *zap.Logger
}

// followQueue runs q to completion alongside the progress printer and,
// optionally, the status server. The first SIGINT or SIGTERM kills every
// realization; a second one abandons the wait. It reports whether a kill
// was requested.
func followQueue(ctx context.Context, q *queue.Queue, cfg *config.Config, opts followOptions) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	killRequested := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			opts.logger.Warn("signal received, killing all realizations", zap.String("signal", sig.String()))
			close(killRequested)
			go q.KillAll(ctx)
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigCh:
			opts.logger.Warn("second signal received, abandoning queue", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return q.Run(gctx)
	})
	g.Go(func() error {
		printProgress(gctx, q, opts.progress, opts.progressInterval)
		return nil
	})
	if opts.serve {
		handlers.InitHealthManager(versionInfo.Version)
		handlers.GetHealthManager().RegisterChecker("queue", handlers.NewQueueHandlers(q))
		srv := server.New(cfg.Server.Host, cfg.Server.Port,
			server.WithQueue(q),
			server.WithLogger(opts.logger),
			server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))
		g.Go(func() error {
			sctx, stop := context.WithCancel(gctx)
			defer stop()
			go func() {
				select {
				case <-q.Done():
					stop()
				case <-sctx.Done():
				}
			}()
			return srv.Run(sctx, cfg.Server.ShutdownTimeout)
		})
	}

	err := g.Wait()
	select {
	case <-killRequested:
		return true, err
	default:
		return false, err
	}
}

// printProgress writes the summary line whenever it changes, until the
// queue finishes or ctx ends.
func printProgress(ctx context.Context, q *queue.Queue, w io.Writer, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	select {
	case <-q.Started():
	case <-q.Done():
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := ""
	for {
		if line := q.Summary(); line != last {
			_, _ = fmt.Fprintln(w, line)
			last = line
		}
		select {
		case <-q.Done():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
