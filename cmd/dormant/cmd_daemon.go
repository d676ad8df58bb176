package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/yairfalse/dormant/internal/daemon"
	"github.com/yairfalse/dormant/internal/telemetry"
	"github.com/yairfalse/dormant/reconciler"
	"github.com/yairfalse/dormant/wal"
)

type daemonOptions struct {
	interval string
	once     bool
	dryRun   bool
}

func newDaemonCmd(flags *globalFlags) *cobra.Command {
	opts := &daemonOptions{}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the reconciliation loop",
		Long: `Run dormant in daemon mode.

Every interval the daemon reads all downtime windows, prunes members the
clouds no longer report, and stops or starts groups as their windows open
and close.

Endpoints:
  /metrics  Prometheus metrics
  /health   liveness and last tick error
  /status   last transition of every group and the last tick`,
		Example: `  dormant daemon --config dormant.yaml
  dormant daemon --interval 30s --dry-run
  dormant daemon --once`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), flags, opts)
		},
	}

	cmd.Flags().StringVar(&opts.interval, "interval", "", "Override the reconcile interval (e.g. 30s)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "Run a single tick and exit")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Decide and audit without calling the clouds")
	return cmd
}

func runDaemon(ctx context.Context, flags *globalFlags, opts *daemonOptions) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if opts.interval != "" {
		if err := cfg.SetInterval(opts.interval); err != nil {
			return err
		}
	}

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	walCfg := wal.DefaultConfig()
	walCfg.RetentionDays = cfg.WAL.RetentionDays
	if stats, err := wal.Cleanup(cfg.WAL.Dir, walCfg); err != nil {
		a.logger.Warn().Err(err).Msg("wal cleanup failed")
	} else if stats.FilesRemoved > 0 {
		a.logger.Info().
			Int("files", stats.FilesRemoved).
			Int64("bytes", stats.BytesFreed).
			Msg("expired wal files removed")
	}

	engine, err := a.engine(ctx, opts.dryRun, reconciler.WithTracer(tp.Tracer()))
	if err != nil {
		return err
	}

	metrics, err := daemon.NewDaemonMetrics(tp.Meter())
	if err != nil {
		return fmt.Errorf("init daemon metrics: %w", err)
	}

	d, err := daemon.NewDaemon(engine,
		daemon.Config{Interval: cfg.Reconciler.Interval, Addr: cfg.Metrics.Addr},
		daemon.WithLogger(a.logger),
		daemon.WithMetrics(metrics),
		daemon.WithMetricsHandler(tp.Handler()),
	)
	if err != nil {
		return err
	}

	a.logger.Info().
		Str("storage", cfg.Storage.Driver).
		Dur("interval", cfg.Reconciler.Interval).
		Bool("dry_run", opts.dryRun || cfg.Reconciler.DryRun).
		Interface("providers", a.registry.Providers()).
		Msg("dormant starting")

	if opts.once {
		result, err := d.RunOnce(ctx)
		if err != nil {
			return err
		}
		a.logger.Info().
			Int("groups", len(result.Groups)).
			Int("decisions", len(result.Decisions())).
			Int("failures", result.Failures()).
			Msg("one-shot mode, exiting")
		return nil
	}

	var g run.Group
	{
		loopCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(loopCtx)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(d.ListenAndServe, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.Shutdown(shutdownCtx)
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		a.logger.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}
