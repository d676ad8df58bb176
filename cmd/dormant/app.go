package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/dormant/internal/config"
	"github.com/yairfalse/dormant/internal/emitter"
	"github.com/yairfalse/dormant/internal/telemetry"
	"github.com/yairfalse/dormant/lifecycle"
	"github.com/yairfalse/dormant/policy"
	"github.com/yairfalse/dormant/providers"
	"github.com/yairfalse/dormant/providers/aws"
	"github.com/yairfalse/dormant/providers/azure"
	"github.com/yairfalse/dormant/reconciler"
	"github.com/yairfalse/dormant/session"
	"github.com/yairfalse/dormant/storage"
	"github.com/yairfalse/dormant/storage/sqlite"
	"github.com/yairfalse/dormant/wal"
)

// app holds the components a command runs against
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    storage.Store
	wal      *wal.WAL
	registry *providers.Registry
	sessions *session.Manager
	emitters []emitter.Emitter
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, cfg.Validate()
}

// newApp opens storage and the audit log. Cloud providers are built only
// when withProviders is set.
func newApp(ctx context.Context, cfg *config.Config, withProviders bool) (*app, error) {
	logger, err := telemetry.NewLogger(cfg.OTEL.ServiceName, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	log.Logger = logger

	a := &app{
		cfg:      cfg,
		logger:   logger,
		sessions: session.NewManager(),
		registry: providers.NewRegistry(),
	}

	a.store, err = openStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	walCfg := wal.DefaultConfig()
	walCfg.RetentionDays = cfg.WAL.RetentionDays
	a.wal, err = wal.OpenWithConfig(cfg.WAL.Dir, walCfg)
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	if withProviders {
		if err := a.buildProviders(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func openStore(cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Path, sqlite.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewBoltStore(cfg.Path, storage.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return s, nil
	}
}

func (a *app) buildProviders(ctx context.Context) error {
	if len(a.cfg.AWS.Accounts) > 0 {
		accounts := make([]aws.Account, 0, len(a.cfg.AWS.Accounts))
		for _, acc := range a.cfg.AWS.Accounts {
			accounts = append(accounts, aws.Account{
				ID:         acc.ID,
				Profile:    acc.Profile,
				RoleARN:    acc.RoleARN,
				ExternalID: acc.ExternalID,
			})
		}
		compute, err := aws.New(aws.Config{Regions: a.cfg.AWS.Regions, Accounts: accounts}, aws.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.registry.Register(compute)
	}

	if len(a.cfg.Azure.Accounts) > 0 {
		accounts := make([]azure.Account, 0, len(a.cfg.Azure.Accounts))
		for _, acc := range a.cfg.Azure.Accounts {
			accounts = append(accounts, azure.Account{
				ID:            acc.ID,
				TenantID:      acc.TenantID,
				Subscriptions: acc.Subscriptions,
			})
		}
		a.registry.Register(azure.New(azure.Config{Accounts: accounts}, azure.WithLogger(a.logger)))
	}

	a.logger.Debug().
		Interface("providers", a.registry.Providers()).
		Msg("providers configured")
	return nil
}

func (a *app) lifecycle() *lifecycle.Manager {
	return lifecycle.New(a.store,
		lifecycle.WithLogger(a.logger),
		lifecycle.WithWAL(a.wal),
		lifecycle.WithLocation(a.cfg.Reconciler.Location),
		lifecycle.WithProviders(a.registry),
	)
}

// withSession runs fn in a session scoped to the --aws-account and
// --azure-account flags
func (a *app) withSession(flags *globalFlags, fn func(*session.Session) error) error {
	accounts := session.Accounts{AWS: flags.awsAccount, Azure: flags.azureAccount}
	if accounts.Empty() {
		return fmt.Errorf("--aws-account or --azure-account is required")
	}
	return a.sessions.With(accounts, fn)
}

// guard loads the Rego policies of the configured directory
func (a *app) guard(ctx context.Context) (*policy.Guard, error) {
	g := policy.NewGuard(policy.WithLogger(a.logger))
	if a.cfg.Policy.Path == "" {
		return g, nil
	}
	n, err := g.LoadDir(ctx, a.cfg.Policy.Path)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Int("policies", n).Str("path", a.cfg.Policy.Path).Msg("command policies loaded")
	return g, nil
}

// emitter builds the decision fan-out: logs and metrics always, SQS when
// a queue is configured
func (a *app) emitter(ctx context.Context) (emitter.Emitter, error) {
	metrics, err := emitter.NewMetricsEmitter(nil)
	if err != nil {
		return nil, err
	}
	a.emitters = []emitter.Emitter{emitter.NewLogEmitter(a.logger), metrics}

	if a.cfg.Emitter.SQSQueueURL != "" {
		sqs, err := emitter.NewSQSEmitter(ctx, a.cfg.Emitter.SQSQueueURL, a.cfg.Emitter.SQSRegion)
		if err != nil {
			return nil, err
		}
		a.emitters = append(a.emitters, sqs)
	}
	return emitter.NewMultiEmitter(a.emitters...), nil
}

// engine assembles the reconciler
func (a *app) engine(ctx context.Context, dryRun bool, opts ...reconciler.Option) (*reconciler.Engine, error) {
	guard, err := a.guard(ctx)
	if err != nil {
		return nil, err
	}
	em, err := a.emitter(ctx)
	if err != nil {
		return nil, err
	}

	opts = append([]reconciler.Option{
		reconciler.WithLogger(a.logger),
		reconciler.WithLocation(a.cfg.Reconciler.Location),
		reconciler.WithCallTimeout(a.cfg.Reconciler.CallTimeout),
		reconciler.WithDryRun(dryRun || a.cfg.Reconciler.DryRun),
		reconciler.WithGuard(guard),
		reconciler.WithEmitter(em),
		reconciler.WithWAL(a.wal),
	}, opts...)
	return reconciler.NewEngine(a.store, a.registry, opts...), nil
}

// Close releases every component
func (a *app) Close() error {
	var errs []error
	for _, e := range a.emitters {
		errs = append(errs, e.Close())
	}
	if a.wal != nil {
		errs = append(errs, a.wal.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
