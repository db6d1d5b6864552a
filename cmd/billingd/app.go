package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/billing"
	"github.com/xraph/billing/config"
	"github.com/xraph/billing/export"
	"github.com/xraph/billing/lock"
	"github.com/xraph/billing/notify/rabbitmq"
	"github.com/xraph/billing/observability"
	"github.com/xraph/billing/processor/sandbox"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/store/memory"
	"github.com/xraph/billing/store/mongo"
	"github.com/xraph/billing/store/postgres"
	"github.com/xraph/billing/store/sqlite"
)

// app is a started engine plus everything it was wired with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *billing.Engine
	metrics *prometheus.Registry
	store   store.Store
	sink    export.Sink
	closers []func() error
}

// opener builds an app. Tests swap it for one backed by a seeded store.
type opener func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error)

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: prometheus.NewRegistry()}
	if err := a.wire(ctx); err != nil {
		_ = a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	a.store = s

	opts := []billing.Option{
		billing.WithLogger(a.logger),
		billing.WithConfig(cfg.Billing),
		billing.WithGuardConfig(cfg.Guard),
		billing.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(a.metrics))),
	}
	if cfg.Processor == config.ProcessorSandbox {
		opts = append(opts, billing.WithProcessor(sandbox.New()))
	}

	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		client := redis.NewClient(ropts)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping: %w", err)
		}
		opts = append(opts, billing.WithLocker(lock.NewRedis(client, cfg.Redis.KeyPrefix)))
	}

	if cfg.RabbitMQ.URL != "" {
		notifier, err := rabbitmq.Dial(cfg.RabbitMQ, rabbitmq.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, notifier.Close)
		opts = append(opts, billing.WithPlugin(notifier))
	}

	if cfg.Export.S3.Bucket != "" {
		sink, err := export.NewS3Sink(ctx, cfg.Export.S3)
		if err != nil {
			return err
		}
		a.sink = sink
	} else {
		a.sink = export.FileSink{Dir: cfg.Export.Dir}
	}

	a.engine = billing.New(s, opts...)
	return a.engine.Start(ctx)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN)
	case config.DriverSQLite:
		return sqlite.Open(cfg.DSN)
	case config.DriverMongo:
		return mongo.Open(ctx, cfg.DSN, cfg.Database)
	case config.DriverMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Close stops the engine, which closes the store and the plugins, then
// the remaining clients.
func (a *app) Close() error {
	return a.closeAll()
}

func (a *app) closeAll() error {
	var errs []error
	switch {
	case a.engine != nil:
		errs = append(errs, a.engine.Stop())
	case a.store != nil:
		errs = append(errs, a.store.Close())
	}
	a.engine, a.store = nil, nil
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
