package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"arc-sentinel/internal/anomaly"
	"arc-sentinel/internal/config"
	"arc-sentinel/internal/detection"
	"arc-sentinel/internal/features"
	"arc-sentinel/internal/forensics"
	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/kafka"
	"arc-sentinel/internal/metrics"
	"arc-sentinel/internal/notify"
	"arc-sentinel/internal/pipeline"
	"arc-sentinel/internal/response"
	"arc-sentinel/internal/schema"
	"arc-sentinel/internal/storage"
	"arc-sentinel/internal/storage/s3"
	"arc-sentinel/internal/summarize"
)

// app is the set of components every subcommand shares. Backends are chosen
// from the configuration; everything falls back to process memory.
type app struct {
	cfg        *config.Config
	metrics    *metrics.Metrics
	validator  *schema.Validator
	events     storage.EventStore
	clickhouse *storage.ClickHouseStore
	models     anomaly.ModelStore
	extractor  *features.Extractor
	detector   *anomaly.Detector
	incidents  *incident.Manager
	state      response.StateStore
	actions    *response.ActionLog
	executor   *response.Executor
	hub        *notify.Hub
	dispatcher *notify.Dispatcher
	processor  *pipeline.Processor
	trainer    *pipeline.Trainer
	summarizer *summarize.Summarizer

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{
		cfg:     cfg,
		metrics: metrics.New(),
		validator: schema.NewValidatorWithConfig(schema.ValidatorConfig{
			MaxAge:    cfg.Ingest.MaxEventAge,
			MaxFuture: cfg.Ingest.MaxFuture,
		}),
		actions:    response.NewActionLog(cfg.Response.ActionLogSize),
		summarizer: summarize.New(cfg.Summarizer),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := a.openEventStore(ctx); err != nil {
		return a, err
	}
	incStore, err := a.openIncidentStore(ctx)
	if err != nil {
		return a, err
	}
	if err := a.openStateStore(ctx); err != nil {
		return a, err
	}
	if err := a.openModelStore(ctx); err != nil {
		return a, err
	}
	if err := a.openDispatcher(); err != nil {
		return a, err
	}

	a.extractor = features.NewExtractor(a.events, cfg.Features)
	a.detector = anomaly.NewDetector(cfg.Model.TrainConfig)
	a.incidents = incident.NewManager(cfg.Incidents, incStore)
	a.executor = response.NewExecutor(response.HostProbe{}, a.state, notify.NewEscalator(a.dispatcher), a.actions)

	var collector *forensics.Collector
	if cfg.Forensics.Enabled {
		collector = forensics.NewCollector(cfg.Forensics.Config, forensics.SystemSource{}, a.events)
	}

	a.processor, err = pipeline.NewProcessor(cfg.Routing, pipeline.Components{
		Validator: a.validator,
		Store:     a.events,
		Extractor: a.extractor,
		Detector:  a.detector,
		Engine:    detection.NewEngine(a.events, detection.BuiltinRules(cfg.Detection)...),
		Incidents: a.incidents,
		Forensics: collector,
		Planner:   response.NewPlanner(cfg.Response.PlannerConfig),
		Executor:  a.executor,
		Notifier:  a.dispatcher,
		Metrics:   a.metrics,
	})
	if err != nil {
		return a, fmt.Errorf("failed to build pipeline: %w", err)
	}
	a.trainer = pipeline.NewTrainer(cfg.Model.Training, a.events, a.extractor, a.detector, a.models, a.dispatcher, a.metrics)
	return a, nil
}

func (a *app) openEventStore(ctx context.Context) error {
	if a.cfg.Storage.Backend != config.BackendClickHouse {
		a.events = storage.NewMemoryStore()
		a.onClose(a.events.Close)
		return nil
	}

	slog.Info("connecting to ClickHouse",
		"hosts", a.cfg.ClickHouse.Hosts,
		"database", a.cfg.ClickHouse.Database,
	)
	client, err := storage.NewClickHouseClient(ctx, a.cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	a.clickhouse = storage.NewClickHouseStore(client, a.cfg.Storage.QueryTimeout)
	a.events = a.clickhouse
	a.onClose(a.clickhouse.Close)

	if err := client.EnsureDatabase(ctx); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	slog.Info("running database migrations")
	if err := storage.NewMigrator(client).Run(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (a *app) openIncidentStore(ctx context.Context) (incident.Store, error) {
	if !a.cfg.Postgres.Enabled {
		s := incident.NewMemoryStore()
		a.onClose(s.Close)
		return s, nil
	}
	s, err := incident.NewPostgresStore(ctx, a.cfg.Postgres.PostgresConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.onClose(s.Close)
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate incident store: %w", err)
	}
	slog.Info("incident store ready", "backend", "postgres")
	return s, nil
}

func (a *app) openStateStore(ctx context.Context) error {
	if !a.cfg.Redis.Enabled {
		a.state = response.NewMemoryStateStore()
		a.onClose(a.state.Close)
		return nil
	}
	client, err := response.NewGoRedisClient(ctx, a.cfg.Redis.RedisConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.state = response.NewRedisStateStore(client)
	a.onClose(a.state.Close)
	slog.Info("response state store ready", "backend", "redis", "addr", a.cfg.Redis.Addr)
	return nil
}

func (a *app) openModelStore(ctx context.Context) error {
	switch {
	case a.cfg.S3.Enabled:
		client, err := s3.NewClient(ctx, &a.cfg.S3.Config)
		if err != nil {
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		a.models = s3.NewModelStore(client)
		slog.Info("model store ready", "backend", "s3", "bucket", a.cfg.S3.Bucket)
	case a.cfg.Model.Path != "":
		a.models = anomaly.NewFileStore(a.cfg.Model.Path)
		slog.Info("model store ready", "backend", "file", "path", a.cfg.Model.Path)
	default:
		a.models = anomaly.NewMemoryStore()
	}
	return nil
}

// openDispatcher assembles the notification sinks. The hub is always present
// so the API can stream.
func (a *app) openDispatcher() error {
	nc := a.cfg.Notify
	a.hub = notify.NewHub(nc.StreamBuffer)
	sinks := []notify.Sink{a.hub}
	if nc.Log {
		sinks = append(sinks, notify.LogSink{})
	}
	for _, w := range nc.Webhooks {
		sinks = append(sinks, notify.NewWebhookSink(w.Name, w.URL, w.Headers))
	}
	if nc.Slack.WebhookURL != "" {
		sinks = append(sinks, notify.NewSlackSink(nc.Slack.WebhookURL, nc.Slack.Channel, nc.Slack.Username))
	}
	if a.cfg.Kafka.Enabled && a.cfg.Kafka.Publish {
		p, err := kafka.NewProducer(a.cfg.Kafka.Config, a.cfg.Kafka.NotificationsTopic)
		if err != nil {
			return fmt.Errorf("failed to create Kafka producer: %w", err)
		}
		a.onClose(p.Close)
		sinks = append(sinks, notify.NewKafkaSink(p))
	}
	if a.cfg.NATS.Enabled {
		s, err := notify.NewNATSSink(a.cfg.NATS.NATSConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.onClose(func() error { s.Close(); return nil })
		sinks = append(sinks, s)
	}

	a.dispatcher = notify.NewDispatcher(nc.Delivery, sinks...)
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	slog.Info("notification sinks configured", "sinks", names)
	return nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close stops delivery first so no sink is used after it is closed, then
// releases backends in reverse order of opening.
func (a *app) close() error {
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		slog.Warn("errors while closing", "error", err)
		return err
	}
	return nil
}
