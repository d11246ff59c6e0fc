package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arc-sentinel/internal/api"
	"arc-sentinel/internal/consumer"
	"arc-sentinel/internal/ingest"
	"arc-sentinel/internal/kafka"
	"arc-sentinel/internal/queue"
	"arc-sentinel/internal/startup"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the event pipeline",
		Long: `serve accepts events over HTTP (and optionally TCP and Kafka), queues them
by source, runs them through the pipeline and serves incidents, responses and
the notification stream.`,
		RunE: runServe,
	}
	cmd.Flags().Bool("preflight", true, "run startup diagnostics before serving")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage", cfg.Storage.Backend,
		"queue_size", cfg.Queue.Size,
		"partitions", cfg.Queue.Partitions,
		"auth_enabled", cfg.Auth.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"tcp_enabled", cfg.Ingest.TCP.Enabled,
	)

	if preflight, _ := cmd.Flags().GetBool("preflight"); preflight {
		d := startup.NewDiagnostics(cfg, resolvedConfigPath(), nil)
		d.RunAll(ctx)
		if d.HasErrors() {
			slog.Warn("continuing despite failed preflight checks; run 'arc-sentinel check' for details")
		}
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if ok, err := a.trainer.LoadPersisted(ctx); err != nil {
		slog.Warn("failed to load persisted model", "error", err)
	} else if ok {
		slog.Info("persisted model loaded")
	}

	q := queue.NewPartitioned(cfg.Queue)
	intake := ingest.NewIntake(a.validator, q, a.metrics)

	// Workers outlive the signal so Stop can drain what was already accepted.
	queueConsumer := consumer.New(q, a.processor, cfg.Consumer, a.metrics)
	queueConsumer.Start(context.WithoutCancel(ctx))

	go a.trainer.RunRetrainLoop(ctx)

	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled && cfg.Kafka.Consume {
		kafkaConsumer, err = startKafka(ctx, intake)
		if err != nil {
			queueConsumer.Stop()
			return err
		}
	}

	var tcpServer *ingest.TCPServer
	if cfg.Ingest.TCP.Enabled {
		tcpServer = ingest.NewTCPServer(cfg.Ingest.TCP, intake)
		if err := tcpServer.Start(ctx); err != nil {
			queueConsumer.Stop()
			return fmt.Errorf("failed to start TCP listener: %w", err)
		}
	}

	srv, err := api.New(api.Deps{
		Events:     a.events,
		Intake:     intake,
		Detector:   a.detector,
		Trainer:    a.trainer,
		Incidents:  a.incidents,
		Actions:    a.actions,
		Executor:   a.executor,
		State:      a.state,
		Summarizer: a.summarizer,
		Hub:        a.hub,
		Notifier:   a.dispatcher,
		Metrics:    a.metrics,
	}, cfg)
	if err != nil {
		queueConsumer.Stop()
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		runErr = fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if tcpServer != nil {
		tcpServer.Stop()
	}
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Close(); err != nil {
			slog.Warn("kafka consumer close error", "error", err)
		}
	}
	queueConsumer.Stop()

	cm := queueConsumer.Metrics()
	is := intake.Stats()
	slog.Info("shutdown complete",
		"accepted", is.Accepted,
		"rejected", is.Rejected,
		"dropped", is.Dropped,
		"processed", cm.Consumed,
		"errors", cm.Errors,
	)
	return runErr
}

// startKafka creates the topics when missing and feeds the events topic into
// the intake until ctx ends.
func startKafka(ctx context.Context, intake *ingest.Intake) (*kafka.Consumer, error) {
	admin, err := kafka.NewAdmin(cfg.Kafka.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka admin: %w", err)
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		slog.Warn("failed to ensure Kafka topics", "error", err)
	}

	c, err := kafka.NewConsumer(cfg.Kafka.Config, intake.HandleKafka)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	go func() {
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("kafka consumer stopped", "error", err)
		}
	}()
	return c, nil
}
