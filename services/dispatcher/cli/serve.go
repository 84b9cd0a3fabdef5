package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/kafka"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/version"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/dispatcher"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/dispatcher/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("consumer-group", "dispatcher-group", "Kafka consumer group")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	f.Int("rate-limit", 100, "max submissions per function per rate window (0 = disabled)")
	f.Duration("rate-window", time.Second, "rate limiter window")
	f.Int64("queue-max-size", 0, "per-queue capacity; 0 is unbounded")
	f.String("metrics-addr", ":9094", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1, "fraction of traces sampled")

	cliutil.BindFlags(f,
		"kafka-brokers", "consumer-group", "redis-addr", "postgres-dsn", "rate-limit", "rate-window",
		"queue-max-size", "metrics-addr", "otel-endpoint", "otel-sample-ratio",
	)
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := cliutil.BuildLogger(cfg.LogLevel, "dispatcher")
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("kafka_brokers is required")
	}

	ctx, stop := cliutil.SignalContext(logger)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "dispatcher", cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	infra, err := cliutil.OpenInfra(ctx, cfg.RedisAddr, cfg.PostgresDSN, cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, kafka.TopicPending, cfg.ConsumerGroup, logger)
	defer func() { _ = consumer.Close() }()

	clientOpts := []client.Option{
		client.WithLogger(logger),
		client.WithIdempotency(redisstore.NewIdempotencyStore(infra.Redis)),
	}
	if infra.Audit != nil {
		clientOpts = append(clientOpts, client.WithAudit(infra.Audit))
	}
	tasks := client.New(
		redisstore.NewQueue(infra.Redis, redisstore.WithMaxQueueSize(cfg.QueueMaxSize)),
		redisstore.NewStateStore(infra.Redis),
		clientOpts...,
	)

	var limiter redisstore.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = redisstore.NewRateLimiter(infra.Redis, cfg.RateLimit, cfg.RateWindow)
		logger.Info("rate limiter enabled",
			slog.Int("limit", cfg.RateLimit),
			slog.Duration("window", cfg.RateWindow),
		)
	}

	d := dispatcher.NewDispatcher(consumer, infra.Producer, tasks, limiter, logger)

	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, infra.Ready)

	logger.Info("dispatcher starting",
		slog.String("version", version.String()),
		slog.String("topic", kafka.TopicPending),
	)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	logger.Info("stopped")
	return nil
}
