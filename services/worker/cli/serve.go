package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/engine"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/handlers"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/saga"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/version"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/worker"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/worker/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker pool",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	f.String("kafka-brokers", "", "comma-separated Kafka brokers for lifecycle events; empty disables them")
	f.String("metrics-addr", ":9091", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1, "fraction of traces sampled")
	f.String("queues", "default", "comma-separated queues, polled in order")
	f.Int("concurrency", 1, "tasks run simultaneously per worker")
	f.String("specialization", "", "comma-separated function names this pool runs; empty runs all")
	f.Int("rate-limit-per-minute", 0, "tasks started per worker per minute; 0 disables")
	f.Int64("max-tasks", 0, "restart a worker after this many tasks; 0 disables")
	f.Float64("max-memory-mb", 0, "restart a worker once its heap passes this size; 0 disables")
	f.Duration("heartbeat-interval", 10*time.Second, "heartbeat period")
	f.Duration("poll-interval", 500*time.Millisecond, "pause after an empty poll")
	f.Duration("shutdown-timeout", 30*time.Second, "grace period for running tasks on shutdown")
	f.Duration("lease-ttl", 5*time.Minute, "task lease duration")
	f.Bool("priority-demotion", false, "demote a task one priority tier on each retry")
	f.Duration("result-ttl", 24*time.Hour, "how long task results are kept")
	f.Duration("webhook-timeout", 10*time.Second, "completion webhook timeout")
	f.Int("min-workers-per-queue", 1, "workers kept per queue")
	f.Int("max-workers-per-queue", 4, "upper bound of workers per queue")
	f.Int64("scale-up-depth", 100, "queue depth that triggers another worker")
	f.Duration("check-interval", 30*time.Second, "manager health and scaling period")
	f.String("smtp-host", "localhost", "SMTP server host")
	f.Int("smtp-port", 1025, "SMTP server port")
	f.String("smtp-from", "noreply@flow.local", "SMTP sender address")
	f.String("smtp-username", "", "SMTP auth username")
	f.String("smtp-password", "", "SMTP auth password")

	cliutil.BindFlags(f,
		"redis-addr", "postgres-dsn", "kafka-brokers", "metrics-addr", "otel-endpoint", "otel-sample-ratio",
		"queues", "concurrency", "specialization", "rate-limit-per-minute", "max-tasks", "max-memory-mb",
		"heartbeat-interval", "poll-interval", "shutdown-timeout", "lease-ttl", "priority-demotion",
		"result-ttl", "webhook-timeout", "min-workers-per-queue", "max-workers-per-queue",
		"scale-up-depth", "check-interval", "smtp-host", "smtp-port", "smtp-from", "smtp-username", "smtp-password",
	)
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := cliutil.BuildLogger(cfg.LogLevel, "worker")

	ctx, stop := cliutil.SignalContext(logger)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "worker", cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	infra, err := cliutil.OpenInfra(ctx, cfg.RedisAddr, cfg.PostgresDSN, cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	queue := redisstore.NewQueue(infra.Redis, redisstore.WithLeaseTTL(cfg.LeaseTTL))
	store := redisstore.NewStateStore(infra.Redis)
	heartbeats := redisstore.NewHeartbeatStore(infra.Redis)

	sagaOpts := []saga.Option{
		saga.WithLogger(logger),
		saga.WithStore(redisstore.NewSagaStore(infra.Redis)),
	}
	if infra.Audit != nil {
		sagaOpts = append(sagaOpts, saga.WithArchive(infra.Audit))
	}
	httpClient := &http.Client{Timeout: time.Minute}

	registry := handlers.NewRegistry(
		handlers.NewEmailHandler(handlers.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}),
		handlers.NewHTTPRequestHandler(httpClient),
		saga.NewHTTPHandler(httpClient, sagaOpts...),
	)

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithIdempotency(redisstore.NewIdempotencyStore(infra.Redis)),
		engine.WithNotifier(engine.NewHTTPNotifier(cfg.WebhookTimeout)),
		engine.WithResultTTL(cfg.ResultTTL),
	}
	workerOpts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithSpecialization(cfg.Specialization...),
		worker.WithMaxTasks(cfg.MaxTasks),
		worker.WithMaxMemoryMB(cfg.MaxMemoryMB),
		worker.WithHeartbeat(heartbeats, cfg.HeartbeatInterval),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithPriorityDemotion(cfg.PriorityDemotion),
	}
	if infra.Audit != nil {
		engineOpts = append(engineOpts, engine.WithAudit(infra.Audit))
		workerOpts = append(workerOpts, worker.WithAudit(infra.Audit))
	}
	if infra.Producer != nil {
		engineOpts = append(engineOpts, engine.WithEventProducer(infra.Producer))
		workerOpts = append(workerOpts, worker.WithEventProducer(infra.Producer))
	}
	if cfg.RateLimitPerMinute > 0 {
		workerOpts = append(workerOpts, worker.WithRateLimiter(
			redisstore.NewRateLimiter(infra.Redis, cfg.RateLimitPerMinute, time.Minute)))
	}
	exec := engine.New(registry, store, engineOpts...)

	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	// Each worker starts with its own queue and falls back to the others in
	// configured order.
	factory := func(id string, primary []string) *worker.Worker {
		order := slices.Clone(primary)
		for _, q := range queues {
			if !slices.Contains(order, q) {
				order = append(order, q)
			}
		}
		return worker.NewWorker(id, queue, store, exec, append(slices.Clone(workerOpts), worker.WithQueues(order...))...)
	}

	manager := worker.NewManager(worker.ManagerConfig{
		Queues:             queues,
		MinWorkersPerQueue: cfg.MinWorkersPerQueue,
		MaxWorkersPerQueue: cfg.MaxWorkersPerQueue,
		ScaleUpDepth:       cfg.ScaleUpDepth,
		CheckInterval:      cfg.CheckInterval,
		StopTimeout:        cfg.ShutdownTimeout,
	}, queue, factory,
		worker.WithRegistry(heartbeats),
		worker.WithManagerLogger(logger),
	)

	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, infra.Ready)

	logger.Info("worker service starting",
		slog.String("version", version.String()),
		slog.Any("queues", queues),
		slog.Any("functions", registry.Names()),
	)
	if err := manager.Run(ctx); err != nil {
		return fmt.Errorf("worker manager: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}
