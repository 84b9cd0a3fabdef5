package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/version"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/scheduler"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/scheduler/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	f.String("metrics-addr", ":9093", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1, "fraction of traces sampled")
	f.String("instance-id", "", "identity in the leader lease; random when empty")
	f.Duration("check-interval", 15*time.Second, "how often due schedules are evaluated")
	f.Duration("leader-ttl", 30*time.Second, "leader lease duration")
	f.Int64("queue-max-size", 0, "per-queue capacity; 0 is unbounded")

	cliutil.BindFlags(f,
		"redis-addr", "postgres-dsn", "metrics-addr", "otel-endpoint", "otel-sample-ratio",
		"instance-id", "check-interval", "leader-ttl", "queue-max-size",
	)
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := cliutil.BuildLogger(cfg.LogLevel, "scheduler")
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = "scheduler-" + uuid.NewString()[:8]
	}
	if cfg.LeaderTTL < 2*cfg.CheckInterval {
		logger.Warn("leader_ttl shorter than two check intervals, leadership may flap",
			slog.Duration("leader_ttl", cfg.LeaderTTL),
			slog.Duration("check_interval", cfg.CheckInterval),
		)
	}

	ctx, stop := cliutil.SignalContext(logger)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "scheduler", cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	infra, err := cliutil.OpenInfra(ctx, cfg.RedisAddr, cfg.PostgresDSN, nil, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

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

	sched := scheduler.NewScheduler(
		redisstore.NewScheduleStore(infra.Redis),
		redisstore.NewLease(infra.Redis),
		tasks,
		instanceID,
		scheduler.WithCheckInterval(cfg.CheckInterval),
		scheduler.WithLeaderTTL(cfg.LeaderTTL),
		scheduler.WithLogger(logger),
	)

	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, infra.Ready)

	logger.Info("scheduler starting",
		slog.String("version", version.String()),
		slog.String("instance_id", instanceID),
		slog.Duration("check_interval", cfg.CheckInterval),
	)
	sched.Run(ctx)
	logger.Info("stopped")
	return nil
}
