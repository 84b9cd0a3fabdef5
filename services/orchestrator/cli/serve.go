package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/version"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/workflow"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/orchestrator"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/orchestrator/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workflow orchestrator",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1, "fraction of traces sampled")
	f.String("instance-id", "", "identity in workflow owner leases; random when empty")
	f.Duration("resume-interval", 5*time.Second, "how often active workflows are scanned")
	f.Duration("lease-ttl", 30*time.Second, "workflow ownership lease")
	f.Duration("result-poll-interval", 500*time.Millisecond, "task result poll period")
	f.Duration("cancel-check-interval", time.Second, "cancellation flag poll period")
	f.Duration("step-retry-base-delay", time.Second, "base of the backoff between step retries")
	f.Duration("webhook-timeout", 30*time.Second, "webhook step request timeout")
	f.Int64("queue-max-size", 0, "per-queue capacity; 0 is unbounded")

	cliutil.BindFlags(f,
		"redis-addr", "postgres-dsn", "metrics-addr", "otel-endpoint", "otel-sample-ratio",
		"instance-id", "resume-interval", "lease-ttl", "result-poll-interval", "cancel-check-interval",
		"step-retry-base-delay", "webhook-timeout", "queue-max-size",
	)
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := cliutil.BuildLogger(cfg.LogLevel, "orchestrator")
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = "orchestrator-" + uuid.NewString()[:8]
	}

	ctx, stop := cliutil.SignalContext(logger)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "orchestrator", cfg.OTelEndpoint, cfg.OTelSampleRatio)
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

	orch := workflow.NewOrchestrator(
		redisstore.NewWorkflowStore(infra.Redis),
		redisstore.NewLease(infra.Redis),
		tasks,
		workflow.WithOwnerID(instanceID),
		workflow.WithLeaseTTL(cfg.LeaseTTL),
		workflow.WithResultPollInterval(cfg.ResultPollInterval),
		workflow.WithCancelCheckInterval(cfg.CancelCheckInterval),
		workflow.WithRetryBaseDelay(cfg.StepRetryBaseDelay),
		workflow.WithHTTPClient(&http.Client{
			Timeout:   cfg.WebhookTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
		workflow.WithLogger(logger),
	)

	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, infra.Ready)

	logger.Info("orchestrator starting",
		slog.String("version", version.String()),
		slog.String("instance_id", instanceID),
		slog.Duration("resume_interval", cfg.ResumeInterval),
	)
	orchestrator.NewService(orch, cfg.ResumeInterval, logger).Run(ctx)
	logger.Info("stopped")
	return nil
}
