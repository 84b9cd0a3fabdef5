package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/schedule"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/version"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/workflow"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/api-gateway/config"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/api-gateway/handler"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/api-gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST and gRPC servers",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8080", "HTTP server port")
	f.String("grpc-port", "9090", "gRPC server port")
	f.String("metrics-addr", ":9092", "Prometheus metrics server address")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	f.String("jwt-secret", "", "HS256 secret for bearer tokens; empty disables authentication")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1, "fraction of traces sampled")
	f.Int64("queue-max-size", 0, "per-queue capacity; 0 is unbounded")
	f.Int64("max-body-bytes", 1<<20, "request body limit")
	f.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown limit")

	cliutil.BindFlags(f,
		"http-port", "grpc-port", "metrics-addr", "redis-addr", "postgres-dsn", "jwt-secret",
		"otel-endpoint", "otel-sample-ratio", "queue-max-size", "max-body-bytes", "shutdown-timeout",
	)
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := cliutil.BuildLogger(cfg.LogLevel, "api-gateway")
	if cfg.JWTSecret == "" {
		logger.Warn("jwt_secret not set, authentication disabled")
	}

	ctx, stop := cliutil.SignalContext(logger)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "api-gateway", cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	infra, err := cliutil.OpenInfra(ctx, cfg.RedisAddr, cfg.PostgresDSN, nil, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	queue := redisstore.NewQueue(infra.Redis, redisstore.WithMaxQueueSize(cfg.QueueMaxSize))
	clientOpts := []client.Option{
		client.WithLogger(logger),
		client.WithIdempotency(redisstore.NewIdempotencyStore(infra.Redis)),
	}
	var history handler.History
	if infra.Audit != nil {
		clientOpts = append(clientOpts, client.WithAudit(infra.Audit))
		history = infra.Audit
	}
	tasks := client.New(queue, redisstore.NewStateStore(infra.Redis), clientOpts...)

	// The gateway only submits, inspects and cancels workflows; orchestrator
	// instances drive them.
	workflows := workflow.NewOrchestrator(
		redisstore.NewWorkflowStore(infra.Redis),
		redisstore.NewLease(infra.Redis),
		tasks,
		workflow.WithOwnerID("api-gateway-"+uuid.NewString()[:8]),
		workflow.WithLogger(logger),
	)
	schedules := schedule.NewService(redisstore.NewScheduleStore(infra.Redis), logger)

	rest := handler.NewREST(tasks, queue, workflows, schedules, history, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	r.Get("/healthz", handler.Healthz)
	r.Get("/readyz", handler.Readyz(infra.Ready))
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth([]byte(cfg.JWTSecret), logger))
		r.Use(middleware.RequestLogger(logger))
		rest.Routes(r)
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(r, "api-gateway"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── gRPC server ───────────────────────────────────────────────────────────
	hs := health.NewServer()
	grpcSrv := handler.NewGRPCServer(hs)
	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, infra.Ready)

	logger.Info("api-gateway starting",
		slog.String("version", version.String()),
		slog.String("http_addr", httpSrv.Addr),
		slog.String("grpc_addr", grpcLis.Addr().String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		handler.NewHealthReporter(hs, infra.Ready, 5*time.Second, logger).Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
