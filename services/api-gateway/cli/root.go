package cli

import (
	"os"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
)

var rootCmd = cliutil.NewRootCmd("api-gateway",
	"API gateway: REST for tasks, queues, workflows and schedules; gRPC health",
	defaultGatewayYAML,
)

// Execute is the entry point called from cmd/api-gateway/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

const defaultGatewayYAML = `# go-flow-orchestrator api-gateway config
# Priority: CLI flag > environment > this file > default.

http_port:    "8080"
grpc_port:    "9090"
metrics_addr: ":9092"
redis_addr:   "localhost:6379"
postgres_dsn: ""                # set to enable the audit trail and /executions
log_level:    "info"

jwt_secret:       ""            # HS256 secret; empty disables authentication
queue_max_size:   0             # per-queue capacity; 0 is unbounded
max_body_bytes:   1048576
shutdown_timeout: "30s"

# otel_endpoint: "localhost:4318"
`
