package cli

import (
	"os"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
)

var rootCmd = cliutil.NewRootCmd("dispatcher",
	"Dispatcher: moves Kafka task submissions onto the priority queues",
	defaultDispatcherYAML,
)

// Execute is the entry point called from cmd/dispatcher/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

const defaultDispatcherYAML = `# go-flow-orchestrator dispatcher config
# Priority: CLI flag > environment > this file > default.

kafka_brokers:  "localhost:9092"
consumer_group: "dispatcher-group"
redis_addr:     "localhost:6379"
postgres_dsn:   ""          # set to audit submitted tasks
log_level:      "info"
metrics_addr:   ":9094"

rate_limit:        100      # submissions per function per rate_window; 0 disables
rate_window:       "1s"
queue_max_size:    0        # per-queue capacity; 0 is unbounded

# otel_endpoint: "localhost:4318"
`
