package cli

import (
	"os"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
)

var rootCmd = cliutil.NewRootCmd("orchestrator",
	"Workflow orchestrator: drives submitted DAG workflows to completion",
	defaultOrchestratorYAML,
)

// Execute is the entry point called from cmd/orchestrator/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

const defaultOrchestratorYAML = `# go-flow-orchestrator orchestrator config
# Priority: CLI flag > environment > this file > default.

redis_addr:   "localhost:6379"
postgres_dsn: ""            # set to audit step tasks
log_level:    "info"
metrics_addr: ":9095"

resume_interval:       "5s"     # how often the active set is scanned
lease_ttl:             "30s"    # workflow ownership lease
result_poll_interval:  "500ms"
cancel_check_interval: "1s"
step_retry_base_delay: "1s"
webhook_timeout:       "30s"
queue_max_size:        0

# instance_id: "orchestrator-a"
# otel_endpoint: "localhost:4318"
`
