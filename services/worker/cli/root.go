package cli

import (
	"os"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
)

var rootCmd = cliutil.NewRootCmd("worker",
	"Worker pool: leases tasks from the priority queues and executes them",
	defaultWorkerYAML,
)

// Execute is the entry point called from cmd/worker/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
