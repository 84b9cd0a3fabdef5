package cli

import (
	"os"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
)

var rootCmd = cliutil.NewRootCmd("scheduler",
	"Cron scheduler: the elected leader enqueues due scheduled tasks",
	defaultSchedulerYAML,
)

// Execute is the entry point called from cmd/scheduler/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
