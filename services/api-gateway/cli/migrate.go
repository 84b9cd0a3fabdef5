package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status|version]",
	Short:     "Run database migrations",
	ValidArgs: []string{"up", "down", "status", "version"},
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	Long: `Apply or inspect the audit schema migrations with goose.

Reads the DSN from --postgres-dsn, POSTGRES_DSN or the config file.
Without an argument it runs "up".`,
	// serve binds the same key; bind here only when migrate runs.
	PreRun: func(cmd *cobra.Command, _ []string) {
		cliutil.BindFlag("postgres_dsn", cmd.Flags(), "postgres-dsn")
	},
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN")
}

func runMigrate(_ *cobra.Command, args []string) error {
	dsn := viper.GetString("postgres_dsn")
	if dsn == "" {
		return errors.New("postgres_dsn is required")
	}
	command := "up"
	if len(args) == 1 {
		command = args[0]
	}
	logger := cliutil.BuildLogger(viper.GetString("log_level"), "api-gateway")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return postgres.Migrate(ctx, dsn, command, logger)
}
