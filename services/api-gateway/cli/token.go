package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/api-gateway/middleware"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a tenant",
	PreRun: func(cmd *cobra.Command, _ []string) {
		cliutil.BindFlag("jwt_secret", cmd.Flags(), "jwt-secret")
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		secret := viper.GetString("jwt_secret")
		if secret == "" {
			return errors.New("jwt_secret is required")
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if tenant == "" {
			return errors.New("--tenant is required")
		}
		token, err := middleware.SignToken([]byte(secret), tenant, subject, ttl, time.Now())
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.String("tenant", "", "tenant id claim")
	f.String("subject", "cli", "subject claim")
	f.Duration("ttl", 24*time.Hour, "token lifetime")
	f.String("jwt-secret", "", "HS256 signing secret")
}
