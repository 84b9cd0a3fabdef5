// Package cliutil holds the cobra and viper plumbing shared by every service
// binary.
package cliutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/version"
)

// ConfigDir is the directory under $HOME and /etc searched for config files.
const ConfigDir = "go-flow-orchestrator"

// InitConfig returns the cobra.OnInitialize hook for service. It reads
// *cfgFile when set, otherwise <service>.yaml from ., ~/.go-flow-orchestrator
// and /etc/go-flow-orchestrator. Environment variables override file values.
func InitConfig(service string, cfgFile *string) func() {
	return func() {
		if *cfgFile != "" {
			viper.SetConfigFile(*cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.SetConfigName(service)
			viper.SetConfigType("yaml")
			viper.AddConfigPath(".")
			viper.AddConfigPath(filepath.Join(home, "."+ConfigDir))
			viper.AddConfigPath(filepath.Join("/etc", ConfigDir))
		}

		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
		viper.AutomaticEnv()

		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				fmt.Fprintln(os.Stderr, "error reading config file:", err)
				os.Exit(1)
			}
		} else {
			fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
		}
	}
}

// NewRootCmd builds a service root command with the shared --config and
// --log-level flags and the init and version subcommands.
func NewRootCmd(service, short, defaultYAML string) *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:          service,
		Short:        short,
		SilenceUsage: true,
	}
	cobra.OnInitialize(InitConfig(service, &cfgFile))

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./"+service+".yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	BindFlag("log_level", root.PersistentFlags(), "log-level")

	root.AddCommand(NewInitCmd(service, defaultYAML, &cfgFile))
	root.AddCommand(NewVersionCmd(service))
	return root
}

// BuildLogger returns a JSON logger on stdout tagged with the service name.
func BuildLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

// BindFlag binds a pflag to a viper key. A missing flag is a programming
// error, so it panics.
func BindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

// BindFlags binds each named flag to the viper key spelled with underscores
// instead of dashes.
func BindFlags(fs *pflag.FlagSet, names ...string) {
	for _, name := range names {
		BindFlag(strings.ReplaceAll(name, "-", "_"), fs, name)
	}
}

// NewInitCmd returns an "init" subcommand that writes defaultYAML to the
// --config path, or to ~/.go-flow-orchestrator/<service>.yaml.
func NewInitCmd(serviceName, defaultYAML string, cfgFile *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/.%s/%s.yaml.
Fails if the file already exists unless --force is passed.`, serviceName, ConfigDir, serviceName),
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := *cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, "."+ConfigDir, serviceName+".yaml")
			}
			if err := WriteDefaultConfig(dest, defaultYAML, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}

// WriteDefaultConfig writes content to dest, creating parent directories.
// An existing file is only replaced when force is set.
func WriteDefaultConfig(dest, content string, force bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if !force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dest, err)
		}
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// NewVersionCmd prints build information.
func NewVersionCmd(service string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", service, version.Version)
			fmt.Fprintf(out, "  commit:     %s\n", version.GitCommit)
			fmt.Fprintf(out, "  built:      %s\n", version.BuildTime)
			fmt.Fprintf(out, "  go version: %s\n", version.GoVersion())
		},
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(quit)
		select {
		case sig := <-quit:
			logger.Info("shutdown signal received", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// SplitList splits a comma separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
