// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/observability"
	"github.com/loanbook/courier/internal/service"
)

type contextKey string

const configKey contextKey = "config"

var (
	cfgFile string
	envFile string

	// componentFactory is swapped in tests.
	componentFactory = service.NewComponentFactory()
)

// NewRootCommand builds the courier command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "courier",
		Short:   "Courier delivers queued messages through a logged-in browser session.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "courier"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting courier",
				zap.String("version", Version),
				zap.String("tenant", cfg.Messaging().Tenant),
			)

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./courier.yaml or ~/.courier/courier.yaml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringP("tenant", "t", "", "tenant whose session and queue to use (overrides config/env)")
	cmd.PersistentFlags().String("log-level", "", "log level (overrides config/env)")
	cmd.SetVersionTemplate("courier version {{.Version}}\n")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDrainCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newQueueCmd())
	return cmd
}

// Execute runs the command tree on ctx, which should be signal-aware.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
	}
	observability.Sync()
	return err
}

// initializeConfig layers the dotenv file, the config file, COURIER_* variables and
// flags onto v, in increasing precedence.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error loading %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home + "/.courier")
		}
		v.SetConfigName("courier")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	flags := cmd.Flags()
	if f := flags.Lookup("tenant"); f != nil && f.Changed {
		if err := v.BindPFlag("messaging.tenant", f); err != nil {
			return err
		}
	}
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		if err := v.BindPFlag("logger.level", f); err != nil {
			return err
		}
	}
	return nil
}

// getConfigFromContext returns the configuration stored by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in command context")
	}
	return cfg, nil
}
