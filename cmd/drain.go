// File: cmd/drain.go
package cmd

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loanbook/courier/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newDrainCmd() *cobra.Command {
	var batchSize int

	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Send every pending message once and print the tally",
		Long: `Runs one pass over the pending queue on the tenant's session and prints the
result as JSON. The pass stops early, leaving the remaining items pending, when the
session is not logged in or the command is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if batchSize > 0 {
				cfg.MessagingCfg.BatchSize = batchSize
			}

			components, err := componentFactory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			res, runErr := components.Engine.Drain(ctx)
			if err := writeJSON(cmd, res); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("drain aborted: %w", runErr)
			}
			logger.Info("Drain complete.",
				zap.Int("successful", res.Successful),
				zap.Int("failed", res.Failed),
				zap.Duration("took", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)),
			)
			return nil
		},
	}

	drainCmd.Flags().IntVar(&batchSize, "batch-size", 0, "maximum items in this pass (overrides config/env)")
	return drainCmd
}

// writeJSON prints v as indented JSON on the command's output.
func writeJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

// parseNonNegativeDuration accepts Go durations such as "90s" or "5m", and "0".
func parseNonNegativeDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative, got %s", s)
	}
	return d, nil
}
