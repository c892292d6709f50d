// File: cmd/queue.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/observability"
	"github.com/loanbook/courier/internal/service"
	"github.com/loanbook/courier/internal/store"
)

// queueOpener is swapped in tests.
var queueOpener = openQueue

// queueStore is what the queue commands need from the store.
type queueStore interface {
	EnsureSchema(ctx context.Context) error
	Enqueue(ctx context.Context, item store.NewItem) (string, error)
	EnqueueBatch(ctx context.Context, items []store.NewItem) ([]string, error)
	ResetToPending(ctx context.Context, ids []string, statuses []store.Status) (int64, error)
	CountByStatus(ctx context.Context) (map[store.Status]int64, error)
}

var _ queueStore = (*store.QueueStore)(nil)

func openQueue(ctx context.Context, cfg config.Interface, logger *zap.Logger) (queueStore, func(), error) {
	if cfg.Database().URL == "" {
		return nil, nil, errors.New("database URL is not configured (hint: check COURIER_DATABASE_URL)")
	}
	pool, err := service.InitializeDBPool(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, nil, err
	}
	q, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return q, pool.Close, nil
}

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the outbound message queue",
	}
	queueCmd.AddCommand(newQueueMigrateCmd())
	queueCmd.AddCommand(newQueueEnqueueCmd())
	queueCmd.AddCommand(newQueueResetCmd())
	queueCmd.AddCommand(newQueueStatsCmd())
	return queueCmd
}

// withQueue runs fn against an open queue and closes it afterwards.
func withQueue(cmd *cobra.Command, fn func(ctx context.Context, q queueStore) error) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	q, closeFn, err := queueOpener(ctx, cfg, observability.GetLogger())
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, q)
}

func newQueueMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the outbound queue table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, q queueStore) error {
				if err := q.EnsureSchema(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Queue schema is up to date.")
				return nil
			})
		},
	}
}

func newQueueEnqueueCmd() *cobra.Command {
	var file string

	enqueueCmd := &cobra.Command{
		Use:   "enqueue [destination body]",
		Short: "Add pending messages, one from arguments or many from a JSON file",
		Long: `Adds a single message from its destination and body arguments, or a batch from
--file, a JSON array of {"destination": "...", "body": "..."} objects.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := enqueueItems(file, args)
			if err != nil {
				return err
			}
			return withQueue(cmd, func(ctx context.Context, q queueStore) error {
				if len(items) == 1 {
					id, err := q.Enqueue(ctx, items[0])
					if err != nil {
						return err
					}
					return writeJSON(cmd, map[string]any{"ids": []string{id}})
				}
				ids, err := q.EnqueueBatch(ctx, items)
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]any{"ids": ids})
			})
		},
	}

	enqueueCmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with the messages to enqueue")
	return enqueueCmd
}

func enqueueItems(file string, args []string) ([]store.NewItem, error) {
	if file == "" {
		item := store.NewItem{Destination: strings.TrimSpace(args[0]), Body: args[1]}
		if item.Destination == "" || item.Body == "" {
			return nil, errors.New("destination and body must not be empty")
		}
		return []store.NewItem{item}, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	var items []store.NewItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s contains no messages", file)
	}
	for i, it := range items {
		if strings.TrimSpace(it.Destination) == "" || it.Body == "" {
			return nil, fmt.Errorf("message %d: destination and body must not be empty", i)
		}
	}
	return items, nil
}

func newQueueResetCmd() *cobra.Command {
	var statuses []string

	resetCmd := &cobra.Command{
		Use:   "reset [ids...]",
		Short: "Move sent or failed messages back to pending",
		Long: `Moves resolved messages back to pending so the next drain sends them again.
Without ids, every message in the selected statuses is reset.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var want []store.Status
			for _, s := range statuses {
				switch st := store.Status(strings.TrimSpace(s)); st {
				case store.StatusSent, store.StatusFailed:
					want = append(want, st)
				default:
					return fmt.Errorf("cannot reset status %q (use sent or failed)", s)
				}
			}
			return withQueue(cmd, func(ctx context.Context, q queueStore) error {
				n, err := q.ResetToPending(ctx, args, want)
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]int64{"reset": n})
			})
		},
	}

	resetCmd.Flags().StringSliceVar(&statuses, "status", []string{"failed"}, "statuses to reset (sent, failed)")
	return resetCmd
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count messages by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, q queueStore) error {
				counts, err := q.CountByStatus(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd, counts)
			})
		},
	}
}
