// File: internal/service/initializers.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/delivery"
)

// InitializeDBPool opens and pings the PostgreSQL pool for the outbound queue.
func InitializeDBPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	// One tenant drains one item at a time; a small pool is plenty.
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	logger.Info("PostgreSQL connection pool initialized.", zap.String("host", poolConfig.ConnConfig.Host))
	return pool, nil
}

// DrainStarter is the part of the engine the scheduler drives.
type DrainStarter interface {
	StartDrain() error
}

// RunDrainScheduler starts a background drain every interval until ctx is done.
// A tick that finds a pass already running is skipped. It returns nil on cancellation.
func RunDrainScheduler(ctx context.Context, engine DrainStarter, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		return fmt.Errorf("drain interval must be positive, got %s", interval)
	}
	logger = logger.Named("scheduler")
	logger.Info("Starting periodic drain.", zap.Duration("interval", interval))
	defer logger.Info("Periodic drain stopped.")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := engine.StartDrain()
			switch {
			case err == nil:
				logger.Debug("Scheduled drain started.")
			case errors.Is(err, delivery.ErrAlreadyRunning):
				logger.Debug("Skipping scheduled drain; a pass is already running.")
			case errors.Is(err, delivery.ErrSessionBusy):
				logger.Debug("Skipping scheduled drain; a session operation is in progress.")
			default:
				logger.Warn("Scheduled drain could not start.", zap.Error(err))
			}
		}
	}
}
