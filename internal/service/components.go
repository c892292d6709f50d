// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/delivery"
	"github.com/loanbook/courier/internal/store"
)

const shutdownTimeout = 30 * time.Second

// Components holds everything a delivery run needs for one tenant.
type Components struct {
	Queue    *store.QueueStore
	Profiles *browser.ProfileStore
	Session  *browser.Manager
	Engine   *delivery.Engine
	DBPool   *pgxpool.Pool

	logger *zap.Logger
}

// Shutdown stops the engine, releases the browser session and closes the pool, in that order.
// It is safe on a partially built Components.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// A separate context so shutdown completes even after the caller's context is canceled.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	switch {
	case c.Engine != nil:
		if err := c.Engine.Shutdown(ctx); err != nil {
			logger.Warn("Error during engine shutdown.", zap.Error(err))
		} else {
			logger.Debug("Engine shut down.")
		}
	case c.Session != nil:
		if err := c.Session.Close(ctx); err != nil {
			logger.Warn("Error closing browser session.", zap.Error(err))
		}
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}
