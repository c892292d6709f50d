// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/delivery"
	"github.com/loanbook/courier/internal/store"
)

// ComponentFactory builds the components the commands run against.
type ComponentFactory interface {
	// Create builds the full delivery stack: pool, queue, session and engine.
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
	// CreateSession builds only the session side, for commands that never touch the queue.
	CreateSession(cfg config.Interface, logger *zap.Logger) (*Components, error)
}

type poolOpener func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error)

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	openPool  poolOpener
	newDriver func(logger *zap.Logger) browser.Driver
}

// NewComponentFactory creates a production factory backed by PostgreSQL and chromedp.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{
		openPool: InitializeDBPool,
		newDriver: func(logger *zap.Logger) browser.Driver {
			return browser.NewCDPDriver(logger)
		},
	}
}

// CreateSession builds the profile store and session manager.
func (f *concreteFactory) CreateSession(cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}
	if err := f.buildSession(cfg, logger, components); err != nil {
		return nil, err
	}
	return components, nil
}

func (f *concreteFactory) buildSession(cfg config.Interface, logger *zap.Logger, components *Components) error {
	profiles, err := browser.NewProfileStore(cfg.Session().ProfileDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize profile store: %w", err)
	}
	components.Profiles = profiles

	manager, err := browser.NewManager(f.newDriver(logger), profiles, browser.NewManagerConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}
	components.Session = manager
	logger.Debug("Session manager initialized.", zap.String("tenant", cfg.Messaging().Tenant))
	return nil
}

// Create handles the full dependency injection of the delivery stack.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Database pool
	if cfg.Database().URL == "" {
		initializationErr = fmt.Errorf("database URL is not configured (hint: check COURIER_DATABASE_URL)")
		return nil, initializationErr
	}
	pool, err := f.openPool(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.DBPool = pool

	// 2. Queue store
	queue, err := store.New(ctx, pool, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize queue store: %w", err)
		return nil, initializationErr
	}
	components.Queue = queue
	logger.Debug("Queue store initialized.")

	// 3. Session
	if err := f.buildSession(cfg, logger, components); err != nil {
		initializationErr = err
		return nil, initializationErr
	}

	// 4. Engine
	engine, err := delivery.NewFromConfig(cfg, queue, components.Session, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize delivery engine: %w", err)
		return nil, initializationErr
	}
	components.Engine = engine

	logger.Info("Delivery components initialized.", zap.String("tenant", cfg.Messaging().Tenant))
	return components, nil
}
