package service

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreate_ValidationErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("MissingDBURL", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DatabaseCfg.URL = ""

		_, err := NewComponentFactory().Create(ctx, cfg, nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database URL is not configured")
	})

	t.Run("PoolFailureIsReturned", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DatabaseCfg.URL = "postgres://courier@localhost:5432/courier"
		f := &concreteFactory{
			openPool: func(context.Context, config.DatabaseConfig, *zap.Logger) (*pgxpool.Pool, error) {
				return nil, errors.New("failed to ping PostgreSQL: connection refused")
			},
			newDriver: func(*zap.Logger) browser.Driver { return new(mocks.MockDriver) },
		}

		c, err := f.Create(ctx, cfg, nop())
		require.Error(t, err)
		assert.Nil(t, c)
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestCreateSession(t *testing.T) {
	t.Run("BuildsSessionWithoutDatabase", func(t *testing.T) {
		cfg := testConfig(t)
		driver := new(mocks.MockDriver)
		f := &concreteFactory{newDriver: func(*zap.Logger) browser.Driver { return driver }}

		c, err := f.CreateSession(cfg, nop())
		require.NoError(t, err)
		assert.NotNil(t, c.Profiles)
		assert.NotNil(t, c.Session)
		assert.Nil(t, c.Engine)
		assert.Nil(t, c.DBPool)
		assert.Equal(t, "brand-a", c.Session.Info().Tenant)
		driver.AssertNotCalled(t, "Launch")
	})

	t.Run("RejectsUnsafeTenant", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MessagingCfg.Tenant = "../escape"

		_, err := NewComponentFactory().CreateSession(cfg, nop())
		assert.Error(t, err)
	})
}
