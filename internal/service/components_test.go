package service

import (
	"context"
	"testing"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestComponents_Shutdown(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		assert.NotPanics(t, func() { (&Components{}).Shutdown() })
	})

	t.Run("SessionOnlyClosesTheBrowser", func(t *testing.T) {
		cfg := testConfig(t)
		driver, b := launchingDriver(mocks.NewFakePage("about:blank"))
		f := &concreteFactory{newDriver: func(*zap.Logger) browser.Driver { return driver }}

		c, err := f.CreateSession(cfg, nop())
		require.NoError(t, err)
		_, _, err = c.Session.EnsureReady(context.Background())
		require.NoError(t, err)

		c.Shutdown()
		b.AssertCalled(t, "Close", mock.Anything)
		assert.False(t, c.Session.Ready())
	})
}
