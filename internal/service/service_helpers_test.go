package service

import (
	"os"
	"sync"
	"testing"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/mocks"
	"github.com/loanbook/courier/internal/observability"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	cfg := config.NewDefaultConfig()
	observability.InitializeLogger(cfg.Logger())

	exitCode := m.Run()

	observability.Sync()
	os.Exit(exitCode)
}

// testConfig returns defaults pointed at a temporary profile root, with attaching disabled.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.SessionCfg.ProfileDir = t.TempDir()
	cfg.SessionCfg.ControlEndpoint = ""
	cfg.SessionCfg.SettleInterval = 0
	cfg.MessagingCfg.Tenant = "brand-a"
	return cfg
}

// launchingDriver returns a driver whose Launch hands out a browser with one fresh tab.
func launchingDriver(page browser.Page) (*mocks.MockDriver, *mocks.MockBrowser) {
	b := new(mocks.MockBrowser)
	b.On("Targets", mock.Anything).Return([]browser.Target{}, nil)
	b.On("NewPage", mock.Anything).Return(page, nil)
	b.On("Launched").Return(true)
	b.On("Close", mock.Anything).Return(nil)

	d := new(mocks.MockDriver)
	d.On("Launch", mock.Anything, mock.Anything).Return(b, nil)
	return d, b
}

// fakeStarter counts StartDrain calls and returns the queued errors in order.
type fakeStarter struct {
	mu    sync.Mutex
	calls int
	errs  []error
	fired chan struct{}
}

func (s *fakeStarter) StartDrain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	select {
	case s.fired <- struct{}{}:
	default:
	}
	return err
}

func (s *fakeStarter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func nop() *zap.Logger { return zap.NewNop() }
