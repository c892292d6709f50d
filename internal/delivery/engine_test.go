package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/mocks"
	"github.com/loanbook/courier/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type engineFixture struct {
	engine  *Engine
	session *fakeSession
	queue   *memQueue
}

func newEngineFixture(t *testing.T, page *mocks.FakePage, sender MessageSender) *engineFixture {
	t.Helper()
	session := newFakeSession(page)
	recovery := NewRecoverySupervisor(session, 3, nopLogger())
	session.onAcquired = recovery.Reset
	auth := NewAuthDetector(session.OnSurface, AuthConfig{MaxChecks: 2}, recovery, nopLogger())
	queue := newMemQueue(threeItems()...)

	p, err := NewProcessor(queue, session, auth, sender, recovery, ProcessorConfig{BatchSize: 50}, nopLogger())
	require.NoError(t, err)
	e, err := NewEngine("brand-a", session, auth, p, recovery, nopLogger())
	require.NoError(t, err)
	return &engineFixture{engine: e, session: session, queue: queue}
}

func TestEngine_Initialize(t *testing.T) {
	ctx := context.Background()

	t.Run("ConfirmsThenShortCircuits", func(t *testing.T) {
		f := newEngineFixture(t, surfacePage(), okSender())

		res, err := f.engine.Initialize(ctx)
		require.NoError(t, err)
		assert.True(t, res.Authenticated)
		assert.Equal(t, 1, res.Checks)

		res, err = f.engine.Initialize(ctx)
		require.NoError(t, err)
		assert.True(t, res.Authenticated)
		assert.Zero(t, res.Checks, "already confirmed")
	})

	t.Run("ReportsPendingLogin", func(t *testing.T) {
		f := newEngineFixture(t, mocks.NewFakePage(testSurface+"/", DefaultLoginSelectors[0]), okSender())

		res, err := f.engine.Initialize(ctx)
		require.NoError(t, err)
		assert.False(t, res.Authenticated)
		assert.True(t, res.AwaitingLogin)
		assert.False(t, f.engine.Status().Authenticated)
	})

	t.Run("CheckAuthenticationAlwaysChecks", func(t *testing.T) {
		page := surfacePage()
		f := newEngineFixture(t, page, okSender())
		_, err := f.engine.Initialize(ctx)
		require.NoError(t, err)

		page.Show(DefaultReadySelectors[0], false)
		res, err := f.engine.CheckAuthentication(ctx)
		require.NoError(t, err)
		assert.False(t, res.Authenticated)
		assert.Equal(t, 2, res.Checks)
	})
}

func TestEngine_RefusesSessionCallsDuringDrain(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := funcSender(func(ctx context.Context, d, b string) SendResult {
		once.Do(func() { close(entered) })
		<-release
		return SendResult{Success: true}
	})
	f := newEngineFixture(t, surfacePage(), blocking)

	require.NoError(t, f.engine.StartDrain())
	<-entered

	_, err := f.engine.Initialize(ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)
	_, err = f.engine.CheckAuthentication(ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)
	assert.ErrorIs(t, f.engine.CloseSession(ctx), ErrDrainInProgress)
	assert.ErrorIs(t, f.engine.StartDrain(), ErrAlreadyRunning)

	st := f.engine.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 3, st.Progress.Total)

	close(release)
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(shutdownCtx))

	st = f.engine.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, 1, f.session.closes)
}

func TestEngine_PassWaitsForSessionOperation(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	sends := 0
	counting := funcSender(func(ctx context.Context, d, b string) SendResult {
		mu.Lock()
		defer mu.Unlock()
		sends++
		return SendResult{Success: true}
	})
	f := newEngineFixture(t, surfacePage(), counting)
	f.session.beforeEnsure = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Initialize(ctx)
		done <- err
	}()
	<-entered

	assert.ErrorIs(t, f.engine.StartDrain(), ErrSessionBusy)
	_, err := f.engine.Drain(ctx)
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = f.engine.CheckAuthentication(ctx)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.ErrorIs(t, f.engine.CloseSession(ctx), ErrSessionBusy)
	assert.False(t, f.engine.Status().Running)

	close(release)
	require.NoError(t, <-done)
	mu.Lock()
	assert.Zero(t, sends, "nothing was sent while the page was reserved")
	mu.Unlock()

	res, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Successful)
}

func TestEngine_ShutdownCancelsAStuckPass(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	stuck := funcSender(func(ctx context.Context, d, b string) SendResult {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return SendResult{Reason: ctx.Err().Error(), Err: ctx.Err()}
	})
	f := newEngineFixture(t, surfacePage(), stuck)

	require.NoError(t, f.engine.StartDrain())
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	last := f.engine.Status().LastResult
	require.NotNil(t, last)
	assert.True(t, last.Stopped)
	assert.Zero(t, last.Processed, "the interrupted send is not counted")
	assert.Equal(t, store.StatusPending, f.queue.get("item-1").Status)
	assert.Equal(t, store.StatusPending, f.queue.get("item-2").Status)
}

func TestEngine_Status(t *testing.T) {
	f := newEngineFixture(t, surfacePage(), okSender())

	st := f.engine.Status()
	assert.Equal(t, "brand-a", st.Tenant)
	assert.False(t, st.SessionReady)
	assert.Equal(t, "stable", st.RecoveryState)
	assert.Nil(t, st.LastResult)

	res, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Successful)

	st = f.engine.Status()
	assert.True(t, st.SessionReady)
	assert.True(t, st.Authenticated)
	assert.Equal(t, Progress{Total: 3, Processed: 3, Successful: 3}, st.Progress)
	assert.False(t, f.engine.StopDrain())
	require.NoError(t, f.engine.CloseSession(context.Background()))
	assert.False(t, f.engine.Status().SessionReady)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.SessionCfg.ControlEndpoint = ""
	cfg.SessionCfg.SettleInterval = 0
	cfg.MessagingCfg.Tenant = "brand-a"

	profiles, err := browser.NewProfileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	page := mocks.NewFakePage("about:blank", DefaultReadySelectors[0])
	b := new(mocks.MockBrowser)
	b.On("Targets", mock.Anything).Return([]browser.Target{}, nil)
	b.On("NewPage", mock.Anything).Return(page, nil)
	b.On("Launched").Return(true)
	b.On("Close", mock.Anything).Return(nil)
	driver := new(mocks.MockDriver)
	driver.On("Launch", mock.Anything, mock.Anything).Return(b, nil)

	manager, err := browser.NewManager(driver, profiles, browser.NewManagerConfig(cfg), zap.NewNop())
	require.NoError(t, err)

	engine, err := NewFromConfig(cfg, newMemQueue(), manager, zap.NewNop())
	require.NoError(t, err)

	// A stale failure from before acquisition is cleared by the acquisition hook.
	engine.recovery.ReportFailure(context.Background())
	require.Equal(t, 1, engine.recovery.Count())

	res, err := engine.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Authenticated)
	assert.Zero(t, engine.recovery.Count())
	assert.Equal(t, testSurface, page.Navigations[0])

	st := engine.Status()
	assert.Equal(t, "brand-a", st.Tenant)
	assert.True(t, st.SessionReady)
	assert.True(t, st.Authenticated)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.Shutdown(ctx))
	driver.AssertExpectations(t)
}

func TestNewFromConfig_RejectsBadCountryCode(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.MessagingCfg.DefaultCountryCode = "abc"
	profiles, err := browser.NewProfileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	manager, err := browser.NewManager(new(mocks.MockDriver), profiles, browser.NewManagerConfig(cfg), zap.NewNop())
	require.NoError(t, err)

	_, err = NewFromConfig(cfg, newMemQueue(), manager, zap.NewNop())
	assert.Error(t, err)
}
