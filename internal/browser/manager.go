package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/loanbook/courier/internal/config"
	"go.uber.org/zap"
)

const teardownTimeout = 10 * time.Second

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Tenant            string
	SurfaceURL        string
	ControlEndpoint   string
	AttachAttempts    int
	AttachDelay       time.Duration
	NavigationTimeout time.Duration
	SettleInterval    time.Duration
	Launch            LaunchOptions
}

// NewManagerConfig builds a ManagerConfig from application configuration.
func NewManagerConfig(cfg config.Interface) ManagerConfig {
	sc := cfg.Session()
	return ManagerConfig{
		Tenant:            cfg.Messaging().Tenant,
		SurfaceURL:        cfg.Messaging().SurfaceURL,
		ControlEndpoint:   sc.ControlEndpoint,
		AttachAttempts:    sc.AttachAttempts,
		AttachDelay:       sc.AttachDelay,
		NavigationTimeout: sc.NavigationTimeout,
		SettleInterval:    sc.SettleInterval,
		Launch: LaunchOptions{
			Headless:  sc.Headless,
			ExecPath:  sc.ExecPath,
			DebugPort: DebugPortFromEndpoint(sc.ControlEndpoint),
			Width:     sc.ViewportWidth,
			Height:    sc.ViewportHeight,
			Args:      sc.Args,
		},
	}
}

// SessionInfo is a point-in-time view of the managed session.
type SessionInfo struct {
	Tenant        string `json:"tenant"`
	Ready         bool   `json:"ready"`
	Launched      bool   `json:"launched"`
	Authenticated bool   `json:"authenticated"`
	ProfileDir    string `json:"profileDir"`
}

// Manager owns the single browser session of one tenant.
type Manager struct {
	cfg         ManagerConfig
	driver      Driver
	profiles    *ProfileStore
	logger      *zap.Logger
	surfaceHost string

	mu            sync.Mutex
	browser       Browser
	page          Page
	authenticated bool
	onAcquired    []func()
}

// NewManager validates cfg and returns an idle Manager. No browser is touched until EnsureReady.
func NewManager(driver Driver, profiles *ProfileStore, cfg ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if driver == nil {
		return nil, errors.New("browser driver cannot be nil")
	}
	if profiles == nil {
		return nil, errors.New("profile store cannot be nil")
	}
	u, err := url.Parse(cfg.SurfaceURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid surface URL %q", cfg.SurfaceURL)
	}
	if _, err := profiles.Dir(cfg.Tenant); err != nil {
		return nil, err
	}
	if cfg.AttachAttempts < 0 {
		cfg.AttachAttempts = 0
	}

	return &Manager{
		cfg:         cfg,
		driver:      driver,
		profiles:    profiles,
		logger:      logger.Named("session_manager").With(zap.String("tenant", cfg.Tenant)),
		surfaceHost: strings.ToLower(u.Host),
	}, nil
}

// OnAcquired registers fn to run each time a new session is acquired.
func (m *Manager) OnAcquired(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAcquired = append(m.onAcquired, fn)
}

// SurfaceURL returns the configured messaging surface root.
func (m *Manager) SurfaceURL() string { return m.cfg.SurfaceURL }

// OnSurface reports whether rawURL belongs to the messaging surface.
func (m *Manager) OnSurface(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, m.surfaceHost)
}

// EnsureReady returns a page on the messaging surface, acquiring a browser if needed.
// alreadyAuthenticated is true only when the existing session was reused and
// ConfirmAuthenticated was called for it.
func (m *Manager) EnsureReady(ctx context.Context) (Page, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.page != nil {
		loc, err := m.page.Location(ctx)
		switch {
		case err == nil && m.OnSurface(loc):
			return m.page, m.authenticated, nil
		case ctx.Err() != nil:
			return nil, false, ctx.Err()
		case err == nil:
			// The browser answers but the tab wandered off; keep the browser.
			m.logger.Info("Session page left the surface; reselecting tab.", zap.String("location", loc))
			_ = m.page.Close()
			m.page = nil
			m.authenticated = false
			page, err := m.preparePage(ctx, m.browser)
			if err != nil {
				m.teardown(ctx, false)
				return nil, false, err
			}
			m.page = page
			m.acquired()
			return m.page, false, nil
		default:
			m.logger.Warn("Existing session is unusable; reacquiring.", zap.Error(err))
			m.teardown(ctx, false)
		}
	}

	if err := m.acquire(ctx, true); err != nil {
		return nil, false, err
	}
	return m.page, false, nil
}

// Restart tears the browser down unconditionally and launches a fresh one.
// Attaching is skipped because the running browser is what failed.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Warn("Restarting browser session.")
	m.teardown(ctx, true)
	return m.acquire(ctx, false)
}

// Close releases the session. A launched browser exits; an attached one keeps running.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return nil
	}
	m.teardown(ctx, false)
	m.logger.Info("Session closed.")
	return nil
}

// ConfirmAuthenticated records that the current session passed the authentication check.
func (m *Manager) ConfirmAuthenticated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.page != nil {
		m.authenticated = true
	}
}

// Ready reports whether a session is currently held. It does no I/O.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page != nil
}

// Current returns the held page, or nil.
func (m *Manager) Current() Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page
}

// Info returns a snapshot of the session.
func (m *Manager) Info() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, _ := m.profiles.Dir(m.cfg.Tenant)
	info := SessionInfo{
		Tenant:        m.cfg.Tenant,
		Ready:         m.page != nil,
		Authenticated: m.authenticated,
		ProfileDir:    dir,
	}
	if m.browser != nil {
		info.Launched = m.browser.Launched()
	}
	return info
}

// acquire obtains a browser and a surface page. Callers hold m.mu.
func (m *Manager) acquire(ctx context.Context, allowAttach bool) error {
	var b Browser
	if allowAttach {
		b = m.attach(ctx)
		if err := ctx.Err(); err != nil {
			if b != nil {
				_ = b.Close(Detach(ctx))
			}
			return err
		}
	}

	if b == nil {
		launched, err := m.launch(ctx)
		if err != nil {
			return err
		}
		b = launched
	}

	page, err := m.preparePage(ctx, b)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(Detach(ctx), teardownTimeout)
		_ = b.Close(closeCtx)
		cancel()
		return err
	}

	m.browser = b
	m.page = page
	m.acquired()
	m.logger.Info("Session acquired.", zap.Bool("launched", b.Launched()))
	return nil
}

// attach tries the control endpoint a bounded number of times. Exhaustion is not an error.
func (m *Manager) attach(ctx context.Context) Browser {
	if m.cfg.ControlEndpoint == "" {
		return nil
	}
	for attempt := 1; attempt <= m.cfg.AttachAttempts; attempt++ {
		b, err := m.driver.Attach(ctx, m.cfg.ControlEndpoint)
		if err == nil {
			return b
		}
		m.logger.Debug("Attach attempt failed.",
			zap.Int("attempt", attempt),
			zap.String("endpoint", m.cfg.ControlEndpoint),
			zap.Error(err),
		)
		if attempt < m.cfg.AttachAttempts {
			if sleep(ctx, m.cfg.AttachDelay) != nil {
				return nil
			}
		}
	}
	m.logger.Info("No running browser to attach to; launching.", zap.String("endpoint", m.cfg.ControlEndpoint))
	return nil
}

func (m *Manager) launch(ctx context.Context) (Browser, error) {
	dir, err := m.profiles.Ensure(m.cfg.Tenant)
	if err != nil {
		return nil, err
	}
	if err := m.profiles.ClearStaleLocks(m.cfg.Tenant); err != nil {
		m.logger.Warn("Could not clear stale profile locks.", zap.Error(err))
	}

	opts := m.cfg.Launch
	opts.ProfileDir = dir
	b, err := m.driver.Launch(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return b, nil
}

// preparePage reuses a tab already on the surface or opens one, then lets the surface settle.
func (m *Manager) preparePage(ctx context.Context, b Browser) (Page, error) {
	page, err := m.findSurfaceTab(ctx, b)
	if err != nil {
		return nil, err
	}

	if page == nil {
		page, err = b.NewPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open tab: %w", err)
		}
		navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
		err = page.Navigate(navCtx, m.cfg.SurfaceURL)
		cancel()
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("failed to navigate to %s: %w", m.cfg.SurfaceURL, err)
		}
	}

	if err := sleep(ctx, m.cfg.SettleInterval); err != nil {
		_ = page.Close()
		return nil, err
	}
	return page, nil
}

func (m *Manager) findSurfaceTab(ctx context.Context, b Browser) (Page, error) {
	targets, err := b.Targets(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Debug("Could not list tabs; opening a new one.", zap.Error(err))
		return nil, nil
	}
	for _, t := range targets {
		if !m.OnSurface(t.URL) {
			continue
		}
		page, err := b.Attach(ctx, t)
		if err != nil {
			m.logger.Debug("Could not attach to surface tab.", zap.String("target", t.ID), zap.Error(err))
			continue
		}
		m.logger.Info("Reusing open surface tab.", zap.String("target", t.ID))
		return page, nil
	}
	return nil, nil
}

// teardown drops the session. terminate forces the browser process to exit.
// Errors are logged and ignored. Callers hold m.mu.
func (m *Manager) teardown(ctx context.Context, terminate bool) {
	closeCtx, cancel := context.WithTimeout(Detach(ctx), teardownTimeout)
	defer cancel()

	if m.page != nil {
		_ = m.page.Close()
	}
	if m.browser != nil {
		var err error
		if terminate {
			err = m.browser.Terminate(closeCtx)
		} else {
			err = m.browser.Close(closeCtx)
		}
		if err != nil {
			m.logger.Debug("Ignoring browser teardown error.", zap.Error(err))
		}
	}
	m.page = nil
	m.browser = nil
	m.authenticated = false
}

func (m *Manager) acquired() {
	m.authenticated = false
	for _, fn := range m.onAcquired {
		fn()
	}
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
