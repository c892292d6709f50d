package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/loanbook/courier/internal/browser"
	"go.uber.org/zap"
)

// AuthState is the phase of the authentication check.
type AuthState int

const (
	AuthUnauthenticated AuthState = iota
	AuthChecking
	AuthAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case AuthChecking:
		return "checking"
	case AuthAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// AuthResult is the outcome of one authentication check.
type AuthResult struct {
	Authenticated bool `json:"authenticated"`
	// AwaitingLogin is set when a login indicator such as the pairing code was visible.
	AwaitingLogin bool `json:"awaitingLogin"`
	// ContextLost is set when the check ended because the page went away.
	ContextLost bool   `json:"contextLost,omitempty"`
	Checks      int    `json:"checks"`
	URL         string `json:"url,omitempty"`
}

// FailureReporter receives context-loss failures.
type FailureReporter interface {
	ReportFailure(ctx context.Context) bool
}

// AuthConfig tunes the AuthDetector.
type AuthConfig struct {
	MaxChecks      int
	CheckInterval  time.Duration
	ReadySelectors []string
	LoginSelectors []string
}

// AuthDetector decides whether the page shows a logged-in messaging surface.
// Any one visible ready indicator means authenticated. It never returns an error.
type AuthDetector struct {
	onSurface func(string) bool
	ready     []browser.Selector
	login     []browser.Selector
	maxChecks int
	interval  time.Duration
	reporter  FailureReporter
	logger    *zap.Logger

	mu    sync.Mutex
	state AuthState
}

// NewAuthDetector builds a detector. onSurface decides whether a URL belongs to the surface.
func NewAuthDetector(onSurface func(string) bool, cfg AuthConfig, reporter FailureReporter, logger *zap.Logger) *AuthDetector {
	if cfg.MaxChecks < 1 {
		cfg.MaxChecks = 1
	}
	return &AuthDetector{
		onSurface: onSurface,
		ready:     parseAll(orDefault(cfg.ReadySelectors, DefaultReadySelectors)),
		login:     parseAll(orDefault(cfg.LoginSelectors, DefaultLoginSelectors)),
		maxChecks: cfg.MaxChecks,
		interval:  cfg.CheckInterval,
		reporter:  reporter,
		logger:    logger.Named("auth_detector"),
	}
}

// IsAuthenticated is Check reduced to its verdict.
func (d *AuthDetector) IsAuthenticated(ctx context.Context, page browser.Page) bool {
	return d.Check(ctx, page).Authenticated
}

// State returns the detector's current phase.
func (d *AuthDetector) State() AuthState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *AuthDetector) setState(s AuthState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Check polls the page up to MaxChecks times, CheckInterval apart, and stops at the
// first positive check. A lost context is escalated to the reporter and ends the check.
func (d *AuthDetector) Check(ctx context.Context, page browser.Page) AuthResult {
	d.setState(AuthChecking)
	var res AuthResult

	for i := 1; i <= d.maxChecks; i++ {
		res.Checks = i
		authed, awaiting, loc, err := d.checkOnce(ctx, page)
		res.URL = loc
		res.AwaitingLogin = awaiting

		if authed {
			d.setState(AuthAuthenticated)
			res.Authenticated = true
			res.AwaitingLogin = false
			return res
		}
		if err != nil {
			if browser.IsContextLost(err) {
				d.logger.Warn("Page context lost during authentication check.", zap.Error(err))
				if d.reporter != nil {
					d.reporter.ReportFailure(ctx)
				}
				res.ContextLost = true
				break
			}
			if ctx.Err() != nil {
				break
			}
			d.logger.Debug("Authentication check failed; will retry.", zap.Int("check", i), zap.Error(err))
		}
		if i < d.maxChecks && sleep(ctx, d.interval) != nil {
			break
		}
	}

	d.setState(AuthUnauthenticated)
	d.logger.Info("Session is not authenticated.",
		zap.Int("checks", res.Checks),
		zap.Bool("awaiting_login", res.AwaitingLogin),
		zap.String("url", res.URL),
	)
	return res
}

// checkOnce evaluates the URL and indicators once. Only context loss and
// cancellation are returned as errors; a failing indicator is skipped.
func (d *AuthDetector) checkOnce(ctx context.Context, page browser.Page) (authed, awaiting bool, loc string, err error) {
	loc, err = page.Location(ctx)
	if err != nil {
		return false, false, "", err
	}
	if !d.onSurface(loc) {
		return false, false, loc, nil
	}

	for _, sel := range d.ready {
		visible, err := page.Visible(ctx, sel)
		if err != nil {
			if browser.IsContextLost(err) || ctx.Err() != nil {
				return false, false, loc, err
			}
			continue
		}
		if visible {
			return true, false, loc, nil
		}
	}

	for _, sel := range d.login {
		visible, err := page.Visible(ctx, sel)
		if err != nil {
			if browser.IsContextLost(err) || ctx.Err() != nil {
				return false, false, loc, err
			}
			continue
		}
		if visible {
			return false, true, loc, nil
		}
	}
	return false, false, loc, nil
}
