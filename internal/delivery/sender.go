package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/browser/locator"
	"github.com/loanbook/courier/internal/phone"
	"go.uber.org/zap"
)

// SessionManager is the part of browser.Manager the delivery engine drives.
type SessionManager interface {
	EnsureReady(ctx context.Context) (browser.Page, bool, error)
	ConfirmAuthenticated()
	Restart(ctx context.Context) error
	Close(ctx context.Context) error
	Ready() bool
	Info() browser.SessionInfo
	OnSurface(rawURL string) bool
	SurfaceURL() string
}

var _ SessionManager = (*browser.Manager)(nil)

// Recovery is the Sender's view of the RecoverySupervisor.
type Recovery interface {
	FailureReporter
	ReportSuccess()
}

// SenderConfig tunes a single submission.
type SenderConfig struct {
	MaxAttempts       int
	SelectorTimeout   time.Duration
	PrefillWait       time.Duration
	PostSendWait      time.Duration
	RetryBackoff      time.Duration
	NavigationTimeout time.Duration
	SettleInterval    time.Duration
	InputSelectors    []string
	SendSelectors     []string
}

// SendResult is the outcome of one Send call.
type SendResult struct {
	Success bool
	// Destination is the normalized address, empty if normalization failed.
	Destination string
	Attempts    int
	// Reason is the human-readable failure reason persisted with a failed item.
	Reason string
	Err    error
}

// Sender submits one message through the messaging surface, retrying a bounded number of times.
type Sender struct {
	session    SessionManager
	normalizer *phone.Normalizer
	input      *locator.Locator
	send       *locator.Locator
	recovery   Recovery
	cfg        SenderConfig
	logger     *zap.Logger
}

// NewSender builds a Sender. recovery may be nil, in which case context loss only reloads.
func NewSender(session SessionManager, normalizer *phone.Normalizer, recovery Recovery, cfg SenderConfig, logger *zap.Logger) *Sender {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	named := logger.Named("sender")
	return &Sender{
		session:    session,
		normalizer: normalizer,
		input:      NewInputLocator(cfg.InputSelectors, cfg.SelectorTimeout, named),
		send:       NewSendLocator(cfg.SendSelectors, cfg.SelectorTimeout, named),
		recovery:   recovery,
		cfg:        cfg,
		logger:     named,
	}
}

// DeepLink returns the surface URL that opens a chat with destination and body prefilled.
func DeepLink(surfaceURL, destination, body string) string {
	q := url.Values{}
	q.Set("phone", destination)
	q.Set("text", body)
	return strings.TrimRight(surfaceURL, "/") + "/send?" + q.Encode()
}

// Send normalizes destination and submits body to it. It never returns an error
// value directly: the outcome, including the failure reason, is in the SendResult.
func (s *Sender) Send(ctx context.Context, destination, body string) SendResult {
	normalized, err := s.normalizer.Normalize(destination)
	if err != nil {
		// Malformed input cannot be fixed by retrying.
		return SendResult{Reason: err.Error(), Err: err}
	}

	res := SendResult{Destination: normalized}
	link := DeepLink(s.session.SurfaceURL(), normalized, body)
	logger := s.logger.With(zap.String("destination", normalized))

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		page, err := s.attempt(ctx, link)
		if err == nil {
			if s.recovery != nil {
				s.recovery.ReportSuccess()
			}
			logger.Info("Message sent.", zap.Int("attempt", attempt))
			res.Success = true
			return res
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		more := attempt < s.cfg.MaxAttempts
		if browser.IsContextLost(err) {
			logger.Warn("Send lost the page context.", zap.Int("attempt", attempt), zap.Error(err))
			restarted := s.recovery != nil && s.recovery.ReportFailure(ctx)
			if more && !restarted && page != nil {
				s.reload(ctx, page)
			}
			continue
		}

		logger.Warn("Send attempt failed.", zap.Int("attempt", attempt), zap.Error(err))
		if more && sleep(ctx, s.cfg.RetryBackoff*time.Duration(attempt)) != nil {
			break
		}
	}

	res.Err = lastErr
	res.Reason = failureReason(lastErr)
	logger.Error("Message not sent.", zap.Int("attempts", res.Attempts), zap.String("reason", res.Reason))
	return res
}

// attempt performs one navigate-fill-click cycle. The page is returned for a
// follow-up reload even when the attempt fails.
func (s *Sender) attempt(ctx context.Context, link string) (browser.Page, error) {
	page, _, err := s.session.EnsureReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("session not ready: %w", err)
	}

	navCtx, cancel := s.navigationContext(ctx)
	err = page.Navigate(navCtx, link)
	cancel()
	if err != nil {
		return page, fmt.Errorf("failed to open chat: %w", err)
	}

	if _, err := s.input.Find(ctx, page); err != nil {
		return page, controlError(err)
	}
	if err := sleep(ctx, s.cfg.PrefillWait); err != nil {
		return page, err
	}
	if err := s.send.Click(ctx, page); err != nil {
		return page, controlError(err)
	}
	// The click already landed, so an interrupted wait still counts as sent.
	_ = sleep(ctx, s.cfg.PostSendWait)
	return page, nil
}

func (s *Sender) navigationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.NavigationTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Sender) reload(ctx context.Context, page browser.Page) {
	navCtx, cancel := s.navigationContext(ctx)
	defer cancel()
	if err := page.Reload(navCtx); err != nil {
		s.logger.Debug("Reload after context loss failed.", zap.Error(err))
		return
	}
	_ = sleep(ctx, s.cfg.SettleInterval)
}

func controlError(err error) error {
	if errors.Is(err, locator.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrControlNotFound, err)
	}
	return err
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "unknown failure"
	case errors.Is(err, ErrControlNotFound):
		return ErrControlNotFound.Error()
	default:
		return err.Error()
	}
}
