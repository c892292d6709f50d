package delivery

import (
	"fmt"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/phone"
	"go.uber.org/zap"
)

// NewFromConfig wires the detector, supervisor, sender and processor around manager
// and returns the Engine. Each new session acquisition resets the failure count.
func NewFromConfig(cfg config.Interface, queue Queue, manager *browser.Manager, logger *zap.Logger) (*Engine, error) {
	normalizer, err := phone.NewNormalizer(cfg.Messaging().DefaultCountryCode)
	if err != nil {
		return nil, fmt.Errorf("invalid default country code: %w", err)
	}

	recovery := NewRecoverySupervisor(manager, cfg.Recovery().Threshold, logger)
	manager.OnAcquired(recovery.Reset)

	ac := cfg.Auth()
	auth := NewAuthDetector(manager.OnSurface, AuthConfig{
		MaxChecks:      ac.MaxChecks,
		CheckInterval:  ac.CheckInterval,
		ReadySelectors: ac.ReadySelectors,
		LoginSelectors: ac.LoginSelectors,
	}, recovery, logger)

	sc := cfg.Sender()
	sender := NewSender(manager, normalizer, recovery, SenderConfig{
		MaxAttempts:       sc.MaxAttempts,
		SelectorTimeout:   sc.SelectorTimeout,
		PrefillWait:       sc.PrefillWait,
		PostSendWait:      sc.PostSendWait,
		RetryBackoff:      sc.RetryBackoff,
		NavigationTimeout: cfg.Session().NavigationTimeout,
		SettleInterval:    cfg.Session().SettleInterval,
		InputSelectors:    sc.InputSelectors,
		SendSelectors:     sc.SendSelectors,
	}, logger)

	processor, err := NewProcessor(queue, manager, auth, sender, recovery, ProcessorConfig{
		BatchSize:         cfg.Messaging().BatchSize,
		SendRatePerMinute: cfg.Messaging().SendRatePerMinute,
	}, logger)
	if err != nil {
		return nil, err
	}

	return NewEngine(cfg.Messaging().Tenant, manager, auth, processor, recovery, logger)
}
