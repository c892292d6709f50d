package delivery

import (
	"time"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/browser/locator"
	"go.uber.org/zap"
)

// Built-in selector lists, in priority order. Configuration replaces a list wholesale.
var (
	DefaultInputSelectors = []string{
		`div[contenteditable="true"][data-tab="10"]`,
		`footer div[contenteditable="true"]`,
		`div[title="Type a message"]`,
		`//div[@contenteditable="true"][@role="textbox"]`,
	}
	DefaultSendSelectors = []string{
		`button[aria-label="Send"]`,
		`span[data-icon="send"]`,
		`[data-testid="send"]`,
		`//button[.//span[@data-icon="send"]]`,
	}
	DefaultReadySelectors = []string{
		`#pane-side`,
		`[data-testid="chat-list"]`,
		`div[aria-label="Chat list"]`,
	}
	DefaultLoginSelectors = []string{
		`canvas[aria-label="Scan me!"]`,
		`div[data-ref]`,
	}
)

func orDefault(configured, fallback []string) []string {
	if len(configured) > 0 {
		return configured
	}
	return fallback
}

func parseAll(exprs []string) []browser.Selector {
	out := make([]browser.Selector, len(exprs))
	for i, e := range exprs {
		out[i] = browser.ParseSelector(e)
	}
	return out
}

// NewInputLocator finds the compose input.
func NewInputLocator(exprs []string, timeout time.Duration, logger *zap.Logger) *locator.Locator {
	return locator.New("compose input", logger, locator.FromExprs(orDefault(exprs, DefaultInputSelectors), timeout)...)
}

// NewSendLocator finds the send control, ending with a DOM-script click over the CSS entries.
func NewSendLocator(exprs []string, timeout time.Duration, logger *zap.Logger) *locator.Locator {
	exprs = orDefault(exprs, DefaultSendSelectors)
	strategies := locator.FromExprs(exprs, timeout)

	var css []string
	for _, sel := range parseAll(exprs) {
		if sel.Kind == browser.CSS {
			css = append(css, sel.Expr)
		}
	}
	if len(css) > 0 {
		strategies = append(strategies, locator.ScriptClick("send-control", css...))
	}
	return locator.New("send control", logger, strategies...)
}
