// Package locator resolves a logical UI control to a live element by trying an
// ordered list of strategies. Order is part of the contract: the first strategy
// that matches wins.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/loanbook/courier/internal/browser"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when no strategy produced a usable element.
var ErrNotFound = errors.New("control not found")

// Strategy is one way of finding a control.
//
// TryFind returns (nil, nil) when the control is simply not there. A non-nil error
// is reserved for failures the caller must act on: a lost context or a done ctx.
type Strategy interface {
	Name() string
	TryFind(ctx context.Context, page browser.Page) (browser.Element, error)
}

// Locator walks its strategies in order.
type Locator struct {
	control    string
	strategies []Strategy
	logger     *zap.Logger
}

// New returns a Locator for the named control.
func New(control string, logger *zap.Logger, strategies ...Strategy) *Locator {
	return &Locator{
		control:    control,
		strategies: strategies,
		logger:     logger.Named("locator").With(zap.String("control", control)),
	}
}

// Strategies returns the strategy names in evaluation order.
func (l *Locator) Strategies() []string {
	names := make([]string, len(l.strategies))
	for i, s := range l.strategies {
		names[i] = s.Name()
	}
	return names
}

// Find returns the element of the first strategy that matches.
func (l *Locator) Find(ctx context.Context, page browser.Page) (browser.Element, error) {
	for _, s := range l.strategies {
		el, err := s.TryFind(ctx, page)
		if err != nil {
			return nil, err
		}
		if el != nil {
			l.logger.Debug("Control located.", zap.String("strategy", s.Name()))
			return el, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", l.control, ErrNotFound)
}

// Click clicks the first control that can be both found and clicked. A click that
// fails for an ordinary reason moves on to the next strategy.
func (l *Locator) Click(ctx context.Context, page browser.Page) error {
	for _, s := range l.strategies {
		el, err := s.TryFind(ctx, page)
		if err != nil {
			return err
		}
		if el == nil {
			continue
		}
		err = el.Click(ctx)
		if err == nil {
			l.logger.Debug("Control clicked.", zap.String("strategy", s.Name()))
			return nil
		}
		if browser.IsContextLost(err) || ctx.Err() != nil {
			return err
		}
		l.logger.Debug("Click failed; trying next strategy.", zap.String("strategy", s.Name()), zap.Error(err))
	}
	return fmt.Errorf("%s: %w", l.control, ErrNotFound)
}

// -- Selector strategy --

type selectorStrategy struct {
	sel     browser.Selector
	timeout time.Duration
}

// BySelector waits up to timeout for a visible element matching sel.
func BySelector(sel browser.Selector, timeout time.Duration) Strategy {
	return &selectorStrategy{sel: sel, timeout: timeout}
}

// FromExprs builds selector strategies from CSS or XPath expressions, in order.
func FromExprs(exprs []string, timeout time.Duration) []Strategy {
	out := make([]Strategy, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, BySelector(browser.ParseSelector(e), timeout))
	}
	return out
}

func (s *selectorStrategy) Name() string { return s.sel.String() }

func (s *selectorStrategy) TryFind(ctx context.Context, page browser.Page) (browser.Element, error) {
	el, err := page.FindVisible(ctx, s.sel, s.timeout)
	if err == nil {
		return el, nil
	}
	if browser.IsContextLost(err) {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, nil
}

// -- Script strategy --

const scriptTemplate = `(() => {
  for (const sel of %s) {
    const el = document.querySelector(sel);
    if (!el) continue;
    %s
  }
  return false;
})()`

type scriptStrategy struct {
	name   string
	probe  string
	action string
}

// ScriptClick finds the first element matching any of cssSelectors from inside the
// page and clicks it (or its enclosing button) with DOM script. It covers controls
// whose handles cannot be clicked, such as icons layered over the real button.
func ScriptClick(name string, cssSelectors ...string) Strategy {
	list, _ := json.Marshal(cssSelectors)
	return &scriptStrategy{
		name:   name,
		probe:  fmt.Sprintf(scriptTemplate, list, "return true;"),
		action: fmt.Sprintf(scriptTemplate, list, "(el.closest('button') || el).click();\n    return true;"),
	}
}

func (s *scriptStrategy) Name() string { return "script:" + s.name }

func (s *scriptStrategy) TryFind(ctx context.Context, page browser.Page) (browser.Element, error) {
	var found bool
	if err := page.Evaluate(ctx, s.probe, &found); err != nil {
		if browser.IsContextLost(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	return &scriptElement{page: page, script: s.action}, nil
}

type scriptElement struct {
	page   browser.Page
	script string
}

func (e *scriptElement) Click(ctx context.Context) error {
	var clicked bool
	if err := e.page.Evaluate(ctx, e.script, &clicked); err != nil {
		return err
	}
	if !clicked {
		return errors.New("script click found no element")
	}
	return nil
}
