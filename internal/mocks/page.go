package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loanbook/courier/internal/browser"
)

// ErrNotShown is returned by FakePage.FindVisible for selectors that are not shown.
var ErrNotShown = errors.New("fake page: selector not shown")

// FakePage is a scriptable in-memory browser.Page. Selectors are matched by expression.
// Hooks, when set, take precedence over the static fields.
type FakePage struct {
	mu sync.Mutex

	URL   string
	Shown map[string]bool

	// Errors returned in order by successive calls, before falling back to the static behavior.
	LocationErrs []error
	VisibleErrs  []error
	NavigateErrs []error
	ReloadErrs   []error

	FindFunc  func(sel browser.Selector) (bool, error)
	ClickFunc func(expr string) error
	EvalFunc  func(script string, res any) error

	Navigations []string
	Clicks      []string
	Evaluations []string
	Reloads     int
	Closed      bool
}

var _ browser.Page = (*FakePage)(nil)

// NewFakePage returns a page at url showing the given selector expressions.
func NewFakePage(url string, shown ...string) *FakePage {
	p := &FakePage{URL: url, Shown: map[string]bool{}}
	for _, s := range shown {
		p.Shown[s] = true
	}
	return p
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// Show toggles visibility of a selector expression.
func (p *FakePage) Show(expr string, visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Shown == nil {
		p.Shown = map[string]bool{}
	}
	p.Shown[expr] = visible
}

// SetURL moves the page without recording a navigation.
func (p *FakePage) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.URL = url
}

func (p *FakePage) Location(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := pop(&p.LocationErrs); err != nil {
		return "", err
	}
	if p.Closed {
		return "", fmt.Errorf("fake page: %w", browser.ErrContextLost)
	}
	return p.URL, nil
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Navigations = append(p.Navigations, url)
	if err := pop(&p.NavigateErrs); err != nil {
		return err
	}
	p.URL = url
	return nil
}

func (p *FakePage) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Reloads++
	return pop(&p.ReloadErrs)
}

func (p *FakePage) FindVisible(ctx context.Context, sel browser.Selector, _ time.Duration) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	hook := p.FindFunc
	shown := p.Shown[sel.Expr]
	p.mu.Unlock()

	if hook != nil {
		found, err := hook(sel)
		if err != nil {
			return nil, err
		}
		shown = found
	}
	if !shown {
		return nil, ErrNotShown
	}
	return &fakeElement{page: p, expr: sel.Expr}, nil
}

func (p *FakePage) Visible(ctx context.Context, sel browser.Selector) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := pop(&p.VisibleErrs); err != nil {
		return false, err
	}
	return p.Shown[sel.Expr], nil
}

func (p *FakePage) Evaluate(ctx context.Context, script string, res any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.Evaluations = append(p.Evaluations, script)
	hook := p.EvalFunc
	p.mu.Unlock()

	if hook != nil {
		return hook(script, res)
	}
	if b, ok := res.(*bool); ok {
		*b = false
	}
	return nil
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// ClickCount returns how many clicks landed on expr.
func (p *FakePage) ClickCount(expr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Clicks {
		if c == expr {
			n++
		}
	}
	return n
}

// NavigationCount returns the number of Navigate calls.
func (p *FakePage) NavigationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Navigations)
}

// ReloadCount returns the number of Reload calls.
func (p *FakePage) ReloadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Reloads
}

type fakeElement struct {
	page *FakePage
	expr string
}

func (e *fakeElement) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.page.mu.Lock()
	e.page.Clicks = append(e.page.Clicks, e.expr)
	hook := e.page.ClickFunc
	e.page.mu.Unlock()

	if hook != nil {
		return hook(e.expr)
	}
	return nil
}
