// Package browser owns the automated browser session: the driver abstraction over
// chromedp, the on-disk profile that keeps a login alive across restarts, and the
// Manager that attaches to, launches, and settles the browser for one tenant.
package browser

import (
	"context"
	"time"
)

// SelectorKind tells a Page how to interpret Selector.Expr.
type SelectorKind int

const (
	// CSS selects with document.querySelector semantics.
	CSS SelectorKind = iota
	// XPath selects with document.evaluate semantics.
	XPath
)

func (k SelectorKind) String() string {
	if k == XPath {
		return "xpath"
	}
	return "css"
}

// Selector identifies a DOM element.
type Selector struct {
	Expr string
	Kind SelectorKind
}

// ParseSelector treats expressions starting with "/" or "(" as XPath and everything else as CSS.
func ParseSelector(expr string) Selector {
	if len(expr) > 0 && (expr[0] == '/' || expr[0] == '(') {
		return Selector{Expr: expr, Kind: XPath}
	}
	return Selector{Expr: expr, Kind: CSS}
}

func (s Selector) String() string { return s.Kind.String() + ":" + s.Expr }

// Element is a located, visible DOM node.
type Element interface {
	Click(ctx context.Context) error
}

// Page is one browser tab. Calls are serialized by the caller; a Page is not safe
// for concurrent use.
type Page interface {
	// Location returns the current URL of the tab.
	Location(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	// FindVisible waits up to timeout for a visible element matching sel.
	FindVisible(ctx context.Context, sel Selector, timeout time.Duration) (Element, error)
	// Visible reports, without waiting, whether an element matching sel is visible.
	Visible(ctx context.Context, sel Selector) (bool, error)
	// Evaluate runs a script in the page and decodes its result into res.
	Evaluate(ctx context.Context, script string, res any) error
	Close() error
}

// Target describes an open tab of a running browser.
type Target struct {
	ID    string
	Type  string
	URL   string
	Title string
}

// Browser is a running browser process, launched or attached.
type Browser interface {
	Targets(ctx context.Context) ([]Target, error)
	// Attach opens a Page on an existing tab.
	Attach(ctx context.Context, t Target) (Page, error)
	// NewPage opens a blank tab.
	NewPage(ctx context.Context) (Page, error)
	// Close releases this process's hold on the browser. A launched browser exits; an
	// attached one keeps running.
	Close(ctx context.Context) error
	// Terminate makes the browser process exit, even when it was attached.
	Terminate(ctx context.Context) error
	// Launched reports whether this process started the browser.
	Launched() bool
}

// LaunchOptions configures a freshly started browser.
type LaunchOptions struct {
	ProfileDir string
	Headless   bool
	ExecPath   string
	// DebugPort, when non-zero, exposes the control endpoint so later processes can attach.
	DebugPort int
	Width     int
	Height    int
	// Args are extra switches in "--name=value" or "--name" form.
	Args []string
}

// Driver attaches to or launches browsers.
type Driver interface {
	Attach(ctx context.Context, endpoint string) (Browser, error)
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}
