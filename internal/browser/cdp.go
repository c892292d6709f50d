package browser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// versionInfo is the subset of the /json/version payload needed to connect.
type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// CDPDriver drives Chromium-family browsers over the DevTools protocol with chromedp.
type CDPDriver struct {
	logger     *zap.Logger
	httpClient *http.Client
}

var _ Driver = (*CDPDriver)(nil)

// NewCDPDriver returns a Driver backed by chromedp.
func NewCDPDriver(logger *zap.Logger) *CDPDriver {
	return &CDPDriver{
		logger:     logger.Named("cdp_driver"),
		httpClient: &http.Client{Timeout: 3 * time.Second},
	}
}

// Attach connects to a browser already listening on endpoint (host:port).
func (d *CDPDriver) Attach(ctx context.Context, endpoint string) (Browser, error) {
	info, err := d.probe(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), info.WebSocketDebuggerURL, chromedp.NoModifyURL)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(d.logger.Sugar().Debugf))

	// The first Run connects. It must use rootCtx itself so the connection outlives this call.
	if err := chromedp.Run(rootCtx); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to connect to browser at %s: %w", endpoint, err)
	}

	d.logger.Info("Attached to running browser.", zap.String("endpoint", endpoint), zap.String("version", info.Browser))
	return newCDPBrowser(d.logger, rootCtx, rootCancel, allocCancel, false), nil
}

// Launch starts a new browser process bound to opts.ProfileDir.
func (d *CDPDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), buildAllocatorOptions(opts)...)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(d.logger.Sugar().Debugf))

	// The first Run starts the process; a deadline here would kill the browser when it fires.
	if err := chromedp.Run(rootCtx); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}

	d.logger.Info("Browser launched.",
		zap.String("profile_dir", opts.ProfileDir),
		zap.Bool("headless", opts.Headless),
		zap.Int("debug_port", opts.DebugPort),
	)
	return newCDPBrowser(d.logger, rootCtx, rootCancel, allocCancel, true), nil
}

// probe asks the control endpoint for its websocket URL.
func (d *CDPDriver) probe(ctx context.Context, endpoint string) (*versionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/json/version", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("no browser listening on %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control endpoint %s returned status %d", endpoint, resp.StatusCode)
	}
	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode version info: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("control endpoint %s did not report a websocket URL", endpoint)
	}
	return &info, nil
}

// buildAllocatorOptions assembles the launch switches. The automation switch is
// dropped so the surface treats the session like a normal browser.
func buildAllocatorOptions(opts LaunchOptions) []chromedp.ExecAllocatorOption {
	var out []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		out = append(out, opt)
	}
	out = append(out,
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-gpu", opts.Headless),
		chromedp.Flag("hide-scrollbars", opts.Headless),
		chromedp.Flag("mute-audio", opts.Headless),
		chromedp.UserDataDir(opts.ProfileDir),
	)
	if opts.Width > 0 && opts.Height > 0 {
		out = append(out, chromedp.WindowSize(opts.Width, opts.Height))
	}
	if opts.DebugPort > 0 {
		out = append(out, chromedp.Flag("remote-debugging-port", strconv.Itoa(opts.DebugPort)))
	}
	if opts.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecPath))
	}

	for _, arg := range opts.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			out = append(out, chromedp.Flag(name, parts[1]))
		} else {
			out = append(out, chromedp.Flag(name, true))
		}
	}

	if runtime.GOOS == "linux" {
		out = append(out,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	return out
}

// DebugPortFromEndpoint extracts the port of a host:port control endpoint, or 0.
func DebugPortFromEndpoint(endpoint string) int {
	if endpoint == "" {
		return 0
	}
	_, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

// -- cdpBrowser --

type cdpBrowser struct {
	logger      *zap.Logger
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	allocCancel context.CancelFunc
	launched    bool

	mu        sync.Mutex
	rootTaken bool
	pages     []*cdpPage
	closed    bool
}

func newCDPBrowser(logger *zap.Logger, rootCtx context.Context, rootCancel, allocCancel context.CancelFunc, launched bool) *cdpBrowser {
	return &cdpBrowser{
		logger:      logger,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		allocCancel: allocCancel,
		launched:    launched,
	}
}

func (b *cdpBrowser) Launched() bool { return b.launched }

func (b *cdpBrowser) rootTargetID() target.ID {
	if c := chromedp.FromContext(b.rootCtx); c != nil && c.Target != nil {
		return c.Target.TargetID
	}
	return ""
}

func (b *cdpBrowser) Targets(ctx context.Context) ([]Target, error) {
	runCtx, cancel := CombineContext(b.rootCtx, ctx)
	defer cancel()

	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	rootID := b.rootTargetID()
	out := make([]Target, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" || info.TargetID == rootID {
			continue
		}
		out = append(out, Target{ID: string(info.TargetID), Type: info.Type, URL: info.URL, Title: info.Title})
	}
	return out, nil
}

func (b *cdpBrowser) Attach(ctx context.Context, t Target) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.rootCtx, chromedp.WithTargetID(target.ID(t.ID)))
	return b.open(ctx, tabCtx, tabCancel)
}

func (b *cdpBrowser) NewPage(ctx context.Context) (Page, error) {
	b.mu.Lock()
	if !b.rootTaken {
		// Hand out the tab the root context already holds before opening another one.
		b.rootTaken = true
		p := &cdpPage{tabCtx: b.rootCtx, cancel: func() {}}
		b.pages = append(b.pages, p)
		b.mu.Unlock()
		return p, nil
	}
	b.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(b.rootCtx)
	return b.open(ctx, tabCtx, tabCancel)
}

func (b *cdpBrowser) open(ctx context.Context, tabCtx context.Context, tabCancel context.CancelFunc) (Page, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		tabCancel()
		return nil, fmt.Errorf("browser is closed: %w", ErrContextLost)
	}
	b.mu.Unlock()

	// Attaching happens on the first Run. It runs on tabCtx directly so the tab is
	// not closed when ctx ends; ctx is only checked afterwards.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	if err := ctx.Err(); err != nil {
		tabCancel()
		return nil, err
	}

	p := &cdpPage{tabCtx: tabCtx, cancel: tabCancel}
	b.mu.Lock()
	b.pages = append(b.pages, p)
	b.mu.Unlock()
	return p, nil
}

func (b *cdpBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pages := b.pages
	b.pages = nil
	b.mu.Unlock()

	for _, p := range pages {
		_ = p.Close()
	}

	var err error
	if b.launched {
		// Cancel on the root context asks the browser to exit and waits for it.
		err = chromedp.Cancel(b.rootCtx)
	} else {
		b.rootCancel()
	}
	b.allocCancel()
	return err
}

func (b *cdpBrowser) Terminate(ctx context.Context) error {
	if !b.launched {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			runCtx, cancel := CombineContext(b.rootCtx, ctx)
			if err := chromedp.Run(runCtx, cdpbrowser.Close()); err != nil {
				b.logger.Debug("Browser close command failed; disconnecting anyway.", zap.Error(err))
			}
			cancel()
		}
	}
	return b.Close(ctx)
}

// -- cdpPage --

type cdpPage struct {
	tabCtx context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		// The tab context ending under a live caller is a lost target, not a cancellation.
		if p.tabCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", ErrContextLost, err)
		}
		return err
	}
	return nil
}

func (p *cdpPage) Location(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *cdpPage) Reload(ctx context.Context) error {
	return p.run(ctx, chromedp.Reload())
}

func queryOptions(sel Selector) []chromedp.QueryOption {
	if sel.Kind == XPath {
		return []chromedp.QueryOption{chromedp.BySearch, chromedp.NodeVisible}
	}
	return []chromedp.QueryOption{chromedp.ByQuery, chromedp.NodeVisible}
}

func (p *cdpPage) FindVisible(ctx context.Context, sel Selector, timeout time.Duration) (Element, error) {
	findCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nodes []*cdp.Node
	if err := p.run(findCtx, chromedp.Nodes(sel.Expr, &nodes, queryOptions(sel)...)); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no visible node for %s", sel)
	}
	return &cdpElement{page: p, node: nodes[0]}, nil
}

const visibleScript = `(() => {
  const el = %s;
  return !!el && !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
})()`

func (p *cdpPage) Visible(ctx context.Context, sel Selector) (bool, error) {
	quoted, err := json.Marshal(sel.Expr)
	if err != nil {
		return false, err
	}
	var lookup string
	if sel.Kind == XPath {
		lookup = fmt.Sprintf("document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue", quoted)
	} else {
		lookup = fmt.Sprintf("document.querySelector(%s)", quoted)
	}

	var visible bool
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(visibleScript, lookup), &visible)); err != nil {
		return false, err
	}
	return visible, nil
}

func (p *cdpPage) Evaluate(ctx context.Context, script string, res any) error {
	return p.run(ctx, chromedp.Evaluate(script, res))
}

func (p *cdpPage) Close() error {
	p.closeOnce.Do(p.cancel)
	return nil
}

type cdpElement struct {
	page *cdpPage
	node *cdp.Node
}

func (e *cdpElement) Click(ctx context.Context) error {
	return e.page.run(ctx, chromedp.MouseClickNode(e.node))
}
