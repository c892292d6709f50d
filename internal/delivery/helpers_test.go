package delivery

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/mocks"
	"github.com/loanbook/courier/internal/phone"
	"github.com/loanbook/courier/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSurface = "https://web.whatsapp.com"

func onTestSurface(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Host == "web.whatsapp.com"
}

// -- fakeSession --

// fakeSession is an in-memory SessionManager around one FakePage.
// Restart swaps in the page returned by next, when set.
type fakeSession struct {
	mu            sync.Mutex
	page          *mocks.FakePage
	next          func() *mocks.FakePage
	ensureErr     error
	authenticated bool
	ready         bool
	ensureCalls   int
	restarts      int
	closes        int
	onAcquired    func()
	// beforeEnsure, when set, runs at the start of every EnsureReady outside the lock.
	beforeEnsure func()
}

func newFakeSession(page *mocks.FakePage) *fakeSession {
	return &fakeSession{page: page}
}

func (s *fakeSession) EnsureReady(ctx context.Context) (browser.Page, bool, error) {
	if s.beforeEnsure != nil {
		s.beforeEnsure()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCalls++
	if s.ensureErr != nil {
		return nil, false, s.ensureErr
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !s.ready {
		s.ready = true
		s.authenticated = false
		if s.onAcquired != nil {
			s.onAcquired()
		}
	}
	return s.page, s.authenticated, nil
}

func (s *fakeSession) ConfirmAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
}

func (s *fakeSession) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	if s.next != nil {
		s.page = s.next()
	}
	s.ready = true
	s.authenticated = false
	if s.onAcquired != nil {
		s.onAcquired()
	}
	return nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.ready = false
	s.authenticated = false
	return nil
}

func (s *fakeSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSession) Info() browser.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return browser.SessionInfo{Tenant: "test", Ready: s.ready, Authenticated: s.authenticated}
}

func (s *fakeSession) OnSurface(raw string) bool { return onTestSurface(raw) }
func (s *fakeSession) SurfaceURL() string        { return testSurface }

func (s *fakeSession) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// -- memQueue --

// memQueue is an in-memory Queue with the same pending guard as the SQL store.
type memQueue struct {
	mu    sync.Mutex
	items map[string]*store.Item
	now   time.Time
}

func newMemQueue(items ...store.Item) *memQueue {
	q := &memQueue{items: map[string]*store.Item{}, now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	for i := range items {
		it := items[i]
		if it.Status == "" {
			it.Status = store.StatusPending
		}
		q.items[it.ID] = &it
	}
	return q
}

func (q *memQueue) FetchPending(ctx context.Context, limit int) ([]store.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []store.Item
	for _, it := range q.items {
		if it.Status == store.StatusPending {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *memQueue) resolve(id string, status store.Status, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok || it.Status != store.StatusPending {
		return store.ErrNotPending
	}
	it.Status = status
	it.FailureReason = reason
	at := q.now
	it.ResolvedAt = &at
	return nil
}

func (q *memQueue) MarkSent(ctx context.Context, id string) error {
	return q.resolve(id, store.StatusSent, "")
}

func (q *memQueue) MarkFailed(ctx context.Context, id, reason string) error {
	return q.resolve(id, store.StatusFailed, reason)
}

func (q *memQueue) get(id string) store.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.items[id]
}

// threeItems returns the standard three pending items, oldest first.
func threeItems() []store.Item {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return []store.Item{
		{ID: "item-1", Destination: "96511111111", Body: "Your installment is due", CreatedAt: base},
		{ID: "item-2", Destination: "22222222", Body: "Payment received", CreatedAt: base.Add(time.Minute)},
		{ID: "item-3", Destination: "+96533333333", Body: "Loan approved", CreatedAt: base.Add(2 * time.Minute)},
	}
}

// -- builders --

func newTestNormalizer(t *testing.T) *phone.Normalizer {
	t.Helper()
	n, err := phone.NewNormalizer("965")
	require.NoError(t, err)
	return n
}

// fastSenderConfig has no waits so tests run instantly.
func fastSenderConfig() SenderConfig {
	return SenderConfig{MaxAttempts: 3, SelectorTimeout: time.Millisecond}
}

// surfacePage returns a logged-in surface page where compose input and send button are shown.
func surfacePage() *mocks.FakePage {
	return mocks.NewFakePage(testSurface+"/",
		DefaultReadySelectors[0],
		DefaultInputSelectors[0],
		DefaultSendSelectors[0],
	)
}

// phoneOf extracts the phone parameter of a deep link.
func phoneOf(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("phone")
}

// currentURL reads the page URL without going through a canceled context.
func currentURL(p *mocks.FakePage) string {
	loc, _ := p.Location(context.Background())
	return loc
}

func hasPrefixAny(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func nopLogger() *zap.Logger { return zap.NewNop() }
