package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const storeWriteTimeout = 10 * time.Second

// Queue is the outbound queue as the processor sees it.
type Queue interface {
	FetchPending(ctx context.Context, limit int) ([]store.Item, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

var _ Queue = (*store.QueueStore)(nil)

// Authenticator gates a pass on a logged-in session.
type Authenticator interface {
	Check(ctx context.Context, page browser.Page) AuthResult
}

// MessageSender submits one message.
type MessageSender interface {
	Send(ctx context.Context, destination, body string) SendResult
}

// Progress counts the items of one pass. Processed always equals Successful + Failed.
type Progress struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// RunResult describes a finished pass.
type RunResult struct {
	RunID    string `json:"runId"`
	Progress `json:"progress"`
	// Stopped is set when the pass ended early on request or cancellation.
	Stopped bool `json:"stopped"`
	// AbortReason is set when the pass was cut short by an error, such as a missing login.
	AbortReason string    `json:"abortReason,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// ProcessorConfig tunes the Processor.
type ProcessorConfig struct {
	BatchSize int
	// SendRatePerMinute paces sends at item boundaries. Zero disables pacing.
	SendRatePerMinute float64
}

// Processor drains the pending queue through the Sender, one item at a time.
type Processor struct {
	queue    Queue
	session  SessionManager
	auth     Authenticator
	sender   MessageSender
	recovery *RecoverySupervisor
	cfg      ProcessorConfig
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu            sync.Mutex
	running       bool
	sessionBusy   bool
	stopRequested bool
	progress      Progress
	last          *RunResult

	wg sync.WaitGroup
}

// NewProcessor validates its collaborators and returns an idle Processor.
func NewProcessor(queue Queue, session SessionManager, auth Authenticator, sender MessageSender, recovery *RecoverySupervisor, cfg ProcessorConfig, logger *zap.Logger) (*Processor, error) {
	if queue == nil || session == nil || auth == nil || sender == nil || recovery == nil {
		return nil, errors.New("processor requires a queue, session, authenticator, sender and recovery supervisor")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}

	p := &Processor{
		queue:    queue,
		session:  session,
		auth:     auth,
		sender:   sender,
		recovery: recovery,
		cfg:      cfg,
		logger:   logger.Named("processor"),
	}
	if cfg.SendRatePerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerMinute/60), 1)
	}
	return p, nil
}

// Drain runs one pass synchronously and returns its result. It fails fast with
// ErrAlreadyRunning when a pass is active.
func (p *Processor) Drain(ctx context.Context) (RunResult, error) {
	if err := p.begin(); err != nil {
		return RunResult{}, err
	}
	return p.run(ctx)
}

// Start runs one pass in the background. The rejection, if any, is synchronous.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.begin(); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.run(ctx); err != nil {
			p.logger.Warn("Background drain ended with an error.", zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until the background pass, if any, has returned or ctx is done.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks the active pass to end at the next item boundary. It reports whether a pass was running.
func (p *Processor) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.stopRequested = true
	return true
}

// Running reports whether a pass is active.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Progress returns the counters of the active or most recent pass.
func (p *Processor) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// LastResult returns the result of the most recent finished pass, or nil.
func (p *Processor) LastResult() *RunResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	cp := *p.last
	return &cp
}

func (p *Processor) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	if p.sessionBusy {
		return ErrSessionBusy
	}
	p.running = true
	p.stopRequested = false
	p.progress = Progress{}
	p.recovery.Reset()
	return nil
}

// exclusive runs fn with the page reserved for it. Passes cannot begin until fn returns,
// and fn is refused while a pass or another session operation holds the page.
func (p *Processor) exclusive(fn func() error) error {
	p.mu.Lock()
	switch {
	case p.running:
		p.mu.Unlock()
		return ErrDrainInProgress
	case p.sessionBusy:
		p.mu.Unlock()
		return ErrSessionBusy
	}
	p.sessionBusy = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.sessionBusy = false
		p.mu.Unlock()
	}()
	return fn()
}

func (p *Processor) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRequested
}

func (p *Processor) setTotal(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress.Total = n
}

func (p *Processor) record(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if success {
		p.progress.Successful++
	} else {
		p.progress.Failed++
	}
	p.progress.Processed = p.progress.Successful + p.progress.Failed
}

func (p *Processor) finish(res *RunResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res.Progress = p.progress
	res.FinishedAt = time.Now().UTC()
	last := *res
	p.last = &last
	p.running = false
	p.stopRequested = false
}

func (p *Processor) run(ctx context.Context) (res RunResult, err error) {
	res = RunResult{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	logger := p.logger.With(zap.String("run_id", res.RunID))
	defer func() {
		if err != nil {
			res.AbortReason = err.Error()
		}
		p.finish(&res)
		logger.Info("Drain finished.",
			zap.Int("total", res.Total),
			zap.Int("successful", res.Successful),
			zap.Int("failed", res.Failed),
			zap.Bool("stopped", res.Stopped),
			zap.String("abort_reason", res.AbortReason),
		)
	}()

	items, err := p.queue.FetchPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to fetch pending items: %w", err)
	}
	p.setTotal(len(items))
	logger.Info("Drain started.", zap.Int("pending", len(items)))

	for _, item := range items {
		if p.shouldStop(ctx) {
			res.Stopped = true
			break
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				res.Stopped = true
				break
			}
		}

		if err := p.gate(ctx); err != nil {
			return res, err
		}

		sent := p.sender.Send(ctx, item.Destination, item.Body)
		if !sent.Success && ctx.Err() != nil {
			// Interrupted before the message went out: it stays pending for the next pass.
			logger.Info("Send interrupted; leaving item pending.", zap.String("item_id", item.ID))
			res.Stopped = true
			break
		}
		p.resolve(ctx, item, sent)
		p.record(sent.Success)
	}
	return res, nil
}

// gate ensures a ready, authenticated session. One lost context during the check
// is tolerated: the session is reacquired and checked once more.
func (p *Processor) gate(ctx context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		page, alreadyAuthenticated, err := p.session.EnsureReady(ctx)
		if err != nil {
			return fmt.Errorf("session not ready: %w", err)
		}
		if alreadyAuthenticated {
			return nil
		}
		check := p.auth.Check(ctx, page)
		if check.Authenticated {
			p.session.ConfirmAuthenticated()
			return nil
		}
		if !check.ContextLost || ctx.Err() != nil {
			break
		}
	}
	return ErrNotAuthenticated
}

// resolve writes the terminal status. The write is detached from ctx so a stop
// or shutdown arriving after the send cannot leave a sent message pending.
func (p *Processor) resolve(ctx context.Context, item store.Item, sent SendResult) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	var err error
	if sent.Success {
		err = p.queue.MarkSent(writeCtx, item.ID)
	} else {
		err = p.queue.MarkFailed(writeCtx, item.ID, sent.Reason)
	}
	if err != nil {
		p.logger.Error("Failed to record item outcome.",
			zap.String("item_id", item.ID),
			zap.Bool("sent", sent.Success),
			zap.Error(err),
		)
	}
}
