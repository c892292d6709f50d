package delivery

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Status is the caller-visible state of the engine.
type Status struct {
	Tenant         string     `json:"tenant"`
	Running        bool       `json:"isRunning"`
	Progress       Progress   `json:"progress"`
	SessionReady   bool       `json:"sessionReady"`
	Authenticated  bool       `json:"authenticated"`
	DetachedFrames int        `json:"detachedFrames"`
	RecoveryState  string     `json:"recoveryState"`
	Restarts       int        `json:"restarts"`
	LastResult     *RunResult `json:"lastResult,omitempty"`
}

// Engine is the control surface over one tenant's delivery pipeline.
type Engine struct {
	tenant    string
	session   SessionManager
	auth      Authenticator
	processor *Processor
	recovery  *RecoverySupervisor
	logger    *zap.Logger

	// baseCtx outlives requests; background drains run on it.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewEngine assembles an Engine from its parts.
func NewEngine(tenant string, session SessionManager, auth Authenticator, processor *Processor, recovery *RecoverySupervisor, logger *zap.Logger) (*Engine, error) {
	if session == nil || auth == nil || processor == nil || recovery == nil {
		return nil, errors.New("engine requires a session, authenticator, processor and recovery supervisor")
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		tenant:     tenant,
		session:    session,
		auth:       auth,
		processor:  processor,
		recovery:   recovery,
		logger:     logger.Named("engine").With(zap.String("tenant", tenant)),
		baseCtx:    baseCtx,
		baseCancel: cancel,
	}, nil
}

// Initialize makes the session ready and reports whether it is logged in.
// No pass can begin while it runs.
func (e *Engine) Initialize(ctx context.Context) (AuthResult, error) {
	return e.checkSession(ctx, false)
}

// CheckAuthentication runs a fresh authentication check, ignoring any earlier confirmation.
func (e *Engine) CheckAuthentication(ctx context.Context) (AuthResult, error) {
	return e.checkSession(ctx, true)
}

func (e *Engine) checkSession(ctx context.Context, force bool) (AuthResult, error) {
	var res AuthResult
	err := e.processor.exclusive(func() error {
		page, alreadyAuthenticated, err := e.session.EnsureReady(ctx)
		if err != nil {
			return err
		}
		if alreadyAuthenticated && !force {
			res = AuthResult{Authenticated: true}
			return nil
		}
		res = e.auth.Check(ctx, page)
		if res.Authenticated {
			e.session.ConfirmAuthenticated()
		}
		return nil
	})
	if err != nil {
		return AuthResult{}, err
	}
	return res, nil
}

// StartDrain begins a background pass. It returns ErrAlreadyRunning without side effects
// when one is active, and ErrSessionBusy while a session operation holds the page.
func (e *Engine) StartDrain() error {
	return e.processor.Start(e.baseCtx)
}

// Drain runs a pass synchronously on ctx.
func (e *Engine) Drain(ctx context.Context) (RunResult, error) {
	return e.processor.Drain(ctx)
}

// StopDrain asks the active pass to stop at the next item boundary.
func (e *Engine) StopDrain() bool {
	return e.processor.Stop()
}

// CloseSession releases the browser session. It is refused during a pass.
func (e *Engine) CloseSession(ctx context.Context) error {
	return e.processor.exclusive(func() error {
		return e.session.Close(ctx)
	})
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	info := e.session.Info()
	return Status{
		Tenant:         e.tenant,
		Running:        e.processor.Running(),
		Progress:       e.processor.Progress(),
		SessionReady:   info.Ready,
		Authenticated:  info.Authenticated,
		DetachedFrames: e.recovery.Count(),
		RecoveryState:  e.recovery.State().String(),
		Restarts:       e.recovery.Restarts(),
		LastResult:     e.processor.LastResult(),
	}
}

// Shutdown stops any pass, waits for it within ctx, and closes the session.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.processor.Stop() {
		e.logger.Info("Waiting for the active pass to reach an item boundary.")
	}
	if err := e.processor.Wait(ctx); err != nil {
		e.logger.Warn("Drain did not stop in time; canceling it.", zap.Error(err))
		e.baseCancel()
		_ = e.processor.Wait(context.Background())
	}
	e.baseCancel()
	return e.session.Close(ctx)
}
