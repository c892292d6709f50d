package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from ctx1 that is also canceled when ctx2 is.
// Values come from ctx1 only. chromedp keeps its target in ctx1 while the
// caller's deadline lives in ctx2.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)
	if deadline, ok := ctx2.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		combinedCtx, cancelDeadline = context.WithDeadline(combinedCtx, deadline)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}

	stop := context.AfterFunc(ctx2, cancel)
	return combinedCtx, func() {
		stop()
		cancel()
	}
}

// valueOnlyContext keeps its parent's values but none of its cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                       { return nil }
func (valueOnlyContext) Err() error                                  { return nil }

// Detach returns a context with ctx's values that is never canceled. Teardown
// paths use it so cleanup still runs after the caller gave up.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
