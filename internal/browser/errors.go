package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/chromedp/chromedp"
)

// ErrContextLost marks a failure caused by the page's execution context going away:
// a navigation, a detached frame, or a dead browser connection.
var ErrContextLost = errors.New("browser execution context lost")

// contextLossSignatures are message fragments Chrome and chromedp use when the
// target, frame or connection disappears underneath a command.
var contextLossSignatures = []string{
	"execution context was destroyed",
	"cannot find context with specified id",
	"frame was detached",
	"target closed",
	"session closed",
	"inspected target navigated or closed",
	"no target with given id",
	"websocket: close",
	"use of closed network connection",
	"channel closed",
	"invalid context",
}

// IsContextLost reports whether err indicates a lost execution context.
// Cancellation or expiry of the caller's own context is not a context loss.
func IsContextLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextLost) {
		return true
	}
	if errors.Is(err, chromedp.ErrChannelClosed) || errors.Is(err, chromedp.ErrInvalidContext) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range contextLossSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
