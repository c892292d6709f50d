package delivery

import (
	"context"
	"time"
)

// sleep blocks for d or until ctx is done. Every wait in the pipeline goes through it.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
