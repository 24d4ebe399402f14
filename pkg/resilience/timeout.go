package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout runs fn under a context that expires after timeout. A
// non-positive timeout runs fn with ctx unchanged. The returned error wraps
// context.DeadlineExceeded when the limit, not the parent, cut fn short.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(timeoutCtx)
	if err != nil && timeoutCtx.Err() != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w (limit: %v)", name, context.DeadlineExceeded, timeout)
	}
	return err
}
