package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/dmsync/internal/logger"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// withRetry повторяет connect с удвоением паузы, пока не истечёт maxWait или ctx.
func withRetry[T any](ctx context.Context, what string, maxWait, backoff time.Duration, connect func(context.Context) (T, error)) (T, error) {
	deadline := time.Now().Add(maxWait)
	for {
		v, err := connect(ctx)
		if err == nil {
			return v, nil
		}
		if time.Now().Add(backoff).After(deadline) {
			var zero T
			return zero, fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s failed, retry in %v: %v", what, backoff, err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			var zero T
			return zero, fmt.Errorf("%s: %w", what, ctx.Err())
		case <-t.C:
		}
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}
