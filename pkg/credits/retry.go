package credits

import (
	"context"
	"errors"
	"time"
)

// withConflictRetry runs fn up to budget times, retrying only when the failure
// is a transient storage conflict. Validation failures, not-found, and
// insufficient-balance results are terminal and returned as-is.
func withConflictRetry(ctx context.Context, budget int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrTransientConflict) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff * time.Duration(attempt+1)):
		}
	}
	return lastErr
}
