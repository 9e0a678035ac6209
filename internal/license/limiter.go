package license

import (
	"context"
	"time"

	apperrors "licgate/internal/errors"
	"licgate/internal/store"
)

// AttemptLimiter enforces the rolling-window cap on failed validation
// attempts per installation. The count is read from the attempt log inside
// the caller's transaction, so concurrent activations see a consistent
// window.
type AttemptLimiter struct {
	window      time.Duration
	maxFailures int
}

// NewAttemptLimiter creates a limiter with the configured window and cap.
func NewAttemptLimiter(window time.Duration, maxFailures int) *AttemptLimiter {
	return &AttemptLimiter{window: window, maxFailures: maxFailures}
}

// Allow returns ErrRateLimited when the installation has exhausted its
// failed attempts inside the window. It is checked before any key
// processing, and a rate-limited request leaves no trace in the attempt log.
func (l *AttemptLimiter) Allow(ctx context.Context, s *store.Store, installID string, now time.Time) error {
	count, err := s.CountRecentFailures(ctx, installID, now.Add(-l.window))
	if err != nil {
		return err
	}
	if count >= int64(l.maxFailures) {
		return apperrors.ErrRateLimited
	}
	return nil
}

// Window returns the rolling window duration.
func (l *AttemptLimiter) Window() time.Duration {
	return l.window
}

// MaxFailures returns the failed-attempt cap.
func (l *AttemptLimiter) MaxFailures() int {
	return l.maxFailures
}
