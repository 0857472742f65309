package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/opwatch/internal/operation"
)

// Hook observes a failed attempt that is about to be retried.
type Hook func(attempt operation.PollAttempt, err error)

// Do runs fn until it succeeds, fails with a non-transport error, or the policy gives up.
// Exhaustion is reported as *operation.TransportExhaustedError. Errors that are not transport
// failures (aggregation errors, task failures) are returned unchanged on first sight. A done
// ctx stops the wait between attempts and is returned as ctx.Err().
func Do[T any](
	ctx context.Context,
	p Policy,
	requestID string,
	fn func(ctx context.Context) (T, error),
	onRetry Hook,
) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("fetch aborted: %w", ctxErr)
		}
		if !operation.IsTransport(err) {
			return zero, err
		}
		if !p.ShouldRetry(err, attempt) {
			return zero, &operation.TransportExhaustedError{Attempts: attempt, Last: err}
		}
		delay := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(operation.PollAttempt{RequestID: requestID, Attempt: attempt, Delay: delay}, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("fetch aborted: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch aborted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
