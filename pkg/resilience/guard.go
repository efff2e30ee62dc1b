package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/threatintel/pkg/fn"
)

// ErrExhausted is returned when every retry attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// GuardOpts configures a Guard.
type GuardOpts struct {
	Name    string
	Retry   fn.RetryOpts
	Breaker BreakerOpts
}

// Guard runs capability calls through a breaker with bounded retries.
// It is safe for concurrent use.
type Guard struct {
	name    string
	retry   fn.RetryOpts
	breaker *Breaker
	logger  *slog.Logger
}

// NewGuard creates a Guard. A MaxAttempts of zero or one disables retries.
func NewGuard(opts GuardOpts, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		name:    opts.Name,
		retry:   opts.Retry,
		breaker: NewBreaker(opts.Breaker),
		logger:  logger,
	}
}

// Breaker exposes the guard's breaker state.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do calls f under g. Open-breaker rejections and caller cancellations are
// never retried. When more than one attempt was allowed and all failed, the
// error wraps ErrExhausted as well as the last cause.
func Do[T any](ctx context.Context, g *Guard, f func(context.Context) (T, error)) (T, error) {
	opts := g.retry
	opts.Retryable = retryable
	opts.OnRetry = func(attempt int, err error) {
		g.logger.Warn("resilience: retrying", "guard", g.name, "attempt", attempt, "err", err)
	}

	attempts := 0
	r := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[T] {
		attempts++
		return CallResult(g.breaker, ctx, func(ctx context.Context) fn.Result[T] {
			return fn.FromPair(f(ctx))
		})
	})
	v, err := r.Unwrap()
	if err != nil && attempts > 1 && retryable(err) {
		return v, fmt.Errorf("%s: %w after %d attempts: %w", g.name, ErrExhausted, attempts, err)
	}
	return v, err
}

func retryable(err error) bool {
	return !errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
