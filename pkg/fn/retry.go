package fn

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// Retryable reports whether a failed attempt may be repeated. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep with the failed attempt number (1-based).
	OnRetry func(attempt int, err error, wait time.Duration)
}

// RetryError is the terminal failure of Retry. Attempts counts the calls made.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retry retries f up to MaxAttempts times with exponential backoff. A failure that
// is not Retryable, or the last failure, is returned wrapped in *RetryError.
// Cancellation of ctx returns ctx.Err() unwrapped.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	wait := opts.InitialWait

	for attempt := 1; ; attempt++ {
		result := f(ctx)
		if result.IsOk() {
			return result
		}
		if attempt >= opts.MaxAttempts || (opts.Retryable != nil && !opts.Retryable(result.err)) {
			return Err[T](&RetryError{Attempts: attempt, Err: result.err})
		}
		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		default:
		}

		sleepDur := wait
		if opts.Jitter {
			sleepDur = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if sleepDur > opts.MaxWait {
			sleepDur = opts.MaxWait
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, result.err, sleepDur)
		}

		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(sleepDur):
		}

		wait *= 2
		if wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
}

// RetryErr is Retry for functions that only return an error.
func RetryErr(ctx context.Context, opts RetryOpts, f func(context.Context) error) error {
	_, err := Retry(ctx, opts, func(ctx context.Context) Result[struct{}] {
		return FromPair(struct{}{}, f(ctx))
	}).Unwrap()
	return err
}
