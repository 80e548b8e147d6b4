// Package retry provides the generic retry and deadline wrappers used around
// every network-facing call. Components must not implement ad hoc retry
// loops; this package is the only retry mechanism in the engine.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Options controls Do. The zero value retries nothing; callers normally start
// from DefaultOptions.
type Options struct {
	MaxRetries   int
	InitialDelay time.Duration
	// RetryIf decides whether an error is worth another attempt. Defaults to
	// Transient.
	RetryIf func(error) bool
	// OnRetry is invoked before each re-attempt with the 1-based attempt
	// number about to run and the previous error.
	OnRetry func(attempt int, err error)
}

// DefaultOptions matches the engine-wide policy: three bounded attempts with
// exponential backoff starting at one second.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, InitialDelay: time.Second, RetryIf: Transient}
}

// Transient reports whether err looks like a connection, timeout or network
// blip. PostgreSQL class 08 errors (connection exceptions) and net.Error
// timeouts count; everything else is assumed permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "timeout", "timed out", "network", "broken pipe", "reset by peer"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Do runs fn with exponential-backoff retries. Context cancellation stops the
// loop immediately, including mid-backoff.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	retryIf := opts.RetryIf
	if retryIf == nil {
		retryIf = Transient
	}
	delay := opts.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, lastErr)
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("cancelled while waiting to retry (attempt %d): %w; last error: %v", attempt+1, ctx.Err(), lastErr)
			}
			delay *= 2
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("cancelled during attempt %d: %w; last error: %v", attempt+1, ctx.Err(), lastErr)
		}
		if !retryIf(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("failed after %d attempts: %w", opts.MaxRetries+1, lastErr)
}

// TimeoutError is returned by WithTimeout so callers can label and classify
// deadline overruns distinctly from other failures.
type TimeoutError struct {
	Label   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Label, e.Timeout)
}

func (e *TimeoutError) Timeouted() bool { return true }

// WithTimeout races fn against a timer. The child context handed to fn is
// cancelled on overrun, but the function may still be finishing in the
// background; fn must therefore be safe to abandon.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(callCtx)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s cancelled: %w", label, ctx.Err())
		}
		return zero, &TimeoutError{Label: label, Timeout: timeout}
	}
}
