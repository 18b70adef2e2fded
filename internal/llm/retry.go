package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetryProvider wraps a Provider with exponential backoff on transient
// failures. Only the initial request is retried: once a stream has started
// delivering events, a mid-stream failure surfaces to the caller so partial
// output can be finalized rather than silently replayed.
type RetryProvider struct {
	Provider    Provider
	MaxAttempts int           // total attempts, 0 means 3
	BaseDelay   time.Duration // 0 means 1s
	Log         zerolog.Logger

	// OnRetry is invoked before each backoff sleep, letting the caller
	// surface a transient status to the user.
	OnRetry func(Event)
}

func (r *RetryProvider) Name() string               { return r.Provider.Name() }
func (r *RetryProvider) Capabilities() Capabilities { return r.Provider.Capabilities() }

func (r *RetryProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := r.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stream, err := r.Provider.Stream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == maxAttempts {
			return nil, err
		}

		wait := backoffDelay(baseDelay, attempt)
		r.Log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).
			Msg("transient provider error, retrying")
		if r.OnRetry != nil {
			r.OnRetry(Event{
				Type:             EventRetry,
				RetryAttempt:     attempt,
				RetryMaxAttempts: maxAttempts,
				RetryWaitSecs:    wait.Seconds(),
			})
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	wait := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(wait) / 2))
	return wait + jitter
}

// isTransient reports whether an error is worth retrying. Auth failures,
// context overflow, and cancellation are permanent for the current turn.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrContextOverflow) {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"status 429", "status 500", "status 502", "status 503", "status 504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	// Network-level failures before any response arrived.
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF") && strings.Contains(msg, "request failed")
}
