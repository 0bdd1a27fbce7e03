package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
)

// RetryPolicy defines retry behavior for transient request failures.
// Backoff doubles per attempt from InitialBackoff.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	RetryOnStatus  map[int]bool
}

// DefaultRetryPolicy returns sensible defaults for page fetching:
// 3 retries at 0.5s, 1s, 2s on throttling and server errors.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		RetryOnStatus: map[int]bool{
			429: true,
			500: true,
			502: true,
			503: true,
			504: true,
		},
	}
}

// ShouldRetry determines if a request should be retried based on the error
// and attempt number (0-based).
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	if err == nil {
		return false
	}

	var httpErr *common.HTTPError
	if errors.As(err, &httpErr) {
		return p.RetryOnStatus[httpErr.StatusCode]
	}

	var netErr *common.NetworkError
	if errors.As(err, &netErr) {
		return isTransient(netErr.Err)
	}

	return isTransient(err)
}

// Backoff returns the wait before the given 0-based attempt's retry.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
	}
	return backoff
}

// Wait sleeps for the attempt's backoff or returns early on context cancel.
func (p *RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Backoff(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTransient reports whether a transport-level error is worth retrying.
// Context cancellation is never transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do runs fn with the policy, logging each retry. The last error is
// returned when retries are exhausted.
func (p *RetryPolicy) Do(ctx context.Context, logger arbor.ILogger, url string, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return common.ErrCancelled
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !p.ShouldRetry(lastErr, attempt) {
			return lastErr
		}

		logger.Debug().
			Str("url", url).
			Int("attempt", attempt+1).
			Dur("backoff", p.Backoff(attempt)).
			Err(lastErr).
			Msg("Retrying request")

		if err := p.Wait(ctx, attempt); err != nil {
			return fmt.Errorf("retry cancelled: %w", common.ErrCancelled)
		}
	}
}
