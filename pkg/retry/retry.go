// Package retry implements exponential backoff with jitter for transient
// failures in dataset downloads, webhook delivery, and endpoint probes.
package retry

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
)

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}

// Strategy implements exponential backoff with jitter for retrying failed
// operations. Retriable errors (network failures, timeouts, HTTP 5xx) are
// retried; permanent errors (bad input, digest mismatch, auth failures)
// fail fast.
type Strategy struct {
	// MaxRetries is the maximum number of retry attempts after the initial
	// execution. MaxRetries=3 means up to 4 total attempts.
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	// Subsequent delays are calculated as: BaseDelay * (Multiplier ^ attempt) + jitter
	BaseDelay time.Duration

	// MaxDelay caps the delay between retry attempts.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier (typically 2.0).
	Multiplier float64
}

// FromPolicy builds a Strategy from a configured retry policy.
func FromPolicy(p config.RetryPolicy) Strategy {
	s := Strategy{
		MaxRetries: p.MaxRetries,
		BaseDelay:  p.InitialBackoff,
		MaxDelay:   p.MaxBackoff,
		Multiplier: p.Multiplier,
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 30 * time.Second
	}
	if s.Multiplier < 1 {
		s.Multiplier = 2.0
	}
	return s
}

// Execute runs the given function with automatic retry on retriable errors.
//
// The function is retried up to MaxRetries times on retriable errors.
// Non-retriable errors cause immediate failure without retries.
// Context cancellation stops the retry loop immediately.
//
// Returns nil if the function eventually succeeds, or the last error
// encountered if all retries are exhausted or a non-retriable error occurs.
func (s Strategy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := s.BaseDelay

	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		// Wait before retry (skip on first attempt)
		if attempt > 0 {
			// Jitter of ±25% around the current delay
			jitterFactor := 0.75 + cryptoRandFloat64()*0.5
			jitter := time.Duration(float64(delay) * jitterFactor)

			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return ctx.Err()
			}

			delay = time.Duration(float64(delay) * s.Multiplier)
			if delay > s.MaxDelay {
				delay = s.MaxDelay
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		if !IsRetriable(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", s.MaxRetries, lastErr)
}

// IsRetriable determines whether an error should trigger a retry attempt.
// It returns true for transient errors that might succeed on retry:
//   - context.DeadlineExceeded (timeout, might succeed with more time)
//   - structured errors explicitly marked retryable
//   - network timeouts and unexpected EOF mid-transfer
//
// It returns false for permanent errors that won't benefit from retry:
//   - context.Canceled (caller gave up, don't retry)
//   - structured errors not marked retryable (bad input, digest mismatch)
//   - everything else (unknown type, fail fast)
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var kilnErr *kilnerrors.Error
	if errors.As(err, &kilnErr) {
		return kilnErr.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}

// RetryableStatus reports whether an HTTP status code indicates a transient
// condition worth retrying: server errors and rate limiting.
func RetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}
