package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Backoff executor — a control-flow combinator for flaky external calls.
// Classifies errors as transient (retried with exponential backoff + jitter)
// or fatal (aborts immediately). On exhaustion the last error is returned.
// ---------------------------------------------------------------------------

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 1 * time.Second
	maxDelay           = 30 * time.Second
)

// Config controls a single Do invocation.
type Config struct {
	MaxAttempts int           // retries after the first attempt; <=0 uses default
	BaseDelay   time.Duration // first retry delay; <=0 uses default
}

// StatusError carries an HTTP-style status code from an external service.
// Errors without a status code are treated as transient network failures.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Msg)
}

// terminalError marks an error that must never be retried.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the executor (and the orchestrator) treats it as
// fatal regardless of its shape.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// Do runs op up to cfg.MaxAttempts+1 times, sleeping between attempts with
// exponential backoff and jitter. A fatal error aborts immediately.
func Do(ctx context.Context, op func() error, cfg Config) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}

	var lastErr error
	for attempt := 0; attempt <= maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay(baseDelay, attempt)):
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if !Retriable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", maxAttempts+1, lastErr)
}

// Retriable classifies an error. Retriable: no status code (plain network
// failure with a transient name), a rate-limit code, or a 5xx-class code.
// Anything else — including Terminal-marked errors — is fatal.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if IsTerminal(err) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return retriableStatus(se.Code)
	}

	return transientName(err)
}

// retriableStatus mirrors the classic set: 408, 429, and the 5xx gateway family.
func retriableStatus(status int) bool {
	return status == 408 ||
		status == 429 ||
		(status >= 500 && status < 600)
}

// transientName matches network error strings worth retrying.
func transientName(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// delay calculates exponential backoff with jitter: base * 2^(attempt-1) + 0-25% jitter.
func delay(base time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	jitter := d * 0.25 * rand.Float64()
	return time.Duration(d + jitter)
}
