package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled       = errors.New("task engine disabled")
	ErrStopped        = errors.New("task engine stopped")
	ErrQueueFull      = errors.New("task engine queue full")
	ErrOverlapSkipped = errors.New("skipped: previous run still active")
	ErrStaleDropped   = errors.New("dropped: queued too long")
)

// NoRetry marks an error as non-retryable.
//
// Jobs can wrap validation errors or other permanent failures with NoRetry
// so the engine goes terminal without consulting the retry policy.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("bad period: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter carries a downstream hint (e.g. HTTP 429 Retry-After).
// The engine waits max(policy delay, hint) before the next attempt, capped at
// the policy's longest delay; the number of attempts is still bounded by the
// policy.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

func retryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

// TerminalError is returned to Submit callers when a run exhausts its
// attempts. History holds one message per failed attempt.
type TerminalError struct {
	RunID    string
	Job      string
	Schedule string
	Attempts int
	History  []string
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempt(s): %v", e.Job, e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

func (e *TerminalError) Detail() string { return strings.Join(e.History, "; ") }
