// Package retry decides whether a failed job attempt gets another try and how
// long to wait before it.
package retry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidArgument is returned for attempt numbers below 1 and for
// malformed policies.
var ErrInvalidArgument = errors.New("retry: invalid argument")

// Policy is a per-job backoff table.
//
// Attempt k (1-indexed) failing waits Delays[k-1] before attempt k+1, unless
// k == MaxAttempts, in which case the failure is terminal.
type Policy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// New builds a validated Policy. len(delays) must be maxAttempts-1.
func New(maxAttempts int, delays ...time.Duration) (Policy, error) {
	p := Policy{MaxAttempts: maxAttempts, Delays: append([]time.Duration(nil), delays...)}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// MustNew is New for static tables; it panics on an invalid policy.
func MustNew(maxAttempts int, delays ...time.Duration) Policy {
	p, err := New(maxAttempts, delays...)
	if err != nil {
		panic(err)
	}
	return p
}

// None is a single-attempt policy.
func None() Policy { return Policy{MaxAttempts: 1} }

// Default is the policy used by refresh jobs: three attempts, waiting 30s then 60s.
func Default() Policy { return MustNew(3, 30*time.Second, 60*time.Second) }

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts %d < 1", ErrInvalidArgument, p.MaxAttempts)
	}
	if len(p.Delays) != p.MaxAttempts-1 {
		return fmt.Errorf("%w: %d delays for %d attempts", ErrInvalidArgument, len(p.Delays), p.MaxAttempts)
	}
	for i, d := range p.Delays {
		if d < 0 {
			return fmt.Errorf("%w: delay[%d] is negative", ErrInvalidArgument, i)
		}
	}
	return nil
}

// ShouldRetry reports whether a failure of the given attempt gets another try
// and the delay before it. A false result is terminal.
func (p Policy) ShouldRetry(attempt int) (bool, time.Duration, error) {
	if attempt < 1 {
		return false, 0, fmt.Errorf("%w: attempt %d", ErrInvalidArgument, attempt)
	}
	if attempt >= p.MaxAttempts {
		return false, 0, nil
	}
	if attempt-1 >= len(p.Delays) {
		// Hand-built policy with a short table.
		return false, 0, fmt.Errorf("%w: no delay for attempt %d", ErrInvalidArgument, attempt)
	}
	return true, p.Delays[attempt-1], nil
}

// MaxDelay is the longest wait in the table, or 0 for a single-attempt policy.
func (p Policy) MaxDelay() time.Duration {
	var m time.Duration
	for _, d := range p.Delays {
		if d > m {
			m = d
		}
	}
	return m
}

func (p Policy) String() string {
	parts := make([]string, 0, len(p.Delays))
	for _, d := range p.Delays {
		parts = append(parts, d.String())
	}
	return fmt.Sprintf("attempts=%d delays=[%s]", p.MaxAttempts, strings.Join(parts, ","))
}
