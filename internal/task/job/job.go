// Package job defines named, retryable units of work.
//
// A Job performs exactly one attempt per Execute call. Retrying is the
// dispatcher's business; the attached retry.Policy only tells it how.
package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"statpulse/internal/task/retry"
	logx "statpulse/pkg/logx"
)

var ErrInvalidJob = errors.New("invalid job")

// Func is the collaborator call (or short sequence of calls) a Job wraps.
type Func func(ctx context.Context) error

// Job is immutable after New and safe to Execute concurrently.
type Job struct {
	name    string
	run     Func
	policy  retry.Policy
	timeout time.Duration
	log     logx.Logger
}

type Option func(*Job)

// WithTimeout bounds a single attempt. 0 leaves the caller's deadline alone.
func WithTimeout(d time.Duration) Option {
	return func(j *Job) {
		if d > 0 {
			j.timeout = d
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(j *Job) { j.log = log }
}

func New(name string, policy retry.Policy, run Func, opts ...Option) (*Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s: run is nil", ErrInvalidJob, name)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidJob, name, err)
	}
	j := &Job{
		name:   name,
		run:    run,
		policy: retry.Policy{MaxAttempts: policy.MaxAttempts, Delays: append([]time.Duration(nil), policy.Delays...)},
	}
	for _, o := range opts {
		if o != nil {
			o(j)
		}
	}
	j.log = j.log.With(logx.String("comp", "job"), logx.String("job", name))
	return j, nil
}

// MustNew is New for jobs composed at startup from static tables.
func MustNew(name string, policy retry.Policy, run Func, opts ...Option) *Job {
	j, err := New(name, policy, run, opts...)
	if err != nil {
		panic(err)
	}
	return j
}

func (j *Job) Name() string { return j.name }

func (j *Job) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: j.policy.MaxAttempts, Delays: append([]time.Duration(nil), j.policy.Delays...)}
}

func (j *Job) Timeout() time.Duration { return j.timeout }

// Execute runs one attempt. Failures, panics and deadline overruns come back
// as *CollaboratorError.
func (j *Job) Execute(ctx context.Context, attempt int) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	j.log.Debug("job.started", logx.Int("attempt", attempt))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			j.log.Error("job.panic", logx.Int("attempt", attempt), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		dur := time.Since(start)
		if err != nil {
			err = &CollaboratorError{Job: j.name, Attempt: attempt, Err: err}
			j.log.Warn("job.failed", logx.Int("attempt", attempt), logx.Duration("dur", dur), logx.Err(err))
			return
		}
		j.log.Info("job.succeeded", logx.Int("attempt", attempt), logx.Duration("dur", dur))
	}()

	return j.run(ctx)
}

// CollaboratorError is a failed attempt, tagged with the job and attempt number.
type CollaboratorError struct {
	Job     string
	Attempt int
	Err     error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("job %s attempt %d: %v", e.Job, e.Attempt, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }
