package job

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"statpulse/internal/task/retry"
	logx "statpulse/pkg/logx"

	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	tests := []struct {
		name   string
		job    string
		policy retry.Policy
		run    Func
	}{
		{name: "empty name", job: "  ", policy: retry.None(), run: ok},
		{name: "nil run", job: "x", policy: retry.None()},
		{name: "bad policy", job: "x", policy: retry.Policy{MaxAttempts: 2}, run: ok},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.job, tt.policy, tt.run)
			require.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestExecuteWrapsFailure(t *testing.T) {
	boom := errors.New("upstream 502")
	j := MustNew("quick-update", retry.Default(), func(context.Context) error { return boom })

	err := j.Execute(context.Background(), 2)
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "quick-update", ce.Job)
	require.Equal(t, 2, ce.Attempt)
	require.ErrorIs(t, err, boom)
}

func TestExecuteDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	j := MustNew("x", retry.Default(), func(context.Context) error {
		calls.Add(1)
		return errors.New("fail")
	})
	require.Error(t, j.Execute(context.Background(), 1))
	require.EqualValues(t, 1, calls.Load())
}

func TestExecuteRecoversPanic(t *testing.T) {
	j := MustNew("x", retry.None(), func(context.Context) error { panic("nil map") })
	err := j.Execute(context.Background(), 1)
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	require.Contains(t, err.Error(), "panic: nil map")
}

func TestExecuteTimeoutIsFailure(t *testing.T) {
	j := MustNew("slow", retry.None(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(10*time.Millisecond))

	err := j.Execute(context.Background(), 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteLogsLifecycle(t *testing.T) {
	var buf bytes.Buffer
	log := logx.NewWriter(&buf, "debug")
	fail := true
	j := MustNew("injury-update", retry.Default(), func(context.Context) error {
		if fail {
			return errors.New("timeout")
		}
		return nil
	}, WithLogger(log))

	_ = j.Execute(context.Background(), 1)
	fail = false
	require.NoError(t, j.Execute(context.Background(), 2))

	out := buf.String()
	require.Equal(t, 2, strings.Count(out, `"message":"job.started"`))
	require.Contains(t, out, `"message":"job.failed"`)
	require.Contains(t, out, `"message":"job.succeeded"`)
	require.Contains(t, out, `"job":"injury-update"`)
}

func TestExecuteConcurrentCallers(t *testing.T) {
	var calls atomic.Int32
	j := MustNew("x", retry.None(), func(context.Context) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()
			_ = j.Execute(context.Background(), attempt)
		}(i + 1)
	}
	wg.Wait()
	require.EqualValues(t, 16, calls.Load())
}

func TestPolicyIsCopied(t *testing.T) {
	p := retry.MustNew(2, time.Second)
	j := MustNew("x", p, func(context.Context) error { return nil })
	p.Delays[0] = time.Hour
	got := j.Policy()
	got.Delays[0] = time.Minute
	require.Equal(t, time.Second, j.Policy().Delays[0])
}
