package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"statpulse/internal/task/engine"
	"statpulse/internal/task/job"
	"statpulse/internal/task/retry"
	logx "statpulse/pkg/logx"

	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDispatcher) Dispatch(name string, j *job.Job) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, name+"/"+j.Name())
	return "run-" + name, d.err
}

func (d *recordingDispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func startScheduler(t *testing.T, reg *Registry, disp Dispatcher) *Service {
	t.Helper()
	s := New(Config{Enabled: true, Timezone: "UTC"}, reg, disp, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestUpsertTakesEffectOnNextSync(t *testing.T) {
	reg := NewRegistry(logx.Nop())
	s := startScheduler(t, reg, &recordingDispatcher{})
	ctx := context.Background()

	require.NoError(t, reg.Upsert(ctx, "full-data-update", noop("full-update"), Cron("0 6,18 * * *", "")))
	s.Sync()
	snap := s.Snapshot(nil)
	require.Len(t, snap.Schedules, 1)
	require.False(t, snap.Schedules[0].Next.IsZero())
	require.Equal(t, 6, snap.Schedules[0].Next.UTC().Hour()%12)

	require.NoError(t, reg.Upsert(ctx, "full-data-update", noop("full-update"), Cron("0 5 * * *", "")))
	s.Sync()
	snap = s.Snapshot(nil)
	require.Len(t, snap.Schedules, 1)
	require.Equal(t, 5, snap.Schedules[0].Next.UTC().Hour())

	s.mu.Lock()
	require.Len(t, s.applied, 1)
	require.Len(t, s.c.Entries(), 1)
	s.mu.Unlock()

	_, err := reg.Remove(ctx, "full-data-update")
	require.NoError(t, err)
	s.Sync()
	s.mu.Lock()
	require.Empty(t, s.applied)
	require.Empty(t, s.c.Entries())
	s.mu.Unlock()
}

func TestWatchFollowsRegistry(t *testing.T) {
	reg := NewRegistry(logx.Nop())
	s := startScheduler(t, reg, &recordingDispatcher{})

	require.NoError(t, reg.Upsert(context.Background(), "weekend-predictions", noop("weekend-predictions"), Cron("0 10 * * 6", "")))
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.applied) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAfterTriggerFiresOnceAndLeavesRegistry(t *testing.T) {
	reg := NewRegistry(logx.Nop())
	disp := &recordingDispatcher{}
	startScheduler(t, reg, disp)

	require.NoError(t, reg.Upsert(context.Background(), "bootstrap", noop("bootstrap-check"), After(20*time.Millisecond)))
	require.Eventually(t, func() bool { return len(disp.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"bootstrap/bootstrap-check"}, disp.Calls())

	_, ok := reg.Get("bootstrap")
	require.False(t, ok)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, disp.Calls(), 1)
}

func TestFireUsesCurrentEntry(t *testing.T) {
	reg := NewRegistry(logx.Nop())
	disp := &recordingDispatcher{}
	s := startScheduler(t, reg, disp)
	ctx := context.Background()

	_, err := s.Fire("missing")
	require.Error(t, err)

	require.NoError(t, reg.Upsert(ctx, "quick-data-update", noop("quick-update"), Cron("0 */2 * * *", "")))
	require.NoError(t, reg.Upsert(ctx, "quick-data-update", noop("quick-update-v2"), Cron("0 */2 * * *", "")))
	id, err := s.Fire("quick-data-update")
	require.NoError(t, err)
	require.Equal(t, "run-quick-data-update", id)
	require.Equal(t, []string{"quick-data-update/quick-update-v2"}, disp.Calls())
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	reg := NewRegistry(logx.Nop())
	s := New(Config{Enabled: false}, reg, &recordingDispatcher{}, logx.Nop())
	s.Start(context.Background())
	s.mu.Lock()
	require.Nil(t, s.c)
	s.mu.Unlock()
	s.Stop(context.Background())
}

func TestReportEnqueueErrorIgnoresOverlap(t *testing.T) {
	s := New(Config{}, NewRegistry(logx.Nop()), nil, logx.Nop())
	s.reportEnqueueError("x", engine.ErrOverlapSkipped)
	require.Empty(t, s.lastEnqWarn)
	s.reportEnqueueError("x", engine.ErrQueueFull)
	s.reportEnqueueError("x", errors.New("again"))
	require.Len(t, s.lastEnqWarn, 1)
}

// Two ticks two hours apart on a healthy collaborator give two succeeded
// runs and no retries.
func TestQuickUpdateEveryTwoHoursEndToEnd(t *testing.T) {
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 8}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	var refreshes atomic.Int32
	refreshCore := job.MustNew("quick-update", retry.Default(), func(context.Context) error {
		refreshes.Add(1)
		return nil
	})

	trig, err := ParseTrigger("every 2 hours", "")
	require.NoError(t, err)
	reg := NewRegistry(logx.Nop())
	require.NoError(t, reg.Upsert(context.Background(), "quick-update", refreshCore, trig))
	s := startScheduler(t, reg, eng)

	t0 := time.Date(2026, 3, 7, 8, 0, 0, 0, time.UTC)
	t1, err := trig.NextFire(t0)
	require.NoError(t, err)
	t2, err := trig.NextFire(t1)
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, t2.Sub(t1))

	for tick := 1; tick <= 2; tick++ {
		_, err := s.Fire("quick-update")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return len(eng.Snapshot().Active) == 0 }, 2*time.Second, 5*time.Millisecond)
	}

	var succeeded, retried int
	for _, r := range eng.History() {
		switch r.Outcome {
		case engine.StateSucceeded:
			succeeded++
			require.Equal(t, "quick-update", r.Schedule)
			require.Equal(t, 1, r.Attempt)
		case engine.StateAwaitingRetry:
			retried++
		}
	}
	require.Equal(t, 2, succeeded)
	require.Zero(t, retried)
	require.EqualValues(t, 2, refreshes.Load())
}
