package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"statpulse/internal/stats"
	"statpulse/internal/task/engine"
	"statpulse/internal/task/job"
	"statpulse/internal/task/retry"
	"statpulse/internal/task/scheduler"
	logx "statpulse/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]int // remaining failures per call
	count     int
	period    int
	summary   stats.CollectionSummary
	predicted []int
}

func newFakeStats() *fakeStats {
	return &fakeStats{fail: map[string]int{}, period: 7, summary: stats.CollectionSummary{Success: true, TotalRecordsCreated: 10}}
}

func (f *fakeStats) hit(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.fail[name] > 0 {
		f.fail[name]--
		return errors.New(name + " unavailable")
	}
	return nil
}

func (f *fakeStats) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStats) RefreshCoreRecords(context.Context) error     { return f.hit("core") }
func (f *fakeStats) RefreshInjuryRecords(context.Context) error   { return f.hit("injuries") }
func (f *fakeStats) RefreshTransferRecords(context.Context) error { return f.hit("transfers") }

func (f *fakeStats) ComputePrediction(_ context.Context, period int) (stats.PredictionResult, error) {
	if err := f.hit("predict"); err != nil {
		return stats.PredictionResult{}, err
	}
	f.mu.Lock()
	f.predicted = append(f.predicted, period)
	f.mu.Unlock()
	return stats.PredictionResult{Period: period, TopPerformers: make([]stats.Pick, 3)}, nil
}

func (f *fakeStats) CurrentHistoricalRecordCount(context.Context) (int, error) {
	return f.count, f.hit("count")
}

func (f *fakeStats) RunHistoricalCollection(context.Context) (stats.CollectionSummary, error) {
	return f.summary, f.hit("collect")
}

func (f *fakeStats) CurrentPeriodID(context.Context) (int, error) {
	return f.period, f.hit("period")
}

type call struct {
	job   string
	delay time.Duration
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (e *recordingEnqueuer) Enqueue(j *job.Job) (string, error) {
	return e.EnqueueAfter(j, 0)
}

func (e *recordingEnqueuer) EnqueueAfter(j *job.Job, d time.Duration) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.calls = append(e.calls, call{job: j.Name(), delay: d})
	return "run", nil
}

func build(t *testing.T, c stats.Collaborator, enq *recordingEnqueuer) *Jobs {
	t.Helper()
	js, err := Build(c, enq, Options{Threshold: 100}, logx.Nop())
	require.NoError(t, err)
	return js
}

func mustJob(t *testing.T, js *Jobs, name string) *job.Job {
	t.Helper()
	j, ok := js.Get(name)
	require.True(t, ok, name)
	return j
}

func TestBuildJobSet(t *testing.T) {
	js := build(t, newFakeStats(), &recordingEnqueuer{})
	require.Equal(t, []string{
		JobBootstrapCheck, JobFullUpdate, JobHistoricalCollection, JobInjuryUpdate,
		JobPredictionAnalysis, JobQuickUpdate, JobTransferUpdate, JobWeekendPredictions,
	}, js.Names())
	require.Equal(t, 3, mustJob(t, js, JobQuickUpdate).Policy().MaxAttempts)
	require.Equal(t, 1, mustJob(t, js, JobBootstrapCheck).Policy().MaxAttempts)
	require.Equal(t, 100, js.Guard().Threshold())

	_, err := Build(nil, &recordingEnqueuer{}, Options{}, logx.Nop())
	require.Error(t, err)
}

func TestFullUpdateRunsStepsInOrder(t *testing.T) {
	fs := newFakeStats()
	js := build(t, fs, &recordingEnqueuer{})
	require.NoError(t, mustJob(t, js, JobFullUpdate).Execute(context.Background(), 1))
	require.Equal(t, []string{"core", "injuries", "transfers"}, fs.Calls())
}

func TestFullUpdateStopsAtFailedStep(t *testing.T) {
	fs := newFakeStats()
	fs.fail["injuries"] = 1
	js := build(t, fs, &recordingEnqueuer{})

	err := mustJob(t, js, JobFullUpdate).Execute(context.Background(), 1)
	require.Error(t, err)
	var ce *job.CollaboratorError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, JobFullUpdate, ce.Job)
	var se *job.StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "injuries", se.Step)
	require.Equal(t, []string{"core", "injuries"}, fs.Calls())
}

func TestPredictionPeriods(t *testing.T) {
	fs := newFakeStats()
	js := build(t, fs, &recordingEnqueuer{})
	ctx := context.Background()
	require.NoError(t, mustJob(t, js, JobPredictionAnalysis).Execute(ctx, 1))
	require.NoError(t, mustJob(t, js, JobWeekendPredictions).Execute(ctx, 1))
	require.Equal(t, []int{8, 7}, fs.predicted)
}

func TestHistoricalCollectionFailsOnUnsuccessfulSummary(t *testing.T) {
	fs := newFakeStats()
	fs.summary = stats.CollectionSummary{Success: false, Message: "source offline"}
	js := build(t, fs, &recordingEnqueuer{})
	err := mustJob(t, js, JobHistoricalCollection).Execute(context.Background(), 1)
	require.ErrorIs(t, err, ErrCollectionFailed)
}

func TestBootstrapCheckJob(t *testing.T) {
	for _, tc := range []struct {
		count int
		want  int
	}{{50, 1}, {150, 0}} {
		fs := newFakeStats()
		fs.count = tc.count
		enq := &recordingEnqueuer{}
		js := build(t, fs, enq)
		require.NoError(t, mustJob(t, js, JobBootstrapCheck).Execute(context.Background(), 1))
		require.Len(t, enq.calls, tc.want, "count=%d", tc.count)
		if tc.want == 1 {
			require.Equal(t, JobHistoricalCollection, enq.calls[0].job)
		}
	}
}

func TestEffectiveSchedules(t *testing.T) {
	scheds, err := EffectiveSchedules(nil)
	require.NoError(t, err)
	require.Len(t, scheds, 7)

	scheds, err = EffectiveSchedules(map[string]string{
		"quick-data-update":        "every 3 hours",
		"weekend-intensive-update": "off",
	})
	require.NoError(t, err)
	require.Len(t, scheds, 6)
	for _, s := range scheds {
		require.NotEqual(t, "weekend-intensive-update", s.Name)
		if s.Name == "quick-data-update" {
			require.Equal(t, "every 3 hours", s.Trigger)
		}
	}

	_, err = EffectiveSchedules(map[string]string{"quick-data-updte": "@hourly"})
	require.ErrorContains(t, err, "quick-data-updte")
}

func TestRegisterSchedules(t *testing.T) {
	js := build(t, newFakeStats(), &recordingEnqueuer{})
	reg := scheduler.NewRegistry(logx.Nop())
	ctx := context.Background()

	require.NoError(t, RegisterSchedules(ctx, reg, js, nil, "UTC", logx.Nop()))
	require.Len(t, reg.List(), 7)

	e, ok := reg.Get("weekend-predictions")
	require.True(t, ok)
	require.Equal(t, JobWeekendPredictions, e.Job.Name())
	next, err := e.Trigger.NextFire(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, next.Equal(time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)), next.String())

	intensive, ok := reg.Get("weekend-intensive-update")
	require.True(t, ok)
	full, _ := reg.Get("full-data-update")
	require.Same(t, full.Job, intensive.Job)

	// Re-registering is idempotent; "off" removes.
	require.NoError(t, RegisterSchedules(ctx, reg, js, map[string]string{"weekend-intensive-update": "off"}, "UTC", logx.Nop()))
	require.Len(t, reg.List(), 6)
	_, ok = reg.Get("weekend-intensive-update")
	require.False(t, ok)
}

func TestRegisterSchedulesKeepsValidOnesWhenOneIsInvalid(t *testing.T) {
	js := build(t, newFakeStats(), &recordingEnqueuer{})
	reg := scheduler.NewRegistry(logx.Nop())
	err := RegisterSchedules(context.Background(), reg, js, map[string]string{"injury-updates": "0 25 * * *"}, "", logx.Nop())
	require.ErrorIs(t, err, scheduler.ErrInvalidTrigger)
	require.Len(t, reg.List(), 6)
}

func TestStartupPlan(t *testing.T) {
	plan, err := StartupPlan(StartupDelays{})
	require.NoError(t, err)
	require.Equal(t, []StartupStep{
		{Job: JobFullUpdate},
		{Job: JobBootstrapCheck, Delay: 30 * time.Second},
		{Job: JobInjuryUpdate, Delay: 2 * time.Minute},
		{Job: JobTransferUpdate, Delay: 3 * time.Minute},
		{Job: JobPredictionAnalysis, Delay: 5 * time.Minute},
	}, plan)

	_, err = StartupPlan(StartupDelays{Injury: 10 * time.Minute})
	require.Error(t, err)
}

func TestEnqueueStartup(t *testing.T) {
	js := build(t, newFakeStats(), &recordingEnqueuer{})
	plan, err := StartupPlan(DefaultStartupDelays())
	require.NoError(t, err)

	enq := &recordingEnqueuer{}
	require.NoError(t, EnqueueStartup(enq, js, plan, logx.Nop()))
	require.Len(t, enq.calls, 5)
	assert.Equal(t, call{job: JobFullUpdate}, enq.calls[0])
	for i := 1; i < len(enq.calls); i++ {
		assert.Greater(t, enq.calls[i].delay, enq.calls[i-1].delay)
	}

	failing := &recordingEnqueuer{err: engine.ErrQueueFull}
	require.ErrorIs(t, EnqueueStartup(failing, js, plan, logx.Nop()), engine.ErrQueueFull)
}

// A retry of the full update starts over at the first step.
func TestFullUpdateRetryRestartsSequence(t *testing.T) {
	fs := newFakeStats()
	fs.fail["injuries"] = 1

	eng := engine.New(engine.Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	js, err := Build(fs, eng, Options{Policies: Policies{Refresh: retry.MustNew(2, 10*time.Millisecond)}}, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Submit(ctx, mustJob(t, js, JobFullUpdate)))
	require.Equal(t, []string{"core", "injuries", "core", "injuries", "transfers"}, fs.Calls())
}
