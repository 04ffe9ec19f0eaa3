package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"statpulse/internal/bootstrap"
	"statpulse/internal/stats"
	"statpulse/internal/task/job"
	"statpulse/internal/task/retry"
	logx "statpulse/pkg/logx"
)

// Job names.
const (
	JobFullUpdate           = "full-update"
	JobQuickUpdate          = "quick-update"
	JobInjuryUpdate         = "injury-update"
	JobTransferUpdate       = "transfer-update"
	JobPredictionAnalysis   = "prediction-analysis"
	JobWeekendPredictions   = "weekend-predictions"
	JobHistoricalCollection = "historical-collection"
	JobBootstrapCheck       = "bootstrap-check"
)

var ErrCollectionFailed = errors.New("historical collection reported failure")

// Policies assigns a retry policy to each family of jobs.
type Policies struct {
	Refresh    retry.Policy
	Prediction retry.Policy
	Historical retry.Policy
}

// DefaultPolicies gives every job 3 attempts with 30s then 60s between them.
func DefaultPolicies() Policies {
	return Policies{Refresh: retry.Default(), Prediction: retry.Default(), Historical: retry.Default()}
}

type Options struct {
	Policies  Policies
	Timeout   time.Duration // per attempt; 0 keeps the dispatcher default
	Threshold int           // bootstrap record-count threshold
}

// Jobs is the fixed job set, looked up by name from schedules and the
// startup plan.
type Jobs struct {
	byName map[string]*job.Job
	guard  *bootstrap.Guard
}

func (js *Jobs) Get(name string) (*job.Job, bool) {
	j, ok := js.byName[name]
	return j, ok
}

func (js *Jobs) Names() []string {
	out := make([]string, 0, len(js.byName))
	for n := range js.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Guard returns the bootstrap guard behind the bootstrap-check job.
func (js *Jobs) Guard() *bootstrap.Guard { return js.guard }

// Build wires every job to the collaborator. Historical collection is only
// ever enqueued by the bootstrap guard, through enq.
func Build(c stats.Collaborator, enq bootstrap.Enqueuer, opts Options, log logx.Logger) (*Jobs, error) {
	if c == nil {
		return nil, errors.New("pipeline: collaborator is nil")
	}
	if enq == nil {
		return nil, errors.New("pipeline: enqueuer is nil")
	}
	p := opts.Policies
	if p.Refresh.MaxAttempts == 0 {
		p.Refresh = retry.Default()
	}
	if p.Prediction.MaxAttempts == 0 {
		p.Prediction = retry.Default()
	}
	if p.Historical.MaxAttempts == 0 {
		p.Historical = retry.Default()
	}
	plog := log.With(logx.String("comp", "pipeline"))
	jopts := []job.Option{job.WithTimeout(opts.Timeout), job.WithLogger(log)}

	js := &Jobs{byName: map[string]*job.Job{}}
	add := func(name string, policy retry.Policy, fn job.Func) error {
		j, err := job.New(name, policy, fn, jopts...)
		if err != nil {
			return err
		}
		js.byName[name] = j
		return nil
	}

	full := job.Sequence(plog.With(logx.String("job", JobFullUpdate)),
		job.Step{Name: "core", Run: c.RefreshCoreRecords},
		job.Step{Name: "injuries", Run: c.RefreshInjuryRecords},
		job.Step{Name: "transfers", Run: c.RefreshTransferRecords},
	)

	err := errors.Join(
		add(JobFullUpdate, p.Refresh, full),
		add(JobQuickUpdate, p.Refresh, c.RefreshCoreRecords),
		add(JobInjuryUpdate, p.Refresh, c.RefreshInjuryRecords),
		add(JobTransferUpdate, p.Refresh, c.RefreshTransferRecords),
		add(JobPredictionAnalysis, p.Prediction, predictionFunc(c, plog, 1)),
		add(JobWeekendPredictions, p.Prediction, predictionFunc(c, plog, 0)),
		add(JobHistoricalCollection, p.Historical, historicalFunc(c, plog)),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	js.guard = bootstrap.New(c, js.byName[JobHistoricalCollection], opts.Threshold, enq, log)
	if err := add(JobBootstrapCheck, retry.None(), js.guard.Func()); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return js, nil
}

// predictionFunc computes predictions for the current period plus offset.
func predictionFunc(c stats.Collaborator, log logx.Logger, offset int) job.Func {
	return func(ctx context.Context) error {
		current, err := c.CurrentPeriodID(ctx)
		if err != nil {
			return fmt.Errorf("current period: %w", err)
		}
		period := current + offset
		res, err := c.ComputePrediction(ctx, period)
		if err != nil {
			return fmt.Errorf("prediction for period %d: %w", period, err)
		}
		log.Info("prediction.computed",
			logx.Int("period", period),
			logx.Int("top_performers", len(res.TopPerformers)),
			logx.Int("best_value", len(res.BestValue)),
			logx.Int("differentials", len(res.Differentials)),
		)
		return nil
	}
}

func historicalFunc(c stats.Collaborator, log logx.Logger) job.Func {
	return func(ctx context.Context) error {
		sum, err := c.RunHistoricalCollection(ctx)
		if err != nil {
			return err
		}
		if !sum.Success {
			if sum.Message != "" {
				return fmt.Errorf("%w: %s", ErrCollectionFailed, sum.Message)
			}
			return ErrCollectionFailed
		}
		log.Info("historical.collected", logx.Int("records_created", sum.TotalRecordsCreated))
		return nil
	}
}
