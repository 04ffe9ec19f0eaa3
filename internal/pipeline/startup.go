package pipeline

import (
	"errors"
	"fmt"
	"time"

	"statpulse/internal/task/job"
	logx "statpulse/pkg/logx"
)

// StartupDelays staggers the one-off runs at process start. Zero values take
// the defaults.
type StartupDelays struct {
	Bootstrap  time.Duration
	Injury     time.Duration
	Transfer   time.Duration
	Prediction time.Duration
}

func DefaultStartupDelays() StartupDelays {
	return StartupDelays{
		Bootstrap:  30 * time.Second,
		Injury:     2 * time.Minute,
		Transfer:   3 * time.Minute,
		Prediction: 5 * time.Minute,
	}
}

type StartupStep struct {
	Job   string
	Delay time.Duration
}

// StartupPlan lists the startup runs in order: full update immediately, then
// bootstrap check, injury, transfer and prediction. Delays must be strictly
// increasing.
func StartupPlan(d StartupDelays) ([]StartupStep, error) {
	def := DefaultStartupDelays()
	if d.Bootstrap <= 0 {
		d.Bootstrap = def.Bootstrap
	}
	if d.Injury <= 0 {
		d.Injury = def.Injury
	}
	if d.Transfer <= 0 {
		d.Transfer = def.Transfer
	}
	if d.Prediction <= 0 {
		d.Prediction = def.Prediction
	}
	plan := []StartupStep{
		{Job: JobFullUpdate},
		{Job: JobBootstrapCheck, Delay: d.Bootstrap},
		{Job: JobInjuryUpdate, Delay: d.Injury},
		{Job: JobTransferUpdate, Delay: d.Transfer},
		{Job: JobPredictionAnalysis, Delay: d.Prediction},
	}
	for i := 1; i < len(plan); i++ {
		if plan[i].Delay <= plan[i-1].Delay {
			return nil, fmt.Errorf("startup delay for %s (%s) must be after %s (%s)",
				plan[i].Job, plan[i].Delay, plan[i-1].Job, plan[i-1].Delay)
		}
	}
	return plan, nil
}

// StartupEnqueuer is the immediate and delayed enqueue surface of the
// dispatcher. *engine.Service satisfies it.
type StartupEnqueuer interface {
	Enqueue(j *job.Job) (string, error)
	EnqueueAfter(j *job.Job, d time.Duration) (string, error)
}

// EnqueueStartup submits the plan. A step that cannot be enqueued is logged
// and does not stop the rest.
func EnqueueStartup(enq StartupEnqueuer, jobs *Jobs, plan []StartupStep, log logx.Logger) error {
	var errs []error
	for _, st := range plan {
		j, ok := jobs.Get(st.Job)
		if !ok {
			errs = append(errs, fmt.Errorf("startup: unknown job %s", st.Job))
			continue
		}
		var (
			id  string
			err error
		)
		if st.Delay <= 0 {
			id, err = enq.Enqueue(j)
		} else {
			id, err = enq.EnqueueAfter(j, st.Delay)
		}
		if err != nil {
			log.Warn("startup enqueue failed", logx.String("job", st.Job), logx.Duration("delay", st.Delay), logx.Err(err))
			errs = append(errs, fmt.Errorf("startup %s: %w", st.Job, err))
			continue
		}
		log.Debug("startup enqueued", logx.String("job", st.Job), logx.String("run_id", id), logx.Duration("delay", st.Delay))
	}
	return errors.Join(errs...)
}
