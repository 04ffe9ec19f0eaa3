// Package bootstrap decides whether the historical backfill still has to run.
package bootstrap

import (
	"context"

	"statpulse/internal/task/job"
	logx "statpulse/pkg/logx"
)

const DefaultThreshold = 100

// Counter reports how many historical records already exist.
type Counter interface {
	CurrentHistoricalRecordCount(ctx context.Context) (int, error)
}

// Enqueuer accepts a one-off run. *engine.Service satisfies it.
type Enqueuer interface {
	Enqueue(j *job.Job) (string, error)
}

// Guard enqueues the historical collection job when the store looks empty.
// It never fails: errors are logged and the next invocation tries again.
type Guard struct {
	counter   Counter
	job       *job.Job
	threshold int
	enq       Enqueuer
	log       logx.Logger
}

func New(counter Counter, historical *job.Job, threshold int, enq Enqueuer, log logx.Logger) *Guard {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Guard{
		counter:   counter,
		job:       historical,
		threshold: threshold,
		enq:       enq,
		log:       log.With(logx.String("comp", "bootstrap")),
	}
}

func (g *Guard) Threshold() int { return g.threshold }

// CheckAndInitialize reads the record count and enqueues the historical job
// when it is below the threshold. It reports whether a run was enqueued.
func (g *Guard) CheckAndInitialize(ctx context.Context) bool {
	n, err := g.counter.CurrentHistoricalRecordCount(ctx)
	if err != nil {
		g.log.Error("bootstrap.count_failed", logx.Err(err))
		return false
	}
	if n >= g.threshold {
		g.log.Info("bootstrap.skipped", logx.Int("count", n), logx.Int("threshold", g.threshold))
		return false
	}

	id, err := g.enq.Enqueue(g.job)
	if err != nil {
		g.log.Error("bootstrap.enqueue_failed", logx.String("job", g.job.Name()), logx.Int("count", n), logx.Err(err))
		return false
	}
	g.log.Info("bootstrap.enqueued",
		logx.String("job", g.job.Name()),
		logx.String("run_id", id),
		logx.Int("count", n),
		logx.Int("threshold", g.threshold),
	)
	return true
}

// Func adapts the guard into a job body. Its failures never reach the retry
// policy.
func (g *Guard) Func() job.Func {
	return func(ctx context.Context) error {
		g.CheckAndInitialize(ctx)
		return nil
	}
}
