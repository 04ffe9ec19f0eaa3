package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"statpulse/internal/eventbus"
	logx "statpulse/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan *run) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case r, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, r)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, r *run) {
	start := s.now()
	queueDelay := start.Sub(r.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(r, start, queueDelay)
		s.finish(r, ErrStaleDropped)
		return
	}

	r.state.set(StateRunning, start)
	base := Record{RunID: r.id, Job: r.job.Name(), Schedule: r.schedule, Attempt: r.attempt, Started: start, QueueDelay: queueDelay}
	s.publish(eventbus.JobStarted, start, base)

	runCtx := ctx
	if r.job.Timeout() <= 0 && cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.DefaultTimeout)
		defer cancel()
	}

	s.metrics.IncInFlight()
	err := r.job.Execute(runCtx, r.attempt)
	s.metrics.DecInFlight()
	base.Duration = s.now().Sub(start)

	if err == nil {
		base.Outcome = StateSucceeded
		s.record(base)
		s.metrics.JobFinished(base.Job, StateSucceeded.String(), base.Duration)
		s.publish(eventbus.JobSucceeded, s.now(), base)
		s.log.Debug("run.succeeded", logx.String("job", base.Job), logx.String("schedule", r.schedule), logx.String("run_id", r.id), logx.Int("attempt", r.attempt), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", base.Duration))
		s.finish(r, nil)
		return
	}
	s.handleFailure(r, base, err)
}

// handleFailure consults the job's retry policy. A retry re-enters the run
// into the queue after the policy delay as a one-shot; otherwise the run is
// terminal.
func (s *Service) handleFailure(r *run, rec Record, err error) {
	r.history = append(r.history, err.Error())
	rec.Error = err.Error()

	if s.stopping() {
		s.abandon(r, rec)
		return
	}
	if IsNoRetry(err) {
		s.failTerminal(r, err, rec)
		return
	}
	policy := r.job.Policy()
	retry, delay, perr := policy.ShouldRetry(r.attempt)
	if perr != nil {
		s.log.Error("retry policy rejected attempt", logx.String("job", rec.Job), logx.Int("attempt", r.attempt), logx.Err(perr))
		s.failTerminal(r, err, rec)
		return
	}
	if !retry {
		s.failTerminal(r, err, rec)
		return
	}
	if hint, ok := retryAfterHint(err); ok && hint > delay {
		// A hint may stretch the wait up to the longest delay in the table, never past it.
		delay = min(hint, max(delay, policy.MaxDelay()))
	}

	rec.Outcome = StateAwaitingRetry
	s.record(rec)
	s.metrics.JobRetry(rec.Job)
	s.metrics.JobFinished(rec.Job, StateAwaitingRetry.String(), rec.Duration)
	s.publish(eventbus.JobRetrying, s.now(), rec)
	s.log.Warn("job.retry_scheduled",
		logx.String("job", rec.Job),
		logx.String("schedule", r.schedule),
		logx.String("run_id", r.id),
		logx.Int("attempt", r.attempt),
		logx.Int("next_attempt", r.attempt+1),
		logx.Duration("delay", delay),
		logx.Err(err),
	)

	r.state.set(StateAwaitingRetry, s.now())
	r.attempt++
	if aerr := s.arm(r, delay); aerr != nil {
		r.attempt--
		if errors.Is(aerr, ErrStopped) {
			s.abandon(r, rec)
			return
		}
		s.failTerminal(r, aerr, Record{RunID: r.id, Job: rec.Job, Schedule: r.schedule, Attempt: r.attempt, Started: s.now()})
	}
}

func (s *Service) failTerminal(r *run, err error, rec Record) {
	if rec.Error == "" {
		rec.Error = err.Error()
	}
	if len(r.history) == 0 || r.history[len(r.history)-1] != rec.Error {
		r.history = append(r.history, rec.Error)
	}
	rec.Outcome = StateFailedTerminal
	s.record(rec)
	s.metrics.JobFinished(rec.Job, StateFailedTerminal.String(), rec.Duration)
	s.publish(eventbus.JobFailed, s.now(), rec)
	s.log.Error("job.failed_terminal",
		logx.String("job", rec.Job),
		logx.String("schedule", r.schedule),
		logx.String("run_id", r.id),
		logx.Int("attempts", r.attempt),
		logx.Strs("history", r.history),
		logx.Err(err),
	)
	s.finish(r, &TerminalError{
		RunID:    r.id,
		Job:      rec.Job,
		Schedule: r.schedule,
		Attempts: r.attempt,
		History:  append([]string(nil), r.history...),
		Err:      err,
	})
}

// abandon ends a run cut short by Stop. It is kept in the history under its
// own state so shutdown does not read as a job failure.
func (s *Service) abandon(r *run, rec Record) {
	rec.Outcome = StateAbandoned
	s.record(rec)
	s.metrics.JobFinished(rec.Job, StateAbandoned.String(), rec.Duration)
	s.publish(eventbus.JobAbandoned, s.now(), rec)
	s.log.Info("job.abandoned",
		logx.String("job", rec.Job),
		logx.String("schedule", r.schedule),
		logx.String("run_id", r.id),
		logx.Int("attempt", r.attempt),
		logx.String("last_error", rec.Error),
	)
	s.finish(r, ErrStopped)
}

// finish releases the schedule slot and wakes a Submit caller.
func (s *Service) finish(r *run, err error) {
	if r == nil {
		return
	}
	r.state.release(r.id)
	if r.done != nil {
		select {
		case r.done <- err:
		default:
		}
	}
}

func (s *Service) record(rec Record) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	if size <= 0 {
		size = 200
	}

	s.hmu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()

	if s.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.sink.AppendRun(ctx, rec.storageRecord()); err != nil {
			s.log.Debug("run record not persisted", logx.String("run_id", rec.RunID), logx.Err(err))
		}
		cancel()
	}
}
