package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"statpulse/internal/eventbus"
	"statpulse/internal/metrics"
	rtsup "statpulse/internal/runtime/supervisor"
	"statpulse/internal/task/job"
	logx "statpulse/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the dispatcher: a worker pool that executes job runs and
// applies each job's retry policy on failure.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	metrics   *metrics.Recorder
	sink      RunSink
	now       func() time.Time
	afterFunc AfterFunc

	q chan *run

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	// Armed retry and delayed-enqueue timers, keyed by run id + attempt.
	timerMu sync.Mutex
	timers  map[string]*pendingTimer

	hmu     sync.Mutex
	history []Record

	inFlight int32

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type pendingTimer struct {
	r     *run
	timer Timer
}

type Option func(*Service)

func WithMetrics(m *metrics.Recorder) Option { return func(s *Service) { s.metrics = m } }

// WithRunSink persists every execution record.
func WithRunSink(sink RunSink) Option { return func(s *Service) { s.sink = sink } }

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for retry and delayed-enqueue timers.
func WithAfterFunc(f AfterFunc) Option {
	return func(s *Service) {
		if f != nil {
			s.afterFunc = f
		}
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s := &Service{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "engine")),
		bus:       bus,
		now:       time.Now,
		afterFunc: realAfterFunc,
		states:    make(map[string]*RunState),
		timers:    make(map[string]*pendingTimer),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the engine's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply updates timeouts and history size in place. Worker and queue sizing
// changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	if cfg.Workers <= 0 {
		cfg.Workers = prev.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = prev.QueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = prev.HistorySize
	}
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("engine sizing change deferred to restart", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan *run, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Worker failures should not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop halts the workers. In-flight attempts see their context canceled;
// queued runs and armed timers finish with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	cancelled := s.cancelTimers()
	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		drained := 0
	drain:
		for {
			select {
			case r := <-queue:
				s.finish(r, ErrStopped)
				drained++
			default:
				break drain
			}
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		if drained > 0 || cancelled > 0 {
			s.log.Info("task engine abandoned pending runs", logx.Int("queued", drained), logx.Int("timers", cancelled))
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Dispatch is the recurring-trigger path. It is gated per schedule name: if
// the previous run of scheduleName has not reached a terminal state the
// firing is skipped and ErrOverlapSkipped is returned.
func (s *Service) Dispatch(scheduleName string, j *job.Job) (string, error) {
	scheduleName = strings.TrimSpace(scheduleName)
	if scheduleName == "" {
		return "", errors.New("schedule name is required")
	}
	if j == nil {
		return "", errors.New("job is nil")
	}
	if !s.Enabled() {
		return "", ErrDisabled
	}

	now := s.now()
	r := s.newRun(j, scheduleName, now)
	st := s.stateFor(scheduleName)
	if !st.tryAcquire(r.id, now) {
		s.onOverlapSkipped(r, st, now)
		return "", ErrOverlapSkipped
	}
	r.state = st

	if err := s.push(r); err != nil {
		st.release(r.id)
		return "", err
	}
	return r.id, nil
}

// Enqueue is the immediate fire-and-forget path. It is not overlap gated.
func (s *Service) Enqueue(j *job.Job) (string, error) {
	if j == nil {
		return "", errors.New("job is nil")
	}
	r := s.newRun(j, "", s.now())
	if err := s.push(r); err != nil {
		return "", err
	}
	return r.id, nil
}

// EnqueueAfter enqueues j once after d. d <= 0 behaves like Enqueue.
func (s *Service) EnqueueAfter(j *job.Job, d time.Duration) (string, error) {
	if d <= 0 {
		return s.Enqueue(j)
	}
	if j == nil {
		return "", errors.New("job is nil")
	}
	if !s.Enabled() {
		return "", ErrDisabled
	}
	r := s.newRun(j, "", s.now())
	if err := s.arm(r, d); err != nil {
		return "", err
	}
	s.log.Debug("job delayed", logx.String("job", j.Name()), logx.String("run_id", r.id), logx.Duration("delay", d))
	return r.id, nil
}

// Submit enqueues j, blocking while the queue is full, and waits for the
// terminal outcome. A terminal failure comes back as *TerminalError.
func (s *Service) Submit(ctx context.Context, j *job.Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if j == nil {
		return errors.New("job is nil")
	}
	r := s.newRun(j, "", s.now())
	r.done = make(chan error, 1)

	s.mu.Lock()
	enabled := s.cfg.Enabled
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()
	switch {
	case !enabled:
		return ErrDisabled
	case q == nil || stopCh == nil || stopping:
		return ErrStopped
	}

	select {
	case q <- r:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopped
	}

	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns the in-memory execution records, oldest first.
func (s *Service) History() []Record {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]Record, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.timerMu.Lock()
	pending := len(s.timers)
	s.timerMu.Unlock()

	var active []ScheduleState
	s.stateMu.Lock()
	for name, st := range s.states {
		id, phase, since := st.view()
		if id != "" {
			active = append(active, ScheduleState{Schedule: name, RunID: id, Phase: phase, Since: since})
		}
	}
	s.stateMu.Unlock()
	sort.Slice(active, func(i, j int) bool { return active[i].Schedule < active[j].Schedule })

	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		PendingTimers:    pending,
		Active:           active,
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		History:          s.History(),
	}
}

func (s *Service) newRun(j *job.Job, schedule string, now time.Time) *run {
	return &run{id: uuid.NewString(), job: j, schedule: schedule, attempt: 1, enqueuedAt: now}
}

// push puts r on the queue without blocking.
func (s *Service) push(r *run) error {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	q := s.q
	stopping := s.stopCh == nil || s.stopDone != nil
	s.mu.Unlock()

	if !enabled {
		return ErrDisabled
	}
	if q == nil || stopping {
		return ErrStopped
	}
	select {
	case q <- r:
		return nil
	default:
		s.onQueueFullDropped(r, q)
		return ErrQueueFull
	}
}

// stopping reports whether Stop has begun (or the engine is not running).
func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh == nil || s.stopDone != nil
}

// arm re-enters r into the queue after d, independent of any recurring trigger.
func (s *Service) arm(r *run, d time.Duration) error {
	if s.stopping() {
		return ErrStopped
	}

	key := fmt.Sprintf("%s#%d", r.id, r.attempt)
	s.timerMu.Lock()
	s.timers[key] = &pendingTimer{r: r}
	s.timerMu.Unlock()

	t := s.afterFunc(d, func() { s.fire(key) })

	s.timerMu.Lock()
	if pt, ok := s.timers[key]; ok {
		pt.timer = t
	}
	s.timerMu.Unlock()
	return nil
}

func (s *Service) fire(key string) {
	s.timerMu.Lock()
	pt, ok := s.timers[key]
	delete(s.timers, key)
	s.timerMu.Unlock()
	if !ok {
		return
	}
	r := pt.r
	r.enqueuedAt = s.now()
	if err := s.push(r); err != nil {
		if r.attempt > 1 && errors.Is(err, ErrStopped) {
			s.abandon(r, Record{RunID: r.id, Job: r.job.Name(), Schedule: r.schedule, Attempt: r.attempt, Started: r.enqueuedAt, Error: err.Error()})
			return
		}
		if r.attempt > 1 {
			s.failTerminal(r, err, Record{RunID: r.id, Job: r.job.Name(), Schedule: r.schedule, Attempt: r.attempt, Started: r.enqueuedAt})
			return
		}
		s.log.Warn("delayed job not enqueued", logx.String("job", r.job.Name()), logx.String("run_id", r.id), logx.Err(err))
		s.finish(r, err)
	}
}

func (s *Service) cancelTimers() int {
	s.timerMu.Lock()
	pending := s.timers
	s.timers = make(map[string]*pendingTimer)
	s.timerMu.Unlock()

	for _, pt := range pending {
		if pt.timer != nil {
			pt.timer.Stop()
		}
		s.finish(pt.r, ErrStopped)
	}
	return len(pending)
}

func (s *Service) stateFor(schedule string) *RunState {
	s.stateMu.Lock()
	st := s.states[schedule]
	if st == nil {
		st = &RunState{}
		s.states[schedule] = st
	}
	s.stateMu.Unlock()
	return st
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onOverlapSkipped(r *run, st *RunState, now time.Time) {
	activeID, phase, since := st.view()
	rec := Record{RunID: r.id, Job: r.job.Name(), Schedule: r.schedule, Started: now, Outcome: StateSkipped, Error: ErrOverlapSkipped.Error()}
	s.record(rec)
	s.metrics.ScheduleSkipped(r.schedule)
	s.publish(eventbus.JobSkipped, now, rec)
	s.log.Info("schedule.skipped_overlap",
		logx.String("schedule", r.schedule),
		logx.String("job", r.job.Name()),
		logx.String("active_run", activeID),
		logx.String("active_phase", phase.String()),
		logx.Duration("active_for", now.Sub(since)),
	)
}

func (s *Service) onQueueFullDropped(r *run, q chan *run) {
	now := s.now()
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)
	s.metrics.JobDropped("queue_full")
	s.publish(eventbus.JobDropped, now, Record{RunID: r.id, Job: r.job.Name(), Schedule: r.schedule, Attempt: r.attempt, Started: now, Outcome: StateDropped, Error: "queue_full"})

	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn(
			"job dropped: queue full",
			logx.String("job", r.job.Name()),
			logx.String("run_id", r.id),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}

func (s *Service) onStaleDropped(r *run, now time.Time, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)
	s.metrics.JobDropped("stale")

	rec := Record{RunID: r.id, Job: r.job.Name(), Schedule: r.schedule, Attempt: r.attempt, Started: now, QueueDelay: queueDelay, Outcome: StateDropped, Error: ErrStaleDropped.Error()}
	s.record(rec)
	s.publish(eventbus.JobDropped, now, rec)

	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn(
			"job dropped: stale queue",
			logx.String("job", r.job.Name()),
			logx.String("run_id", r.id),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)
	}
}

func (s *Service) publish(typ string, at time.Time, rec Record) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: rec})
	}
}
