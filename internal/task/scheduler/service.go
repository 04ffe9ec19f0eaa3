package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"statpulse/internal/task/job"
	logx "statpulse/pkg/logx"
)

func New(cfg Config, reg *Registry, disp Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "scheduler")),
		reg:         reg,
		disp:        disp,
		applied:     map[string]*applied{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		// Restart cron with the new location and re-register everything.
		s.restartLocked()
	}
}

// Start begins trigger evaluation and follows registry changes until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil || !s.cfg.Enabled {
		en := s.cfg.Enabled
		s.mu.Unlock()
		if !en {
			s.log.Info("scheduler disabled")
		}
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	s.syncLocked()
	s.c.Start()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	n := len(s.applied)
	loc := s.loc
	s.mu.Unlock()

	go s.watch(ctx, stopCh, doneCh)
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", n))
}

// Stop halts triggering. Runs already handed to the dispatcher are not touched.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	for name, a := range s.applied {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.applied, name)
	}
	s.gen = 0
	s.mu.Unlock()

	if c == nil {
		return
	}
	close(stopCh)
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	select {
	case <-doneCh:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) watch(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.reg.Changed():
			s.mu.Lock()
			if s.c != nil {
				s.syncLocked()
			}
			s.mu.Unlock()
		}
	}
}

// Fire dispatches the named schedule now, through the same path as a cron
// firing (including the overlap gate).
func (s *Service) Fire(name string) (string, error) {
	e, ok := s.reg.Get(name)
	if !ok {
		return "", errors.New("unknown schedule: " + name)
	}
	return s.disp.Dispatch(e.Name, e.Job)
}

// Sync applies pending registry changes immediately.
func (s *Service) Sync() {
	s.mu.Lock()
	if s.c != nil {
		s.syncLocked()
	}
	s.mu.Unlock()
}

// syncLocked reconciles cron entries with the registry. Call with s.mu held.
func (s *Service) syncLocked() {
	gen := s.reg.Generation()
	if gen == s.gen && gen != 0 {
		return
	}
	entries := s.reg.List()
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		seen[e.Name] = struct{}{}
		if a, ok := s.applied[e.Name]; ok {
			if a.trigger == e.Trigger && a.job == e.Job && a.updatedAt.Equal(e.UpdatedAt) {
				continue
			}
			s.unapplyLocked(e.Name, a)
		}
		if err := s.applyLocked(e); err != nil {
			s.log.Error("schedule register failed", logx.String("schedule", e.Name), logx.String("trigger", e.Trigger.String()), logx.Err(err))
		}
	}
	for name, a := range s.applied {
		if _, ok := seen[name]; !ok {
			s.unapplyLocked(name, a)
		}
	}
	s.gen = gen
}

func (s *Service) applyLocked(e Entry) error {
	a := &applied{trigger: e.Trigger, job: e.Job, updatedAt: e.UpdatedAt}
	name := e.Name

	if e.Trigger.Kind() == TriggerAfter {
		at, j := e.UpdatedAt, e.Job
		a.timer = time.AfterFunc(e.Trigger.Delay(), func() {
			// One-shot: drop the entry first so it can't fire twice.
			if !s.reg.removeIf(name, at) {
				return
			}
			s.dispatchJob(name, j)
		})
		s.applied[name] = a
		s.log.Debug("one-shot registered", logx.String("schedule", name), logx.Duration("delay", e.Trigger.Delay()))
		return nil
	}

	fn := cron.FuncJob(func() { s.dispatch(name) })
	spec := e.Trigger.spec()
	var (
		id  cron.EntryID
		err error
	)
	if every, ok := strings.CutPrefix(e.Trigger.Expr(), "@every"); ok {
		// Spread interval schedules so a restart doesn't fire them all at once.
		d, perr := time.ParseDuration(strings.TrimSpace(every))
		if perr != nil {
			return perr
		}
		sched, _ := makeIntervalScheduleWithSpread(d, time.Now().In(s.loc), name)
		id = s.c.Schedule(sched, fn)
	} else {
		id, err = s.c.AddJob(spec, fn)
		if err != nil {
			return err
		}
	}
	a.entryID = id
	s.applied[name] = a

	args := []logx.Field{logx.String("schedule", name), logx.String("job", e.Job.Name()), logx.String("trigger", e.Trigger.String())}
	if next := s.previewNextRunsLocked(e.Trigger, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

func (s *Service) unapplyLocked(name string, a *applied) {
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.entryID != 0 && s.c != nil {
		s.c.Remove(a.entryID)
	}
	delete(s.applied, name)
}

// dispatch resolves the entry at firing time so an upsert between
// registration and firing takes effect.
func (s *Service) dispatch(name string) {
	e, ok := s.reg.Get(name)
	if !ok {
		return
	}
	s.dispatchJob(name, e.Job)
}

func (s *Service) dispatchJob(name string, j *job.Job) {
	if s.disp == nil {
		return
	}
	if _, err := s.disp.Dispatch(name, j); err != nil {
		s.reportEnqueueError(name, err)
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	for name, a := range s.applied {
		s.unapplyLocked(name, a)
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	s.gen = 0
	s.syncLocked()
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.applied)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run
// times. Call with s.mu held.
func (s *Service) previewNextRunsLocked(t Trigger, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	at := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		next, err := t.NextFire(at)
		if err != nil || next.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(next.In(loc).Format("2006-01-02 15:04:05"))
		at = next
	}
	return b.String()
}
