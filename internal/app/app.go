package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"statpulse/internal/config"
	"statpulse/internal/eventbus"
	"statpulse/internal/metrics"
	"statpulse/internal/notifier"
	"statpulse/internal/observability"
	"statpulse/internal/pipeline"
	rtsup "statpulse/internal/runtime/supervisor"
	"statpulse/internal/stats"
	"statpulse/internal/storage"
	"statpulse/internal/task/engine"
	"statpulse/internal/task/scheduler"
	logx "statpulse/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Recorder

	stats  stats.Collaborator
	engine *engine.Service
	reg    *scheduler.Registry
	sched  *scheduler.Service
	jobs   *pipeline.Jobs
	obs    *observability.Server
	notif  *notifier.Service

	startup   []pipeline.StartupStep
	startedAt time.Time
}

type Option func(*options)

type options struct {
	collaborator stats.Collaborator
}

// WithCollaborator replaces the HTTP stats client.
func WithCollaborator(c stats.Collaborator) Option {
	return func(o *options) { o.collaborator = c }
}

// New loads and validates the config and builds every component. Nothing is
// started. On error, the store and log file opened so far are closed.
func New(cfgPath string, opts ...Option) (_ *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	alog := log.With(logx.String("comp", "app"))

	var store storage.Store
	defer func() {
		if err == nil {
			return
		}
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
	}()

	bus := eventbus.New()
	rec := metrics.New()

	store, err = OpenStorage(cfg, log)
	if err != nil {
		return nil, err
	}
	if store != nil {
		alog.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engOpts := []engine.Option{engine.WithMetrics(rec)}
	if store != nil {
		engOpts = append(engOpts, engine.WithRunSink(store))
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus, engOpts...)

	collab := o.collaborator
	if collab == nil {
		sc, err := mapStatsConfig(cfg)
		if err != nil {
			return nil, err
		}
		client, err := stats.NewClient(sc, log.With(logx.String("comp", "stats")), stats.WithMetrics(rec))
		if err != nil {
			return nil, err
		}
		collab = client
	}

	popts, err := mapPipelineOptions(cfg)
	if err != nil {
		return nil, err
	}
	jobs, err := pipeline.Build(collab, eng, popts, log.With(logx.String("comp", "pipeline")))
	if err != nil {
		return nil, err
	}

	delays, err := mapStartupDelays(cfg)
	if err != nil {
		return nil, err
	}
	plan, err := pipeline.StartupPlan(delays)
	if err != nil {
		return nil, err
	}
	if cfg.Startup.Disabled {
		plan = nil
	}

	var regOpts []scheduler.RegistryOption
	if store != nil {
		regOpts = append(regOpts, scheduler.WithStore(store))
	}
	reg := scheduler.NewRegistry(log.With(logx.String("comp", "registry")), regOpts...)
	sched := scheduler.New(mapSchedulerConfig(cfg), reg, eng, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgm:    cfgm,
		log:     alog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: rec,
		stats:   collab,
		engine:  eng,
		reg:     reg,
		sched:   sched,
		jobs:    jobs,
		startup: plan,
	}

	alertCfg, err := mapAlertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender, err := newAlertSender(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(alertCfg, sender, log.With(logx.String("comp", "notifier")), bus)

	obsCfg, err := mapObservabilityConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.obs = observability.New(obsCfg, observability.Sources{
		Metrics:   rec.Handler(),
		Health:    func() any { return a.Health() },
		Schedules: func() any { return a.sched.Snapshot(a.engine) },
	}, log.With(logx.String("comp", "observability")))

	return a, nil
}

func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Registry() *scheduler.Registry { return a.reg }
func (a *App) Jobs() *pipeline.Jobs          { return a.jobs }
func (a *App) Metrics() *metrics.Recorder    { return a.metrics }
func (a *App) Config() *config.Config        { return a.cfgm.Get() }

// Reload re-reads the config file now instead of waiting for the watcher.
func (a *App) Reload(ctx context.Context) (bool, error) { return a.cfgm.Reload(ctx) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HealthReport is served on /healthz.
type HealthReport struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	Scheduler  bool              `json:"scheduler"`
	Schedules  int               `json:"schedules"`
	Engine     engineHealth      `json:"engine"`
	Supervisor rtsup.Snapshot    `json:"supervisor"`
	Runtimes   map[string]string `json:"runtimes,omitempty"`
}

type engineHealth struct {
	Enabled  bool   `json:"enabled"`
	Workers  int    `json:"workers"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	InFlight int    `json:"in_flight"`
	Pending  int    `json:"pending_timers"`
	Active   int    `json:"active_schedules"`
	Dropped  uint64 `json:"dropped"`
}

func (a *App) Health() HealthReport {
	es := a.engine.Snapshot()
	h := HealthReport{
		Status:    "ok",
		Scheduler: a.sched.Enabled(),
		Schedules: len(a.reg.List()),
		Engine: engineHealth{
			Enabled:  es.Enabled,
			Workers:  es.Workers,
			QueueLen: es.QueueLen,
			QueueCap: es.QueueCap,
			InFlight: es.InFlight,
			Pending:  es.PendingTimers,
			Active:   len(es.Active),
			Dropped:  es.Dropped,
		},
	}
	if !a.startedAt.IsZero() {
		h.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if a.sup != nil {
		h.Supervisor = a.sup.Snapshot()
		if h.Supervisor.FirstError != "" {
			h.Status = "degraded"
		}
	}
	for name, sup := range map[string]*rtsup.Supervisor{
		"task.engine": a.engine.Supervisor(),
		"notifier":    a.notif.Supervisor(),
	} {
		if sup == nil {
			continue
		}
		if h.Runtimes == nil {
			h.Runtimes = map[string]string{}
		}
		snap := sup.Snapshot()
		h.Runtimes[name] = fmt.Sprintf("active=%d started=%d", snap.Active, snap.Started)
	}
	return h
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	cfg := a.cfgm.Get()
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}

	if err := a.registerSchedules(ctx, cfg); err != nil {
		// Validate already parsed every trigger; this is a store failure.
		a.log.Warn("schedule registration incomplete", logx.Err(err))
	}
	a.pruneStoredSchedules(ctx)

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if len(a.startup) > 0 {
		if !a.engine.Enabled() {
			a.log.Warn("startup runs skipped; task engine disabled")
		} else if err := pipeline.EnqueueStartup(a.engine, a.jobs, a.startup, a.log); err != nil {
			a.log.Warn("startup runs incomplete", logx.Err(err))
		} else {
			a.log.Info("startup runs enqueued", logx.Int("count", len(a.startup)))
		}
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.obs.Enabled() {
		a.obs.Start(a.sup.Context())
	}

	// Job outcomes at debug; failures and drops are already logged by the engine.
	events, unsub := a.bus.Subscribe(128, "job.")
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("schedules", len(a.reg.List())),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("engine", a.engine.Enabled()),
	)
	return nil
}

func (a *App) registerSchedules(ctx context.Context, cfg *config.Config) error {
	return pipeline.RegisterSchedules(ctx, a.reg, a.jobs, cfg.Schedules, strings.TrimSpace(cfg.Scheduler.Timezone), a.log)
}

// pruneStoredSchedules deletes persisted schedules this build no longer
// registers.
func (a *App) pruneStoredSchedules(ctx context.Context) {
	if a.store == nil {
		return
	}
	recs, err := a.store.ListSchedules(ctx)
	if err != nil {
		a.log.Warn("stored schedules unreadable", logx.Err(err))
		return
	}
	for _, r := range recs {
		if _, ok := a.reg.Get(r.Name); ok {
			continue
		}
		if err := a.store.DeleteSchedule(ctx, r.Name); err != nil {
			a.log.Warn("stale schedule not pruned", logx.String("schedule", r.Name), logx.Err(err))
			continue
		}
		a.log.Info("stale schedule pruned", logx.String("schedule", r.Name))
	}
}

// applyConfig fans a committed config out to the live services.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strs("sections", restart))
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLoggingConfig(next))
	}

	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()

	if engCfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
	}
	a.sched.Apply(mapSchedulerConfig(next))

	if slices.Contains(sections, "schedules") || slices.Contains(sections, "scheduler") {
		if err := a.registerSchedules(ctx, next); err != nil {
			a.log.Warn("schedule reload incomplete", logx.Err(err))
		}
	}

	// Scheduler first on shutdown; engine first on startup.
	newSched := a.sched.Enabled()
	newEng := a.engine.Enabled()
	if prevSched && !newSched {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !newEng {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && newEng {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && newSched {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if slices.Contains(sections, "alerts") {
		a.applyAlerts(ctx, prev, next)
	}

	if oc, err := mapObservabilityConfig(next); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.obs.Reconfigure(ctx, oc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyAlerts(ctx context.Context, prev, next *config.Config) {
	if prev.Alerts.WebhookURL != next.Alerts.WebhookURL || prev.Alerts.Token != next.Alerts.Token {
		a.log.Warn("alerts webhook changed; restart required for it to take effect")
	}
	nc, err := mapAlertsConfig(next)
	if err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(nc)
	switch {
	case wasEnabled && !a.notif.Enabled():
		a.log.Info("alerts disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && a.notif.Enabled():
		a.log.Info("alerts enabled via config")
		a.notif.Start(ctx)
	}
}

// Stop shuts the services down in reverse dependency order. Each step is
// bounded so one component can't stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
