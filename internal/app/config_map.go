package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"statpulse/internal/bootstrap"
	"statpulse/internal/config"
	"statpulse/internal/notifier"
	"statpulse/internal/observability"
	"statpulse/internal/pipeline"
	"statpulse/internal/stats"
	"statpulse/internal/storage"
	"statpulse/internal/task/engine"
	"statpulse/internal/task/retry"
	"statpulse/internal/task/scheduler"
	logx "statpulse/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: cfg.Scheduler.Enabled, Workers: 2, QueueSize: 256, HistorySize: 200}
	ec := cfg.Engine
	if ec == nil {
		return out, nil
	}
	if ec.Workers < 0 || ec.QueueSize < 0 || ec.HistorySize < 0 {
		return engine.Config{}, errors.New("engine: workers, queue_size and history_size must be >= 0")
	}
	if ec.Enabled != nil {
		// Triggers with nothing to run them would silently pile up.
		if cfg.Scheduler.Enabled && !*ec.Enabled {
			return engine.Config{}, errors.New("engine.enabled cannot be false while scheduler.enabled is true")
		}
		out.Enabled = *ec.Enabled
	}
	if ec.Workers > 0 {
		out.Workers = ec.Workers
	}
	if ec.QueueSize > 0 {
		out.QueueSize = ec.QueueSize
	}
	if ec.HistorySize > 0 {
		out.HistorySize = ec.HistorySize
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("engine.default_timeout", ec.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapRetryPolicy(cfg *config.Config) (retry.Policy, error) {
	if cfg.Retry == nil {
		return retry.Default(), nil
	}
	delays, err := config.ParseDurationList("retry.delays", cfg.Retry.Delays)
	if err != nil {
		return retry.Policy{}, err
	}
	p, err := retry.New(cfg.Retry.MaxAttempts, delays...)
	if err != nil {
		return retry.Policy{}, fmt.Errorf("retry: %w", err)
	}
	return p, nil
}

func mapPipelineOptions(cfg *config.Config) (pipeline.Options, error) {
	p, err := mapRetryPolicy(cfg)
	if err != nil {
		return pipeline.Options{}, err
	}
	if cfg.Bootstrap.Threshold < 0 {
		return pipeline.Options{}, errors.New("bootstrap.threshold must be >= 0")
	}
	timeout, err := config.ParseDurationField("stats.job_timeout", cfg.Stats.JobTimeout)
	if err != nil {
		return pipeline.Options{}, err
	}
	threshold := cfg.Bootstrap.Threshold
	if threshold == 0 {
		threshold = bootstrap.DefaultThreshold
	}
	return pipeline.Options{
		Policies:  pipeline.Policies{Refresh: p, Prediction: p, Historical: p},
		Timeout:   timeout,
		Threshold: threshold,
	}, nil
}

func mapStartupDelays(cfg *config.Config) (pipeline.StartupDelays, error) {
	sc := cfg.Startup
	var (
		d   pipeline.StartupDelays
		err error
	)
	if d.Bootstrap, err = config.ParseDurationField("startup.bootstrap", sc.Bootstrap); err != nil {
		return d, err
	}
	if d.Injury, err = config.ParseDurationField("startup.injury", sc.Injury); err != nil {
		return d, err
	}
	if d.Transfer, err = config.ParseDurationField("startup.transfer", sc.Transfer); err != nil {
		return d, err
	}
	if d.Prediction, err = config.ParseDurationField("startup.prediction", sc.Prediction); err != nil {
		return d, err
	}
	return d, nil
}

func mapStatsConfig(cfg *config.Config) (stats.Config, error) {
	sc := cfg.Stats
	if sc.RatePerSec < 0 || sc.Burst < 0 {
		return stats.Config{}, errors.New("stats: rate_per_sec and burst must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("stats.timeout", sc.Timeout, 30*time.Second)
	if err != nil {
		return stats.Config{}, err
	}
	return stats.Config{
		BaseURL:    strings.TrimSpace(sc.BaseURL),
		Timeout:    timeout,
		RatePerSec: sc.RatePerSec,
		Burst:      sc.Burst,
		Token:      sc.Token,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStorage opens the configured store. It returns (nil, nil) when storage
// is disabled.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	return storage.Open(sc, log)
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	oc := cfg.Observability
	out := observability.Config{
		Enabled:              oc.Enabled,
		Addr:                 strings.TrimSpace(oc.Addr),
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		Pprof:                oc.Pprof,
		PprofPrefix:          oc.PprofPrefix,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// WriteTimeout stays 0 by default so /debug/pprof/profile (30s+) works.
	if out.WriteTimeout, err = config.ParseDurationField("observability.write_timeout", oc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapAlertsConfig(cfg *config.Config) (notifier.Config, error) {
	ac := cfg.Alerts
	if ac.RatePerSec < 0 || ac.RetryMax < 0 {
		return notifier.Config{}, errors.New("alerts: rate_per_sec and retry_max must be >= 0")
	}
	out := notifier.Config{
		Enabled:    ac.Enabled,
		RatePerSec: ac.RatePerSec,
		RetryMax:   ac.RetryMax,
		Workers:    1,
	}
	for i, e := range ac.Events {
		e = strings.TrimSpace(e)
		if e == "" {
			return notifier.Config{}, fmt.Errorf("alerts.events[%d]: empty event type", i)
		}
		out.Events = append(out.Events, e)
	}
	var err error
	if out.SendTimeout, err = config.ParseDurationOrDefault("alerts.timeout", ac.Timeout, 10*time.Second); err != nil {
		return notifier.Config{}, err
	}
	// Unlike other durations, an explicit "0s" here is meaningful.
	out.DedupWindow = 15 * time.Minute
	if strings.TrimSpace(ac.DedupWindow) != "" {
		if out.DedupWindow, err = config.ParseDurationField("alerts.dedup_window", ac.DedupWindow); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

// newAlertSender returns nil when no webhook is configured.
func newAlertSender(cfg *config.Config) (notifier.Sender, error) {
	ac := cfg.Alerts
	if strings.TrimSpace(ac.WebhookURL) == "" {
		if ac.Enabled {
			return nil, errors.New("alerts.webhook_url is required when alerts.enabled is true")
		}
		return nil, nil
	}
	wh, err := notifier.NewWebhook(ac.WebhookURL, strings.TrimSpace(ac.Token), nil)
	if err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}
	return wh, nil
}

// Validate checks everything a reload or the validate command must reject.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPipelineOptions(cfg); err != nil {
		return err
	}
	d, err := mapStartupDelays(cfg)
	if err != nil {
		return err
	}
	if _, err := pipeline.StartupPlan(d); err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	sc, err := mapStatsConfig(cfg)
	if err != nil {
		return err
	}
	if sc.BaseURL == "" {
		return errors.New("stats.base_url is required")
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapObservabilityConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertsConfig(cfg); err != nil {
		return err
	}
	if _, err := newAlertSender(cfg); err != nil {
		return err
	}
	scheds, err := pipeline.EffectiveSchedules(cfg.Schedules)
	if err != nil {
		return fmt.Errorf("schedules: %w", err)
	}
	var errs []error
	for _, s := range scheds {
		if _, err := scheduler.ParseTrigger(s.Trigger, cfg.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("schedules.%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
