package config

import (
	"reflect"
	"sort"
	"strings"

	logx "statpulse/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oE, nE := derefEngine(oldCfg.Engine), derefEngine(newCfg.Engine)
	if (oldCfg.Engine != nil) != (newCfg.Engine != nil) || !reflect.DeepEqual(oE, nE) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", nE.Workers),
			logx.Int("engine.queue_size", nE.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(nE.DefaultTimeout)),
			logx.String("engine.max_queue_delay", strings.TrimSpace(nE.MaxQueueDelay)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		if newCfg.Retry != nil {
			attrs = append(attrs,
				logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
				logx.Strs("retry.delays", newCfg.Retry.Delays),
			)
		}
	}

	if oldCfg.Bootstrap != newCfg.Bootstrap {
		changed = append(changed, "bootstrap")
		attrs = append(attrs, logx.Int("bootstrap.threshold", newCfg.Bootstrap.Threshold))
	}

	if names := changedSchedules(oldCfg.Schedules, newCfg.Schedules); len(names) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Strs("schedules.changed", names))
	}

	if oldCfg.Startup != newCfg.Startup {
		changed = append(changed, "startup")
	}

	oS, nS := oldCfg.Stats, newCfg.Stats
	if oS.BaseURL != nS.BaseURL || oS.Timeout != nS.Timeout || oS.JobTimeout != nS.JobTimeout ||
		oS.RatePerSec != nS.RatePerSec || oS.Burst != nS.Burst ||
		(strings.TrimSpace(oS.Token) != "") != (strings.TrimSpace(nS.Token) != "") {
		changed = append(changed, "stats")
		attrs = append(attrs,
			logx.String("stats.base_url", strings.TrimSpace(nS.BaseURL)),
			logx.Int("stats.rate_per_sec", nS.RatePerSec),
			logx.Bool("stats.token_set", strings.TrimSpace(nS.Token) != ""),
		)
	}

	oA, nA := oldCfg.Alerts, newCfg.Alerts
	oA.Token, nA.Token = tokenMark(oA.Token), tokenMark(nA.Token)
	if !reflect.DeepEqual(oA, nA) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", nA.Enabled),
			logx.Strs("alerts.events", nA.Events),
			logx.Bool("alerts.token_set", nA.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
				logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			)
		}
	}

	oO, nO := oldCfg.Observability, newCfg.Observability
	oO.Token, nO.Token = tokenMark(oO.Token), tokenMark(nO.Token)
	if oO != nO {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", nO.Enabled),
			logx.String("observability.addr", strings.TrimSpace(nO.Addr)),
			logx.Bool("observability.pprof", nO.Pprof),
			logx.Bool("observability.token_set", nO.Token != ""),
		)
	}

	return changed, attrs
}

// RequiresRestart lists changed sections that only take effect on restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "engine", "retry", "bootstrap", "startup", "stats", "storage":
			out = append(out, s)
		}
	}
	return out
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}

// tokenMark hides the token value but keeps set/unset visible to comparison.
func tokenMark(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func changedSchedules(a, b map[string]string) []string {
	var out []string
	for k, v := range a {
		if nv, ok := b[k]; !ok || strings.TrimSpace(nv) != strings.TrimSpace(v) {
			out = append(out, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
