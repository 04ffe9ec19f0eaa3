package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "2m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls the dispatcher. If omitted, it follows scheduler.enabled
	// with default sizing.
	Engine *EngineConfig `json:"engine,omitempty"`

	// Retry is the policy for refresh and prediction jobs.
	Retry *RetryConfig `json:"retry,omitempty"`

	Bootstrap BootstrapConfig `json:"bootstrap"`

	// Schedules overrides default triggers by schedule name. "off" disables one.
	//
	// Example:
	//
	//	"schedules": { "quick-data-update": "every 3 hours", "weekend-intensive-update": "off" }
	Schedules map[string]string `json:"schedules,omitempty"`

	Startup StartupConfig `json:"startup"`
	Stats   StatsConfig   `json:"stats"`

	Alerts AlertsConfig `json:"alerts,omitempty"`

	Storage       *StorageConfig      `json:"storage,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls trigger evaluation.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone for cron triggers that don't carry their own (IANA name).
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig controls the dispatcher.
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// RetryConfig: delays must have exactly max_attempts-1 entries.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts"`
	Delays      []string `json:"delays"`
}

type BootstrapConfig struct {
	Threshold int `json:"threshold,omitempty"` // default 100
}

// StartupConfig staggers the one-off runs at process start.
type StartupConfig struct {
	Disabled   bool   `json:"disabled,omitempty"`
	Bootstrap  string `json:"bootstrap,omitempty"`  // default 30s
	Injury     string `json:"injury,omitempty"`     // default 2m
	Transfer   string `json:"transfer,omitempty"`   // default 3m
	Prediction string `json:"prediction,omitempty"` // default 5m
}

// StatsConfig points at the statistics service.
type StatsConfig struct {
	BaseURL    string `json:"base_url"`
	Timeout    string `json:"timeout,omitempty"` // per request; default 30s
	JobTimeout string `json:"job_timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`
	Token      string `json:"token,omitempty"` // bearer token (do not log)
}

// AlertsConfig posts job failure alerts to a webhook.
//
// Example:
//
//	"alerts": { "enabled": true, "webhook_url": "https://hooks.example.com/statpulse", "dedup_window": "30m" }
type AlertsConfig struct {
	Enabled     bool     `json:"enabled"`
	WebhookURL  string   `json:"webhook_url,omitempty"`
	Token       string   `json:"token,omitempty"`  // bearer token (do not log)
	Events      []string `json:"events,omitempty"` // default: job.failed, job.dropped
	RatePerSec  int      `json:"rate_per_sec,omitempty"`
	RetryMax    int      `json:"retry_max,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`      // per send; default 10s
	DedupWindow string   `json:"dedup_window,omitempty"` // default 15m; "0s" disables
}

// StorageConfig controls the optional persistence of schedules and run history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./statpulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ObservabilityConfig controls the optional HTTP server for /metrics,
// /healthz, /schedules and pprof.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
