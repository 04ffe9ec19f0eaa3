package notifier

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled bool
	// Events are event-type prefixes to alert on. Empty means job.failed and
	// job.dropped.
	Events          []string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Alert is one notification about a run. It is the webhook body.
type Alert struct {
	Event    string    `json:"event"`
	Job      string    `json:"job"`
	Schedule string    `json:"schedule,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Sender delivers one alert.
type Sender interface {
	Send(ctx context.Context, a Alert) error
}

type HistoryItem struct {
	At    time.Time
	Alert Alert
}

// AlertEvent is emitted on the event bus for notifier lifecycle events.
type AlertEvent struct {
	Key   string    `json:"key"`
	Job   string    `json:"job"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
