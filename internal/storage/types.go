package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": jsonl journal + snapshot next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ScheduleRecord is the persisted form of a registry entry.
// The job itself is code; only its name is stored.
type ScheduleRecord struct {
	Name      string        `json:"name"`
	Job       string        `json:"job"`
	Kind      string        `json:"kind"`
	Expr      string        `json:"expr,omitempty"`
	Timezone  string        `json:"tz,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// RunRecord is one job execution attempt outcome.
// Keep it compact and schema-stable.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	Schedule   string    `json:"schedule,omitempty"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Started    time.Time `json:"started"`
	QueueDelay int64     `json:"queue_delay_ms"`
	TookMS     int64     `json:"took_ms"`
	Error      string    `json:"err,omitempty"`
}
