package engine

import (
	"context"
	"sync"
	"time"

	"statpulse/internal/storage"
	"statpulse/internal/task/job"
)

// Config controls the dispatcher.
//
// The scheduler is trigger-only; execution settings belong here.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds an attempt when the job has no timeout of its own.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops runs that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

// State is the lifecycle position of one run.
type State int

const (
	StatePending State = iota
	StateRunning
	StateAwaitingRetry
	StateSucceeded
	StateFailedTerminal
	StateSkipped
	StateDropped
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateAwaitingRetry:
		return "awaiting_retry"
	case StateSucceeded:
		return "succeeded"
	case StateFailedTerminal:
		return "failed_terminal"
	case StateSkipped:
		return "skipped"
	case StateDropped:
		return "dropped"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailedTerminal, StateSkipped, StateDropped, StateAbandoned:
		return true
	}
	return false
}

// Record is one execution attempt (or a skip/drop). Outcome is
// StateAwaitingRetry for failed attempts that will be retried.
type Record struct {
	RunID      string        `json:"run_id"`
	Job        string        `json:"job"`
	Schedule   string        `json:"schedule,omitempty"`
	Attempt    int           `json:"attempt"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Outcome    State         `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}

func (r Record) storageRecord() storage.RunRecord {
	return storage.RunRecord{
		RunID:      r.RunID,
		Job:        r.Job,
		Schedule:   r.Schedule,
		Attempt:    r.Attempt,
		Outcome:    r.Outcome.String(),
		Started:    r.Started,
		QueueDelay: r.QueueDelay.Milliseconds(),
		TookMS:     r.Duration.Milliseconds(),
		Error:      r.Error,
	}
}

// RunState is the per-schedule slot. It is held from Pending until the run
// reaches a terminal state, including while it waits for a retry.
type RunState struct {
	mu    sync.Mutex
	runID string
	phase State
	since time.Time
}

func (s *RunState) tryAcquire(runID string, now time.Time) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID != "" {
		return false
	}
	s.runID = runID
	s.phase = StatePending
	s.since = now
	return true
}

func (s *RunState) set(phase State, now time.Time) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.phase = phase
	s.since = now
	s.mu.Unlock()
}

func (s *RunState) release(runID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.runID == runID {
		s.runID = ""
		s.phase = StateSucceeded
	}
	s.mu.Unlock()
}

func (s *RunState) view() (runID string, phase State, since time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID, s.phase, s.since
}

// ScheduleState is a snapshot of an occupied schedule slot.
type ScheduleState struct {
	Schedule string
	RunID    string
	Phase    State
	Since    time.Time
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	PendingTimers int
	Active        []ScheduleState

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []Record
}

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Implementations must not call f synchronously.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RunSink receives every Record. storage.Store satisfies it.
type RunSink interface {
	AppendRun(ctx context.Context, r storage.RunRecord) error
}

// run is one logical execution of a job across all of its attempts.
// Only the goroutine that currently owns it (worker or timer) touches it.
type run struct {
	id         string
	job        *job.Job
	schedule   string
	attempt    int
	enqueuedAt time.Time
	state      *RunState
	done       chan error
	history    []string
}
