package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"statpulse/internal/task/engine"
	"statpulse/internal/task/job"
	logx "statpulse/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/London"; empty means Local
}

// Dispatcher executes due jobs. *engine.Service satisfies it.
type Dispatcher interface {
	Dispatch(scheduleName string, j *job.Job) (string, error)
}

// applied is what the running cron currently holds for one registry entry.
type applied struct {
	entryID   cron.EntryID
	trigger   Trigger
	job       *job.Job
	updatedAt time.Time
	timer     *time.Timer // After triggers only
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	reg  *Registry
	disp Dispatcher

	c       *cron.Cron
	applied map[string]*applied
	gen     uint64

	stopCh chan struct{}
	doneCh chan struct{}

	// Enqueue error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string
	Job     string
	Trigger string
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
	Engine    *engine.Snapshot
}
