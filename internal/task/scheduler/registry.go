package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"statpulse/internal/storage"
	"statpulse/internal/task/job"
	logx "statpulse/pkg/logx"
)

// Entry is one registered schedule.
type Entry struct {
	Name      string
	Job       *job.Job
	Trigger   Trigger
	UpdatedAt time.Time
}

// ScheduleStore persists registry metadata. storage.Store satisfies it.
type ScheduleStore interface {
	PutSchedule(ctx context.Context, r storage.ScheduleRecord) error
	DeleteSchedule(ctx context.Context, name string) error
}

// Registry maps schedule names to entries. Upsert by name keeps repeated
// registration (restarts, config reloads) idempotent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	gen     uint64

	store   ScheduleStore
	log     logx.Logger
	changed chan struct{}
}

type RegistryOption func(*Registry)

func WithStore(st ScheduleStore) RegistryOption {
	return func(r *Registry) { r.store = st }
}

func NewRegistry(log logx.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: map[string]Entry{},
		log:     log.With(logx.String("comp", "registry")),
		changed: make(chan struct{}, 1),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Upsert validates the trigger, then replaces any entry with the same name.
// The change is picked up by the scheduler on its next sync; a run already
// in flight under the old entry is left alone.
func (r *Registry) Upsert(ctx context.Context, name string, j *job.Job, t Trigger) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name is required")
	}
	if j == nil {
		return fmt.Errorf("schedule %s: job is nil", name)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	e := Entry{Name: name, Job: j, Trigger: t, UpdatedAt: time.Now()}
	r.mu.Lock()
	_, replaced := r.entries[name]
	r.entries[name] = e
	r.gen++
	r.mu.Unlock()
	r.notify()

	r.log.Debug("schedule upserted", logx.String("schedule", name), logx.String("job", j.Name()), logx.String("trigger", t.String()), logx.Bool("replaced", replaced))

	if r.store != nil {
		if err := r.store.PutSchedule(ctx, recordOf(e)); err != nil {
			r.log.Warn("schedule not persisted", logx.String("schedule", name), logx.Err(err))
			return fmt.Errorf("persist schedule %s: %w", name, err)
		}
	}
	return nil
}

// Remove deletes the entry. It reports whether one existed.
func (r *Registry) Remove(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	_, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
		r.gen++
	}
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	r.notify()
	r.log.Debug("schedule removed", logx.String("schedule", name))

	if r.store != nil {
		if err := r.store.DeleteSchedule(ctx, name); err != nil {
			return true, fmt.Errorf("delete schedule %s: %w", name, err)
		}
	}
	return true, nil
}

// removeIf drops name only if it still holds the entry stamped at.
func (r *Registry) removeIf(name string, at time.Time) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok && e.UpdatedAt.Equal(at) {
		delete(r.entries, name)
		r.gen++
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		r.notify()
	}
	return ok
}

func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[strings.TrimSpace(name)]
	r.mu.RUnlock()
	return e, ok
}

// List returns a snapshot sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Generation increases on every change.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// Changed is signalled (coalesced) after every change.
func (r *Registry) Changed() <-chan struct{} { return r.changed }

func (r *Registry) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func recordOf(e Entry) storage.ScheduleRecord {
	rec := storage.ScheduleRecord{
		Name:      e.Name,
		Job:       e.Job.Name(),
		Kind:      e.Trigger.Kind().String(),
		UpdatedAt: e.UpdatedAt,
	}
	if e.Trigger.Kind() == TriggerAfter {
		rec.Delay = e.Trigger.Delay()
	} else {
		rec.Expr = e.Trigger.Expr()
		rec.Timezone = e.Trigger.Timezone()
	}
	return rec
}
