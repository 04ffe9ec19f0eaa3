package scheduler

import (
	"time"

	"statpulse/internal/task/engine"
)

// Snapshot lists registered schedules with their next and previous firing
// times. eng may be nil.
func (s *Service) Snapshot(eng *engine.Service) Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	c := s.c
	loc := s.loc
	ids := make(map[string]applied, len(s.applied))
	for name, a := range s.applied {
		ids[name] = *a
	}
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	now := time.Now().In(loc)
	entries := s.reg.List()
	items := make([]ScheduleInfo, 0, len(entries))
	for _, e := range entries {
		it := ScheduleInfo{Name: e.Name, Job: e.Job.Name(), Trigger: e.Trigger.String()}
		a, ok := ids[e.Name]
		switch {
		case ok && c != nil && a.entryID != 0:
			ce := c.Entry(a.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		case e.Trigger.Kind() == TriggerAfter:
			it.Next = e.UpdatedAt.Add(e.Trigger.Delay())
		default:
			it.Next, _ = e.Trigger.NextFire(now)
		}
		items = append(items, it)
	}

	snap := Snapshot{Enabled: enabled, Timezone: tz, Schedules: items}
	if eng != nil {
		es := eng.Snapshot()
		snap.Engine = &es
	}
	return snap
}
