package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"statpulse/internal/task/scheduler"
	logx "statpulse/pkg/logx"
)

// Schedule binds a schedule name to a job and its trigger expression.
type Schedule struct {
	Name    string
	Job     string
	Trigger string
}

// DefaultSchedules is the recurring cadence registered at startup.
func DefaultSchedules() []Schedule {
	return []Schedule{
		{Name: "full-data-update", Job: JobFullUpdate, Trigger: "0 6,18 * * *"},
		{Name: "quick-data-update", Job: JobQuickUpdate, Trigger: "0 */2 * * *"},
		{Name: "injury-updates", Job: JobInjuryUpdate, Trigger: "0 8,14,20 * * *"},
		{Name: "transfer-news-updates", Job: JobTransferUpdate, Trigger: "0 */4 * * *"},
		{Name: "prediction-analysis", Job: JobPredictionAnalysis, Trigger: "30 6,18 * * *"},
		{Name: "weekend-predictions", Job: JobWeekendPredictions, Trigger: "0 10 * * 6"},
		{Name: "weekend-intensive-update", Job: JobFullUpdate, Trigger: "0 * * * 0,6"},
	}
}

// disabledTrigger in an override removes the schedule.
func disabledTrigger(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "disabled", "none", "-":
		return true
	}
	return false
}

// EffectiveSchedules applies per-name trigger overrides to the defaults.
// Overrides for unknown names are an error; "off" drops a schedule.
func EffectiveSchedules(overrides map[string]string) ([]Schedule, error) {
	defs := DefaultSchedules()
	known := make(map[string]int, len(defs))
	for i, s := range defs {
		known[s.Name] = i
	}
	var unknown []string
	for name := range overrides {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown schedules: %s", strings.Join(unknown, ", "))
	}

	out := make([]Schedule, 0, len(defs))
	for _, s := range defs {
		if raw, ok := overrides[s.Name]; ok {
			if disabledTrigger(raw) {
				continue
			}
			s.Trigger = strings.TrimSpace(raw)
		}
		out = append(out, s)
	}
	return out, nil
}

// RegisterSchedules upserts the effective schedules and removes disabled
// ones. It is safe to call again on reload. Invalid triggers are reported
// together; valid ones are still registered.
func RegisterSchedules(ctx context.Context, reg *scheduler.Registry, jobs *Jobs, overrides map[string]string, tz string, log logx.Logger) error {
	scheds, err := EffectiveSchedules(overrides)
	if err != nil {
		return err
	}
	want := make(map[string]struct{}, len(scheds))
	var errs []error
	for _, s := range scheds {
		want[s.Name] = struct{}{}
		j, ok := jobs.Get(s.Job)
		if !ok {
			errs = append(errs, fmt.Errorf("schedule %s: unknown job %s", s.Name, s.Job))
			continue
		}
		t, err := scheduler.ParseTrigger(s.Trigger, tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", s.Name, err))
			continue
		}
		if err := reg.Upsert(ctx, s.Name, j, t); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range DefaultSchedules() {
		if _, ok := want[s.Name]; ok {
			continue
		}
		if removed, err := reg.Remove(ctx, s.Name); err != nil {
			errs = append(errs, err)
		} else if removed {
			log.Info("schedule disabled", logx.String("schedule", s.Name))
		}
	}
	return errors.Join(errs...)
}
