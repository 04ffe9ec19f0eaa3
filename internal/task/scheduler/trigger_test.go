package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseTriggerVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  TriggerKind
		expr  string
		delay time.Duration
	}{
		{name: "cron", raw: "0 */2 * * *", kind: TriggerCron, expr: "0 */2 * * *"},
		{name: "prefixed cron", raw: "cron:30 6,18 * * *", kind: TriggerCron, expr: "30 6,18 * * *"},
		{name: "descriptor", raw: "@hourly", kind: TriggerCron, expr: "@hourly"},
		{name: "duration", raw: "10m", kind: TriggerCron, expr: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: TriggerCron, expr: "@every 45s"},
		{name: "hhmm", raw: "01:30", kind: TriggerCron, expr: "@every 1h30m0s"},
		{name: "words", raw: "every 2 hours", kind: TriggerCron, expr: "@every 2h0m0s"},
		{name: "one-shot", raw: "after:2m", kind: TriggerAfter, delay: 2 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTrigger(tt.raw, "")
			if err != nil {
				t.Fatalf("ParseTrigger(%q) error: %v", tt.raw, err)
			}
			if got.Kind() != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind(), tt.kind)
			}
			if got.Expr() != tt.expr {
				t.Fatalf("Expr = %q, want %q", got.Expr(), tt.expr)
			}
			if got.Delay() != tt.delay {
				t.Fatalf("Delay = %v, want %v", got.Delay(), tt.delay)
			}
		})
	}
}

func TestParseTriggerInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "61 * * * *", "0 25 * * *", "every:0s", "01:75", "after:-5m"} {
		if _, err := ParseTrigger(raw, ""); !errors.Is(err, ErrInvalidTrigger) {
			t.Fatalf("ParseTrigger(%q) err = %v, want ErrInvalidTrigger", raw, err)
		}
	}
	if _, err := ParseTrigger("0 6 * * *", "Mars/Olympus"); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("bad timezone accepted: %v", err)
	}
}

func TestNextFire(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 3, 7, 5, 59, 0, 0, time.UTC) // Saturday

	tests := []struct {
		name string
		trig Trigger
		want time.Time
	}{
		{name: "twice daily", trig: Cron("0 6,18 * * *", "UTC"), want: time.Date(2026, 3, 7, 6, 0, 0, 0, time.UTC)},
		{name: "offset prediction", trig: Cron("30 6,18 * * *", "UTC"), want: time.Date(2026, 3, 7, 6, 30, 0, 0, time.UTC)},
		{name: "saturday slot", trig: Cron("0 10 * * 6", "UTC"), want: time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)},
		{name: "every 2h", trig: Cron("@every 2h", ""), want: from.Add(2 * time.Hour)},
		{name: "after", trig: After(3 * time.Minute), want: from.Add(3 * time.Minute)},
	}
	for _, tt := range tests {
		got, err := tt.trig.NextFire(from)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("%s: next = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCronTimezoneIsHonoured(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	from := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	got, err := Cron("0 6 * * *", "America/New_York").NextFire(from)
	if err != nil {
		t.Fatal(err)
	}
	if h := got.In(loc).Hour(); h != 6 {
		t.Fatalf("fired at %v local hour %d, want 6", got.In(loc), h)
	}
}

func TestIntervalSpreadIsStable(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	_, a := makeIntervalScheduleWithSpread(2*time.Hour, now, "quick-data-update")
	_, b := makeIntervalScheduleWithSpread(2*time.Hour, now, "quick-data-update")
	if a != b || a >= maxStartupSpread {
		t.Fatalf("spread %v / %v", a, b)
	}
	sched, off := makeIntervalScheduleWithSpread(2*time.Hour, now, "x")
	if got := sched.Next(now); !got.Equal(now.Add(2*time.Hour + off)) {
		t.Fatalf("first = %v", got)
	}
}
