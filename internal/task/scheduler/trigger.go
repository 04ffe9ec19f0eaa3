package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidTrigger = errors.New("invalid trigger")

// TriggerKind tags the Trigger variant.
type TriggerKind int

const (
	TriggerCron TriggerKind = iota
	TriggerAfter
)

func (k TriggerKind) String() string {
	if k == TriggerAfter {
		return "after"
	}
	return "cron"
}

// Trigger is either a recurring cron expression with an optional IANA
// timezone, or a one-shot relative delay.
type Trigger struct {
	kind  TriggerKind
	expr  string
	tz    string
	delay time.Duration
}

// Cron builds a recurring trigger. Fixed intervals use "@every 2h".
func Cron(expr, tz string) Trigger {
	return Trigger{kind: TriggerCron, expr: strings.TrimSpace(expr), tz: strings.TrimSpace(tz)}
}

// After builds a one-shot trigger firing d after registration.
func After(d time.Duration) Trigger { return Trigger{kind: TriggerAfter, delay: d} }

func (t Trigger) Kind() TriggerKind    { return t.kind }
func (t Trigger) Expr() string         { return t.expr }
func (t Trigger) Timezone() string     { return t.tz }
func (t Trigger) Delay() time.Duration { return t.delay }

func (t Trigger) String() string {
	if t.kind == TriggerAfter {
		return "after " + t.delay.String()
	}
	if t.tz != "" {
		return t.expr + " (" + t.tz + ")"
	}
	return t.expr
}

// spec is the expression handed to robfig/cron, with the timezone folded in.
func (t Trigger) spec() string {
	if t.tz != "" && !strings.HasPrefix(t.expr, "CRON_TZ=") && !strings.HasPrefix(t.expr, "TZ=") {
		return "CRON_TZ=" + t.tz + " " + t.expr
	}
	return t.expr
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the trigger without side effects.
func (t Trigger) Validate() error {
	_, err := t.schedule()
	return err
}

func (t Trigger) schedule() (cron.Schedule, error) {
	switch t.kind {
	case TriggerAfter:
		if t.delay <= 0 {
			return nil, fmt.Errorf("%w: delay must be > 0, got %s", ErrInvalidTrigger, t.delay)
		}
		return nil, nil
	case TriggerCron:
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidTrigger, t.kind)
	}
	if t.expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidTrigger)
	}
	if t.tz != "" {
		if _, err := time.LoadLocation(t.tz); err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidTrigger, t.tz, err)
		}
	}
	if every, ok := strings.CutPrefix(t.expr, "@every"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(every))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: %q: interval must be a positive duration", ErrInvalidTrigger, t.expr)
		}
	}
	sched, err := cronParser.Parse(t.spec())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTrigger, t.expr, err)
	}
	return sched, nil
}

// NextFire reports the first firing strictly after from.
func (t Trigger) NextFire(from time.Time) (time.Time, error) {
	sched, err := t.schedule()
	if err != nil {
		return time.Time{}, err
	}
	if t.kind == TriggerAfter {
		return from.Add(t.delay), nil
	}
	return sched.Next(from), nil
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reWordSpan = regexp.MustCompile(`^(\d+)\s*(second|minute|hour|day)s?$`)
)

// ParseTrigger parses a configured schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "30 6,18 * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Interval words: "every 2 hours", "every 15 minutes"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
//   - "after:" makes a one-shot trigger
//
// Intervals become "@every" cron triggers. tz applies to cron forms.
func ParseTrigger(raw, tz string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, fmt.Errorf("%w: schedule required", ErrInvalidTrigger)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Trigger{}, fmt.Errorf("%w: cron schedule required after 'cron:'", ErrInvalidTrigger)
		}
		return validated(Cron(expr, tz))
	case strings.HasPrefix(low, "after:"):
		d, err := parseInterval(s[len("after:"):])
		if err != nil {
			return Trigger{}, err
		}
		return After(d), nil
	case strings.HasPrefix(low, "interval:"):
		return everyTrigger(s[len("interval:"):], tz)
	case strings.HasPrefix(low, "every:"):
		return everyTrigger(s[len("every:"):], tz)
	case strings.HasPrefix(low, "every "):
		return everyTrigger(s[len("every "):], tz)
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return validated(Cron(s, tz))
	}
	if reHHMM.MatchString(s) {
		return everyTrigger(s, tz)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return everyTrigger(s, tz)
	}

	return Trigger{}, fmt.Errorf(
		"%w: %q (use cron like '0 */2 * * *', HH:MM like '02:30', or duration like '55m')",
		ErrInvalidTrigger, raw,
	)
}

func validated(t Trigger) (Trigger, error) {
	if err := t.Validate(); err != nil {
		return Trigger{}, err
	}
	return t, nil
}

func everyTrigger(v, tz string) (Trigger, error) {
	d, err := parseInterval(v)
	if err != nil {
		return Trigger{}, err
	}
	return validated(Cron("@every "+d.String(), tz))
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidTrigger)
	}
	var d time.Duration
	switch {
	case reHHMM.MatchString(v):
		m := reHHMM.FindStringSubmatch(v)
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidTrigger, v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	case reWordSpan.MatchString(v):
		m := reWordSpan.FindStringSubmatch(v)
		n, _ := strconv.Atoi(m[1])
		unit := map[string]time.Duration{"second": time.Second, "minute": time.Minute, "hour": time.Hour, "day": 24 * time.Hour}[m[2]]
		d = time.Duration(n) * unit
	default:
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", ErrInvalidTrigger, v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidTrigger)
	}
	return d, nil
}
