package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"statpulse/internal/config"
	"statpulse/internal/pipeline"
	"statpulse/internal/task/scheduler"
)

func newSchedulesCommand(cfgPath func() string) *cobra.Command {
	var next int
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List the effective schedules and their next firing times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(cfgPath()).Load()
			if err != nil {
				return err
			}
			return printSchedules(cmd, cfg, time.Now(), next)
		},
	}
	cmd.Flags().IntVarP(&next, "next", "n", 1, "number of upcoming firing times to show")
	return cmd
}

func printSchedules(cmd *cobra.Command, cfg *config.Config, now time.Time, next int) error {
	if next < 1 {
		next = 1
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	loc := time.Local
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}
	scheds, err := pipeline.EffectiveSchedules(cfg.Schedules)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tJOB\tTRIGGER\tNEXT")
	for _, s := range scheds {
		t, err := scheduler.ParseTrigger(s.Trigger, tz)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", s.Name, err)
		}
		fires := make([]string, 0, next)
		from := now
		for i := 0; i < next; i++ {
			at, err := t.NextFire(from)
			if err != nil || at.IsZero() {
				break
			}
			fires = append(fires, at.In(loc).Format("Mon 2006-01-02 15:04 MST"))
			from = at
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Job, t.String(), strings.Join(fires, ", "))
	}
	return w.Flush()
}
