package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"statpulse/internal/app"
	"statpulse/internal/config"
	logx "statpulse/pkg/logx"
)

func newRunsCommand(cfgPath func() string) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent job runs from storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(cfgPath()).Load()
			if err != nil {
				return err
			}
			st, err := app.OpenStorage(cfg, logx.Nop())
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("storage is disabled; set storage.driver to keep run history")
			}
			defer st.Close()

			runs, err := st.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tJOB\tSCHEDULE\tATTEMPT\tOUTCOME\tTOOK\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%dms\t%s\n",
					r.Started.Format("2006-01-02 15:04:05"), r.Job, dash(r.Schedule), r.Attempt, r.Outcome, r.TookMS, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
