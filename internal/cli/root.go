// Package cli is the statpulse command line.
package cli

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./statpulse.yaml"

// NewRootCommand builds the command tree. Each call returns a fresh tree.
func NewRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "statpulse",
		Short: "Scheduled refresh and prediction jobs for the stats service",
		Long: `statpulse keeps the stats service fresh: it runs refresh, prediction and
historical-collection jobs on cron schedules, retries failures with a fixed
backoff and bootstraps an empty history on first start.

Run the daemon:
  statpulse run --config ./statpulse.yaml

Check a config before deploying it:
  statpulse validate --config ./statpulse.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config file (.json or .yaml)")

	path := func() string { return cfgPath }
	root.AddCommand(
		newRunCommand(path),
		newValidateCommand(path),
		newSchedulesCommand(path),
		newRunsCommand(path),
	)
	return root
}

func Execute() error {
	return NewRootCommand().Execute()
}
