package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"statpulse/internal/app"
	"statpulse/internal/config"
	"statpulse/internal/pipeline"
)

func newValidateCommand(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(cfgPath()).Load()
			if err != nil {
				return err
			}
			if err := app.Validate(cfg); err != nil {
				return err
			}
			scheds, err := pipeline.EffectiveSchedules(cfg.Schedules)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d schedules)\n", cfgPath(), len(scheds))
			return nil
		},
	}
}
