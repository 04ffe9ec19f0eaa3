package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"statpulse/internal/app"
	logx "statpulse/pkg/logx"
	"statpulse/pkg/systemd"
)

func newRunCommand(cfgPath func() string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: `Start the dispatcher, register the schedules and enqueue the startup runs.

SIGINT and SIGTERM stop gracefully. SIGHUP reloads the config file (the file
is also watched for changes).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), cfgPath(), stopTimeout)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runDaemon(parent context.Context, cfgPath string, stopTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	log := logx.NewConsole("INFO").With(logx.String("comp", "main"))
	sd := systemd.NewNotifier(log)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	sd.Ready()
	sd.Status(fmt.Sprintf("%d schedules", len(a.Registry().List())))

	go func() {
		if err := sd.Watchdog(ctx); err != nil {
			log.Warn("systemd watchdog disabled", logx.Err(err))
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				sd.Reloading()
				if _, err := a.Reload(ctx); err != nil {
					log.Warn("config reload failed", logx.Err(err))
				}
				sd.Ready()
				continue
			case syscall.SIGINT:
				reason = app.StopSIGINT
			default:
				reason = app.StopSIGTERM
			}
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			if parent.Err() != nil {
				reason = app.StopAppStop
			}
			break loop
		}
	}

	sd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		return errors.Join(fmt.Errorf("fatal: %w", a.Err()), stopErr)
	}
	return stopErr
}
