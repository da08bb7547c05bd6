package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/go-inquest/internal/config"
	"github.com/basket/go-inquest/internal/cron"
)

func newDaemonCmd(c *cli) *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled scans until interrupted",
		Long: `Runs proactive scans on the configured cron schedule (scan.schedule) and
reloads prompts and agent definitions when files in the home directory change.
A tick that lands while a scan is still running is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if schedule == "" {
				schedule = c.cfg.Scan.Schedule
			}
			if schedule == "" {
				return errors.New("no schedule: set scan.schedule in config.yaml or pass --schedule")
			}

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := cron.NewScheduler(cron.Config{
				Schedule: schedule,
				Scanner:  a.orchestrator,
				Logger:   c.logger,
			})
			if err != nil {
				return fmt.Errorf("schedule %q: %w", schedule, err)
			}

			watcher := config.NewWatcher(c.cfg, c.logger)
			if err := watcher.Start(ctx); err != nil {
				return fmt.Errorf("config watcher: %w", err)
			}
			go func() {
				for ev := range watcher.Events() {
					if err := a.reload(); err != nil {
						c.logger.Error("reload rejected; previous configuration retained", "path", ev.Path, "error", err)
						continue
					}
					c.logger.Info("configuration reloaded", "path", ev.Path, "agents", len(a.agents.IDs()))
				}
			}()

			sched.Start(ctx)
			c.logger.Info("daemon started", "schedule", schedule, "next_scan", sched.Next(), "home", c.cfg.HomeDir)

			<-ctx.Done()
			c.logger.Info("shutting down", "fired", sched.Fired(), "skipped", sched.Skipped())
			sched.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression overriding scan.schedule")
	return cmd
}
