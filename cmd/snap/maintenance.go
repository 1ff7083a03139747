package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/snapline/internal/maintenance"
)

func newMaintenanceCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "maintenance <task>",
		Short: "Run one housekeeping task now",
		Long: `Runs a scheduled housekeeping task immediately instead of waiting for
the worker's cron schedule. Tasks: refresh-channels, purge-keys, purge-jobs,
requeue-stale.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to snapline config file")
	return cmd
}

func runMaintenance(cmd *cobra.Command, configPath, task string) error {
	a, err := loadApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	esc, err := a.newEscalator()
	if err != nil {
		return err
	}
	sched, err := maintenance.NewScheduler(a.maintenanceTasks(esc), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := sched.RunNow(cmd.Context(), task); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %s finished.\n", task)
	return nil
}
