package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/snapline/internal/db"
	"github.com/zulandar/snapline/internal/models"
	"github.com/zulandar/snapline/internal/queue"
)

func newJobsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		chainID    string
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show recent pipeline jobs",
		Long:  "Lists the most recent stage jobs, newest first, or every job of one chain with --chain.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(cmd, configPath, limit, chainID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to snapline config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of jobs to show")
	cmd.Flags().StringVar(&chainID, "chain", "", "show only the jobs of this chain")
	return cmd
}

func runJobs(cmd *cobra.Command, configPath string, limit int, chainID string) error {
	out := cmd.OutOrStdout()

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	q, err := queue.New(gormDB)
	if err != nil {
		return err
	}

	var jobs []models.Job
	if chainID != "" {
		jobs, err = q.Chain(cmd.Context(), chainID)
	} else {
		jobs, err = q.List(cmd.Context(), limit)
	}
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs.")
		return nil
	}

	fmt.Fprintln(out, renderTable(
		[]string{"Job", "Chain", "Stage", "Card", "Channel", "Status", "Attempt", "Updated", "Last Error"},
		jobRows(jobs),
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
	return nil
}

func jobRows(jobs []models.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			shortID(j.ID),
			shortID(j.ChainID),
			j.Stage,
			j.CardID,
			j.Channel,
			colorStatus(j.Status),
			fmt.Sprintf("%d/%d", j.Attempt+1, j.MaxRetries+1),
			j.UpdatedAt.Local().Format("01-02 15:04:05"),
			truncate(j.LastError, 40),
		})
	}
	return rows
}
