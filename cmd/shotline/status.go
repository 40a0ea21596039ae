package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"shotline/internal/journal"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var runID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent runs, or the tasks of one run with --run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := journal.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID != "" {
				tasks, err := store.TasksForRun(cmd.Context(), runID)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No tasks recorded for run %s.\n", runID)
					return nil
				}
				rows := make([][]string, 0, len(tasks))
				for _, task := range tasks {
					rows = append(rows, []string{
						task.Shot,
						task.Kind,
						task.State,
						strconv.FormatFloat(task.Progress*100, 'f', 1, 64) + "%",
						task.Error,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Shot", "Kind", "State", "Progress", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			}

			runs, err := store.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				rows = append(rows, []string{
					run.ID,
					run.ProjectName,
					run.State,
					formatRunTime(run.StartedAt),
					formatRunTime(run.FinishedAt),
					run.Error,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Run", "Project", "State", "Started", "Finished", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "Show the tasks of a single run")
	return cmd
}

func formatRunTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
