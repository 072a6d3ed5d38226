package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/appeal-assistant/evolution/internal/scheduler"
)

var jobNames = []string{
	scheduler.JobBatchAnalysis,
	scheduler.JobEvaluation,
	scheduler.JobDailyAggregation,
	scheduler.JobExplorationCycle,
}

var runCmd = &cobra.Command{
	Use:       "run <job>",
	Short:     "Run one job now through the monitored entry point",
	Long:      "Run one job now. Known jobs: " + strings.Join(jobNames, ", "),
	Args:      cobra.ExactArgs(1),
	ValidArgs: jobNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := context.Background()
		app.Start(ctx, false)

		report, err := app.Scheduler.Trigger(ctx, args[0])
		if err != nil {
			return fmt.Errorf("job %s failed: %w", args[0], err)
		}
		return printJSON(report)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the persisted health of every component",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Monitor.Restore(context.Background()); err != nil {
			return err
		}
		return printJSON(app.Monitor.Statuses())
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
