package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/app"
)

var submitAt string

var submitCmd = &cobra.Command{
	Use:   "submit <task> [payload-json]",
	Short: "queue a jobbing task without executing it here",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := ""
		if len(args) == 2 {
			raw = args[1]
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			return err
		}
		var at time.Time
		if submitAt != "" {
			if at, err = time.Parse(time.RFC3339, submitAt); err != nil {
				return fmt.Errorf("--at: %w", err)
			}
		}

		a, err := app.New(cfgPath, app.WithTasks(demoTasks()...), app.WithSubmitOnly())
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(ctx, app.StopFatalError)
			return err
		}
		id, serr := a.Scheduler().SubmitAt(ctx, args[0], msg, at)
		if err := a.Stop(ctx, app.StopAppStop); err != nil && serr == nil {
			serr = err
		}
		if serr != nil {
			return serr
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitAt, "at", "", "earliest run time (RFC3339); default now")
}
