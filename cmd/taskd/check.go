package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskd/internal/config"
	"taskd/internal/task/scheduler"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "validate the config file against the registered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewManager(cfgPath).Load()
		if err != nil {
			return err
		}
		sc, err := cfg.SchedulerConfig()
		if err != nil {
			return err
		}
		if err := scheduler.Check(sc, demoTasks()...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
		return nil
	},
}
