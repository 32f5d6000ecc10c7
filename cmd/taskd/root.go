package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "taskd - durable task scheduler",
	Long: `taskd runs recurring and submitted tasks from a shared work store.

Every node pointed at the same store cooperates: due rows are leased with a
conditional update, so each run happens on exactly one node at a time.

Examples:
  # run a node
  taskd run --config ./taskd.yaml

  # submit a job
  taskd submit echo '{"text":"hello"}'

  # validate a config change before deploying it
  taskd check --config ./taskd.yaml`,
	SilenceUsage: true,
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./taskd.yaml", "path to config file (yaml or json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}
