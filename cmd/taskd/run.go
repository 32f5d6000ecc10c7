package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taskd/internal/app"
	"taskd/pkg/logx"
	"taskd/pkg/systemd"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a scheduler node until SIGINT/SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var a *app.App
		a, err := app.New(cfgPath,
			app.WithTasks(demoTasks()...),
			app.WithReady(func() {
				if _, err := systemd.Ready(); err != nil {
					a.Logger().Warn("sd_notify ready failed", logx.Err(err))
				}
				_, _ = systemd.Status("scheduling")
			}),
		)
		if err != nil {
			return err
		}

		go func() {
			if err := systemd.Watchdog(ctx); err != nil {
				a.Logger().Warn("systemd watchdog stopped", logx.Err(err))
			}
		}()
		go func() {
			<-ctx.Done()
			_, _ = systemd.Stopping()
		}()

		return a.Run(ctx)
	},
}
