// Package systemd reports service state to systemd through sd_notify. Every
// call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports that startup finished. sent is false outside systemd.
func Ready() (sent bool, err error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping reports that shutdown began.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func Status(format string, args ...any) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+fmt.Sprintf(format, args...))
}

// Watchdog pings the systemd watchdog at half its configured interval until
// ctx is done. It returns immediately when no watchdog is configured.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
