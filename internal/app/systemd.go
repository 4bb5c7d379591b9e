package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "signalblast/pkg/logx"
)

// sdNotify sends state to the service manager. Outside systemd it is a no-op.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}

// startWatchdog pings the systemd watchdog at half the configured interval.
func (a *App) startWatchdog() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.sdNotify(daemon.SdNotifyWatchdog)
			}
		}
	})
}
