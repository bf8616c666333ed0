package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "digestbot/pkg/logx"
)

// notifyReady tells systemd (Type=notify units) that startup finished. Outside systemd it
// is a no-op.
func notifyReady(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyReady)
}

func notifyStopping(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyStopping)
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half its interval until ctx is done.
func watchdogLoop(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
