// Package systemd reports service state to systemd over sd_notify. Every call
// is a no-op when the process was not started with NOTIFY_SOCKET.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"notibell/pkg/logx"
)

type Notifier struct {
	enabled  bool
	watchdog bool
	log      logx.Logger
}

func New(notify, watchdog bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: notify, watchdog: notify && watchdog, log: log}
}

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready reports startup complete.
func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

// Watchdog pings WATCHDOG=1 at half the interval systemd asked for, while
// healthy reports true. It returns when ctx ends, or at once when the unit
// has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	if n == nil || !n.watchdog {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		if err != nil {
			n.log.Warn("watchdog config invalid", logx.Err(err))
		}
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	n.log.Info("watchdog armed", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping skipped; unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
