// Package systemd integrates the agent with its service manager.
//
// The agent unit is Type=notify: READY=1 is sent only once the socket is
// listening, so mcbridge.service can order itself After= the agent without
// racing the listener. The socket may instead come from a mcbridge-agent.socket
// unit, in which case it is passed in via LISTEN_FDS.
//
// Everything here degrades to a no-op outside systemd.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady sends READY=1. It returns whether a notification was sent.
func NotifyReady() bool {
	return notify(daemon.SdNotifyReady, "ready")
}

// NotifyStopping sends STOPPING=1 so systemd waits for in-flight plans.
func NotifyStopping() bool {
	return notify(daemon.SdNotifyStopping, "stopping")
}

// NotifyStatus publishes a one-line status shown by systemctl status.
func NotifyStatus(format string, args ...any) bool {
	return notify("STATUS="+fmt.Sprintf(format, args...), "status")
}

func notify(state, name string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("systemd notification failed", "notification", name, "error", err)
		return false
	}
	if sent {
		slog.Debug("sent systemd notification", "notification", name)
	}
	return sent
}

// HealthCheckFunc reports whether the service is healthy.
type HealthCheckFunc func() bool

// StartWatchdog feeds the watchdog every half WatchdogSec while healthy
// reports true. An unhealthy agent is left unfed so systemd restarts it.
// It returns at once when the unit has no WatchdogSec.
func StartWatchdog(ctx context.Context, healthy HealthCheckFunc) {
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		slog.Warn("watchdog settings unreadable", "error", err)
		return
	}
	if timeout == 0 {
		return
	}
	slog.Info("watchdog enabled", "timeout", timeout)

	w := &watchdog{healthy: healthy, ok: true}
	go func() {
		t := time.NewTicker(timeout / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				w.tick()
			}
		}
	}()
}

type watchdog struct {
	healthy HealthCheckFunc
	ok      bool
}

// tick feeds the watchdog if healthy and publishes health changes as
// status. It reports whether a keep-alive was sent.
func (w *watchdog) tick() bool {
	ok := w.healthy()
	if ok != w.ok {
		w.ok = ok
		if ok {
			NotifyStatus("ready again")
		} else {
			slog.Warn("agent not ready, withholding watchdog keep-alive")
			NotifyStatus("not ready, withholding watchdog")
		}
	}
	if !ok {
		return false
	}
	return notify(daemon.SdNotifyWatchdog, "watchdog")
}

// ActivationListener returns the unix listener passed by socket activation.
// ok is false when the process was not socket-activated.
func ActivationListener() (ln net.Listener, ok bool, err error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, false, fmt.Errorf("socket activation: %w", err)
	}
	for _, l := range listeners {
		if l == nil {
			continue
		}
		if l.Addr().Network() != "unix" {
			l.Close()
			continue
		}
		if ln != nil {
			l.Close()
			continue
		}
		ln = l
	}
	return ln, ln != nil, nil
}

// IsRunningUnderSystemd reports whether NOTIFY_SOCKET is set.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
