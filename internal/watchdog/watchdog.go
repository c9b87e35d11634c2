// Package watchdog keeps the systemd watchdog fed while the manager serves.
package watchdog

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/developer-mesh/integration-manager/pkg/observability"
)

// NotifyFunc sends a state string to the supervisor. It reports false
// when no supervisor socket is configured.
type NotifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Config configures the watchdog
type Config struct {
	// KeepAlive is the supervisor's watchdog timeout
	KeepAlive time.Duration
	// HealthURL is fetched before every notification and must answer 200
	HealthURL string
	Timeout   time.Duration
}

// Watchdog notifies the supervisor while the process is healthy
type Watchdog struct {
	cfg     Config
	healthy func() bool
	notify  NotifyFunc
	http    *http.Client
	logger  observability.Logger
}

// New creates a watchdog. healthy reports whether the serving loop is
// still running.
func New(cfg Config, healthy func() bool, logger observability.Logger) *Watchdog {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if healthy == nil {
		healthy = func() bool { return true }
	}
	return &Watchdog{
		cfg:     cfg,
		healthy: healthy,
		notify:  daemon.SdNotify,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.WithPrefix("watchdog"),
	}
}

// Interval is the notification cadence, one second below KeepAlive
func (w *Watchdog) Interval() time.Duration {
	if w.cfg.KeepAlive <= 2*time.Second {
		return w.cfg.KeepAlive / 2
	}
	return w.cfg.KeepAlive - time.Second
}

// Ready tells the supervisor that startup finished
func (w *Watchdog) Ready() {
	sent, err := w.notify(false, daemon.SdNotifyReady)
	if err != nil {
		w.logger.Warn("Failed to notify supervisor readiness", map[string]interface{}{"error": err.Error()})
		return
	}
	if !sent {
		w.logger.Debug("No supervisor socket, readiness not sent", nil)
	}
}

// Run notifies the supervisor every Interval until ctx is done. It returns
// early when no supervisor is listening.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.cfg.KeepAlive <= 0 {
		return nil
	}

	interval := w.Interval()
	w.logger.Info("Watchdog started", map[string]interface{}{
		"interval": interval.String(),
		"url":      w.cfg.HealthURL,
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		sent, err := w.Beat(ctx)
		if err != nil {
			w.logger.Warn("Watchdog notification skipped", map[string]interface{}{"error": err.Error()})
			continue
		}
		if !sent {
			w.logger.Warn("No supervisor watchdog socket, stopping watchdog", nil)
			return nil
		}
	}
}

// Beat checks health and sends one WATCHDOG=1. It reports whether the
// notification reached a supervisor.
func (w *Watchdog) Beat(ctx context.Context) (bool, error) {
	if !w.healthy() {
		return true, fmt.Errorf("serving loop is not running")
	}
	if err := w.probe(ctx); err != nil {
		return true, err
	}
	return w.notify(false, daemon.SdNotifyWatchdog)
}

func (w *Watchdog) probe(ctx context.Context) error {
	if w.cfg.HealthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}
