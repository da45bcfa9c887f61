package whatsapp

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/types"
)

// HealthMonitorConfig configures proactive connection health monitoring.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often to perform health checks.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is how long the connection may stay quiet before
	// the client state is double-checked.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter forces a reconnect after this much silence even
	// when the client reports connected (0 = disabled).
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`

	// PingInterval is how often an available presence is sent.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultHealthMonitorConfig returns sensible defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 15 * time.Minute,
		PingInterval:        2 * time.Minute,
	}
}

// StartHealthMonitor runs the health check and pinger loops until ctx is
// cancelled.
func (w *WhatsApp) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	def := DefaultHealthMonitorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = def.MaxSilentDuration
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	go w.every(ctx, cfg.CheckInterval, func() {
		w.performHealthCheck(cfg, time.Now())
	})
	go w.every(ctx, cfg.PingInterval, func() {
		if w.getState() != StateConnected || w.client == nil {
			return
		}
		if err := w.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
			w.logger.Warn("whatsapp: pinger failed", "error", err)
			return
		}
		w.UpdateLastMsgTime()
	})
	w.logger.Info("whatsapp: health monitor started",
		"check_interval", cfg.CheckInterval,
		"ping_interval", cfg.PingInterval)
}

func (w *WhatsApp) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// performHealthCheck reconnects when the connection has been silent too
// long and the client disagrees with our state, or when silence exceeds
// ForceReconnectAfter. It reports whether a reconnect was triggered.
func (w *WhatsApp) performHealthCheck(cfg HealthMonitorConfig, now time.Time) bool {
	if w.getState() != StateConnected {
		return false
	}

	silent := now.Sub(w.getLastMsgTime())
	if silent <= cfg.MaxSilentDuration {
		return false
	}
	w.logger.Warn("whatsapp: connection silent for too long", "silent", silent)

	clientDown := w.client != nil && !w.client.IsConnected()
	forced := cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter
	if !clientDown && !forced {
		return false
	}

	w.setState(StateReconnecting)
	w.connected.Store(false)
	go w.attemptReconnect()
	return true
}

func (w *WhatsApp) getLastMsgTime() time.Time {
	if v := w.lastMsg.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// UpdateLastMsgTime records inbound activity.
func (w *WhatsApp) UpdateLastMsgTime() {
	w.lastMsg.Store(time.Now())
}
