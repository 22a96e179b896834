// Package supervisor runs the periodic background tasks: session health checks and
// advertisement refresh.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"tgmonitor/internal/domain"
	"tgmonitor/internal/logging"
)

const defaultHealthInterval = time.Minute

// Session is the reconnect surface of the session manager.
type Session interface {
	IsLoggedIn() bool
	State() domain.LoginState
	Reconnect(ctx context.Context) (domain.LoginState, error)
}

// Monitor is the start/stop surface of the pipeline.
type Monitor interface {
	Active() bool
	Start(ctx context.Context) domain.MonitorStartResult
	Stop()
}

// HealthChecker reconnects a dropped session and restores monitoring that was running before the drop.
type HealthChecker struct {
	session  Session
	monitor  Monitor
	interval time.Duration
	logger   *slog.Logger
}

// NewHealthChecker creates a checker.
// Params: session, monitor, check interval (<=0 selects one minute) and logger.
// Returns: checker ready for Run.
func NewHealthChecker(session Session, monitor Monitor, interval time.Duration, logger *slog.Logger) *HealthChecker {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthChecker{
		session:  session,
		monitor:  monitor,
		interval: interval,
		logger:   logging.Component(logger, "health"),
	}
}

// Run checks on every tick until ctx is cancelled.
// Params: ctx tied to process shutdown.
// Returns: nil on shutdown.
func (h *HealthChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check runs one health pass.
// Params: ctx for the reconnect and restart calls.
// Returns: resulting login state.
func (h *HealthChecker) Check(ctx context.Context) domain.LoginState {
	if h.session.IsLoggedIn() {
		h.logger.Debug("session healthy")
		return domain.LoggedIn
	}
	if state := h.session.State(); state == domain.WaitingForVerificationCode || state == domain.WaitingForPassword {
		h.logger.Debug("login in progress, skipping reconnect", "state", state.String())
		return state
	}

	wasActive := h.monitor.Active()
	h.logger.Warn("session dropped, reconnecting", "monitor_was_active", wasActive)
	state, err := h.session.Reconnect(ctx)
	if err != nil {
		h.logger.Error("reconnect failed", "error", err.Error())
		return state
	}
	if state != domain.LoggedIn {
		h.logger.Warn("reconnect needs interaction", "state", state.String())
		return state
	}

	h.logger.Info("session restored")
	if wasActive {
		h.monitor.Stop()
		result := h.monitor.Start(ctx)
		h.logger.Info("monitor restarted", "result", result.String())
	}
	return state
}
