package watchdog

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// command is a request handled by the Run goroutine. apply reports
// whether the loop should exit.
type command interface {
	apply(ctx context.Context, w *Watchdog) bool
}

type startMonitoring struct {
	teamID      string
	projectPath string
}

func (c startMonitoring) apply(_ context.Context, w *Watchdog) bool {
	w.monitored[c.teamID] = c.projectPath
	w.logger.Info("monitoring team",
		zap.String("team", c.teamID), zap.String("project", c.projectPath))
	return false
}

type stopMonitoring struct {
	teamID string
}

func (c stopMonitoring) apply(_ context.Context, w *Watchdog) bool {
	delete(w.monitored, c.teamID)
	for key := range w.pending {
		if key.teamID == c.teamID {
			delete(w.pending, key)
		}
	}
	w.logger.Info("stopped monitoring team", zap.String("team", c.teamID))
	return false
}

type triggerResult struct {
	outcome *Outcome
	err     error
}

type triggerRecovery struct {
	teamID   string
	memberID string
	reason   string
	reply    chan triggerResult
}

func (c triggerRecovery) apply(ctx context.Context, w *Watchdog) bool {
	projectPath, ok := w.monitored[c.teamID]
	if !ok {
		c.reply <- triggerResult{err: ErrTeamNotMonitored}
		return false
	}
	delete(w.pending, pendingKey{teamID: c.teamID, memberID: c.memberID})
	out, err := w.recoverMember(ctx, projectPath, c.teamID, c.memberID, c.reason)
	c.reply <- triggerResult{outcome: out, err: err}
	return false
}

type updateConfig struct {
	cfg Config
}

func (c updateConfig) apply(_ context.Context, w *Watchdog) bool {
	w.cfg = c.cfg.withDefaults()
	w.logger.Info("watchdog config updated",
		zap.Duration("check_interval", w.cfg.CheckInterval),
		zap.Duration("heartbeat_timeout", w.cfg.HeartbeatTimeout),
		zap.Duration("recovery_delay", w.cfg.RecoveryDelay),
		zap.Bool("enabled", w.cfg.Enabled))
	return false
}

type statusQuery struct {
	reply chan Status
}

func (c statusQuery) apply(_ context.Context, w *Watchdog) bool {
	c.reply <- w.status()
	return false
}

type shutdown struct{}

func (shutdown) apply(context.Context, *Watchdog) bool { return true }

// send queues a command, failing once the loop has exited.
func (w *Watchdog) send(ctx context.Context, cmd command) error {
	select {
	case w.cmds <- cmd:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartMonitoring adds a team to the polled set.
func (w *Watchdog) StartMonitoring(ctx context.Context, teamID, projectPath string) error {
	return w.send(ctx, startMonitoring{teamID: teamID, projectPath: projectPath})
}

// StopMonitoring removes a team from the polled set and drops its pending
// recoveries. A recovery already executing finishes.
func (w *Watchdog) StopMonitoring(ctx context.Context, teamID string) error {
	return w.send(ctx, stopMonitoring{teamID: teamID})
}

// UpdateConfig replaces the polling parameters and resets the ticker.
func (w *Watchdog) UpdateConfig(ctx context.Context, cfg Config) error {
	return w.send(ctx, updateConfig{cfg: cfg})
}

// TriggerRecovery replaces a member immediately, bypassing the
// scheduling delay. The attempt cap and auto-recovery setting still apply.
func (w *Watchdog) TriggerRecovery(ctx context.Context, teamID, memberID, reason string) (*Outcome, error) {
	reply := make(chan triggerResult, 1)
	if err := w.send(ctx, triggerRecovery{teamID: teamID, memberID: memberID, reason: reason, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.outcome, res.err
	case <-w.done:
		select {
		case res := <-reply:
			return res.outcome, res.err
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the monitored teams and pending recoveries.
func (w *Watchdog) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := w.send(ctx, statusQuery{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-w.done:
		select {
		case st := <-reply:
			return st, nil
		default:
			return Status{}, ErrStopped
		}
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Shutdown stops the loop after the current tick and waits for it.
func (w *Watchdog) Shutdown(ctx context.Context) error {
	if err := w.send(ctx, shutdown{}); err != nil {
		if errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
