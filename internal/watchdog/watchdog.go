package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/teamwarden/internal/clock"
	"github.com/nidhogg/teamwarden/internal/notify"
	"github.com/nidhogg/teamwarden/internal/team"
	"github.com/nidhogg/teamwarden/internal/teamstore"
	"go.uber.org/zap"
)

const (
	ReasonReportedFailure  = "Agent reported failure"
	ReasonHeartbeatTimeout = "Heartbeat timeout"

	// Placeholders recorded when a replacement could not be created.
	unknownRole   = "unknown"
	noReplacement = "none"
)

var (
	// ErrTeamNotMonitored is returned by TriggerRecovery for a team that
	// was never passed to StartMonitoring.
	ErrTeamNotMonitored = errors.New("team not monitored")
	// ErrStopped is returned once the loop has exited.
	ErrStopped = errors.New("watchdog stopped")

	ErrAutoRecoveryDisabled = fmt.Errorf("%w: auto recovery disabled", team.ErrInvalidOperation)
	ErrMaxAttemptsReached   = fmt.Errorf("%w: max recovery attempts reached", team.ErrInvalidOperation)
)

// Config holds the polling parameters.
type Config struct {
	CheckInterval    time.Duration
	HeartbeatTimeout time.Duration
	RecoveryDelay    time.Duration
	Enabled          bool
}

// configJSON is the wire form of Config, in whole seconds.
type configJSON struct {
	CheckIntervalSecs    int64 `json:"check_interval_secs"`
	HeartbeatTimeoutSecs int64 `json:"heartbeat_timeout_secs"`
	RecoveryDelaySecs    int64 `json:"recovery_delay_secs"`
	Enabled              bool  `json:"enabled"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSON{
		CheckIntervalSecs:    int64(c.CheckInterval / time.Second),
		HeartbeatTimeoutSecs: int64(c.HeartbeatTimeout / time.Second),
		RecoveryDelaySecs:    int64(c.RecoveryDelay / time.Second),
		Enabled:              c.Enabled,
	})
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var w configJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Config{
		CheckInterval:    time.Duration(w.CheckIntervalSecs) * time.Second,
		HeartbeatTimeout: time.Duration(w.HeartbeatTimeoutSecs) * time.Second,
		RecoveryDelay:    time.Duration(w.RecoveryDelaySecs) * time.Second,
		Enabled:          w.Enabled,
	}
	return nil
}

// DefaultConfig returns a 30s check interval, 120s heartbeat timeout and
// 5s recovery delay.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    30 * time.Second,
		HeartbeatTimeout: 120 * time.Second,
		RecoveryDelay:    5 * time.Second,
		Enabled:          true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RecoveryDelay < 0 {
		c.RecoveryDelay = 0
	}
	return c
}

// Teams is the slice of the team service the watchdog drives.
type Teams interface {
	GetTeam(ctx context.Context, projectPath, teamID string) (*team.Data, error)
	GetMembersWithState(ctx context.Context, projectPath, teamID string) ([]team.MemberWithState, error)
	ReportMemberFailure(ctx context.Context, projectPath, teamID, memberID, reason string) error
	BuildRecoveryContext(ctx context.Context, projectPath, teamID, memberID string) (*team.RecoveryContext, error)
	CreateReplacementMember(ctx context.Context, projectPath, teamID, failedID string) (*teamstore.MemberConfig, error)
	RecordRecoveryEvent(ctx context.Context, projectPath, teamID string, in team.RecoveryEventInput) (*teamstore.RecoveryEvent, error)
}

// Notifier receives recovery notifications. Emit must not block.
type Notifier interface {
	Emit(ev notify.Event)
}

// MonitoredTeam is one entry of the polled set.
type MonitoredTeam struct {
	TeamID      string `json:"team_id"`
	ProjectPath string `json:"project_path"`
}

// PendingRecovery is a scheduled, not yet executed, recovery.
type PendingRecovery struct {
	TeamID   string    `json:"team_id"`
	MemberID string    `json:"member_id"`
	Reason   string    `json:"reason"`
	DueAt    time.Time `json:"due_at"`
}

// Status is a snapshot of the watchdog's bookkeeping.
type Status struct {
	Config    Config            `json:"config"`
	Monitored []MonitoredTeam   `json:"monitored"`
	Pending   []PendingRecovery `json:"pending"`
}

// Outcome describes a recovery that ran to completion or failed while
// creating the replacement.
type Outcome struct {
	FailedMemberID      string                   `json:"failed_member_id"`
	ReplacementMemberID string                   `json:"replacement_member_id"`
	Role                string                   `json:"role"`
	Success             bool                     `json:"success"`
	Context             *team.RecoveryContext    `json:"context,omitempty"`
	Event               *teamstore.RecoveryEvent `json:"event,omitempty"`
}

type pendingKey struct {
	teamID   string
	memberID string
}

type pendingEntry struct {
	projectPath string
	reason      string
	dueAt       time.Time
}

// Watchdog polls member health of monitored teams and replaces failed
// members. All bookkeeping is owned by the Run goroutine; the exported
// methods only send it commands.
type Watchdog struct {
	teams    Teams
	notifier Notifier
	clock    clock.Clock
	cfg      Config
	cmds     chan command
	done     chan struct{}

	monitored map[string]string
	pending   map[pendingKey]pendingEntry

	logger *zap.Logger
}

// New creates a watchdog. Call Run to start it. notifier may be nil.
func New(teams Teams, notifier Notifier, clk clock.Clock, cfg Config, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		teams:     teams,
		notifier:  notifier,
		clock:     clk,
		cfg:       cfg.withDefaults(),
		cmds:      make(chan command, 100),
		done:      make(chan struct{}),
		monitored: make(map[string]string),
		pending:   make(map[pendingKey]pendingEntry),
		logger:    logger,
	}
}

// Run processes commands and ticks until ctx is cancelled or Shutdown is
// called. A tick in progress always finishes first.
func (w *Watchdog) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	w.logger.Info("watchdog started",
		zap.Duration("check_interval", w.cfg.CheckInterval),
		zap.Duration("heartbeat_timeout", w.cfg.HeartbeatTimeout),
		zap.Duration("recovery_delay", w.cfg.RecoveryDelay),
		zap.Bool("enabled", w.cfg.Enabled))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case cmd := <-w.cmds:
			before := w.cfg.CheckInterval
			if stop := cmd.apply(ctx, w); stop {
				w.logger.Info("watchdog shut down")
				return
			}
			if w.cfg.CheckInterval != before {
				ticker.Reset(w.cfg.CheckInterval)
			}
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Done is closed when Run returns.
func (w *Watchdog) Done() <-chan struct{} { return w.done }

// tick runs one health-check pass followed by one execution pass.
func (w *Watchdog) tick(ctx context.Context) {
	if !w.cfg.Enabled {
		return
	}
	w.checkHealth(ctx)
	w.executeDue(ctx)
}

// checkHealth schedules unhealthy members and unschedules pending ones
// that have recovered. A team whose members cannot be loaded is skipped.
func (w *Watchdog) checkHealth(ctx context.Context) {
	now := w.clock.Now()
	for _, mt := range w.monitoredTeams() {
		members, err := w.teams.GetMembersWithState(ctx, mt.ProjectPath, mt.TeamID)
		if err != nil {
			w.logger.Warn("health check failed",
				zap.String("team", mt.TeamID), zap.Error(err))
			continue
		}

		present := make(map[string]bool, len(members))
		for _, mw := range members {
			present[mw.ID] = true
			key := pendingKey{teamID: mt.TeamID, memberID: mw.ID}
			reason, unhealthy := w.assess(mw, now)
			_, scheduled := w.pending[key]
			switch {
			case unhealthy && !scheduled:
				due := now.Add(w.cfg.RecoveryDelay)
				w.pending[key] = pendingEntry{projectPath: mt.ProjectPath, reason: reason, dueAt: due}
				w.logger.Info("recovery scheduled",
					zap.String("team", mt.TeamID),
					zap.String("member", mw.ID),
					zap.String("reason", reason),
					zap.Time("due_at", due))
			case !unhealthy && scheduled:
				delete(w.pending, key)
				w.logger.Info("pending recovery cancelled, member healthy again",
					zap.String("team", mt.TeamID),
					zap.String("member", mw.ID))
			}
		}

		for key := range w.pending {
			if key.teamID == mt.TeamID && !present[key.memberID] {
				delete(w.pending, key)
			}
		}
	}
}

// assess reports whether a member needs recovery. An active member with
// no heartbeat on record counts as stale.
func (w *Watchdog) assess(mw team.MemberWithState, now time.Time) (string, bool) {
	switch mw.Status {
	case teamstore.MemberFailed:
		return ReasonReportedFailure, true
	case teamstore.MemberActive:
		if mw.LastHeartbeat == nil || now.Sub(*mw.LastHeartbeat) > w.cfg.HeartbeatTimeout {
			return ReasonHeartbeatTimeout, true
		}
	}
	return "", false
}

// executeDue runs every pending recovery whose time has come, earliest
// first.
func (w *Watchdog) executeDue(ctx context.Context) {
	now := w.clock.Now()
	var due []PendingRecovery
	for key, p := range w.pending {
		if !now.Before(p.dueAt) {
			due = append(due, PendingRecovery{TeamID: key.teamID, MemberID: key.memberID, Reason: p.reason, DueAt: p.dueAt})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })

	for _, d := range due {
		key := pendingKey{teamID: d.TeamID, memberID: d.MemberID}
		projectPath := w.pending[key].projectPath
		delete(w.pending, key)
		_, err := w.recoverMember(ctx, projectPath, d.TeamID, d.MemberID, d.Reason)
		switch {
		case err == nil, errors.Is(err, ErrAutoRecoveryDisabled), errors.Is(err, ErrMaxAttemptsReached):
		default:
			w.logger.Warn("scheduled recovery not performed",
				zap.String("team", d.TeamID),
				zap.String("member", d.MemberID),
				zap.Error(err))
		}
	}
}

// recoverMember replaces one member. Errors returned before the failure is
// reported leave the team untouched.
func (w *Watchdog) recoverMember(ctx context.Context, projectPath, teamID, memberID, reason string) (*Outcome, error) {
	data, err := w.teams.GetTeam(ctx, projectPath, teamID)
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}
	if !data.Config.AutoRecovery {
		return nil, fmt.Errorf("%w for team %s", ErrAutoRecoveryDisabled, teamID)
	}
	member := data.Config.Member(memberID)
	if member == nil {
		return nil, fmt.Errorf("%w: %s", team.ErrMemberNotFound, memberID)
	}
	if member.FailureCount >= data.Config.MaxRecoveryAttempts {
		w.logger.Warn("max recovery attempts reached",
			zap.String("team", teamID),
			zap.String("member", memberID),
			zap.Int("failure_count", member.FailureCount),
			zap.Int("max", data.Config.MaxRecoveryAttempts))
		return nil, fmt.Errorf("%w for member %s", ErrMaxAttemptsReached, memberID)
	}
	role := member.Role

	if err := w.teams.ReportMemberFailure(ctx, projectPath, teamID, memberID, reason); err != nil {
		return nil, fmt.Errorf("report failure: %w", err)
	}

	rc, err := w.teams.BuildRecoveryContext(ctx, projectPath, teamID, memberID)
	if err != nil {
		w.logger.Debug("recovery context unavailable",
			zap.String("member", memberID), zap.Error(err))
		rc = nil
	}

	out := &Outcome{FailedMemberID: memberID, Role: role, Context: rc}
	repl, replErr := w.teams.CreateReplacementMember(ctx, projectPath, teamID, memberID)
	in := team.RecoveryEventInput{
		FailedMemberID: memberID,
		Reason:         reason,
		Context:        rc.Summary(),
	}
	if replErr != nil {
		in.FailedMemberRole = unknownRole
		in.ReplacementMemberID = noReplacement
		out.ReplacementMemberID = noReplacement
		w.logger.Error("replacement creation failed",
			zap.String("team", teamID),
			zap.String("member", memberID),
			zap.Error(replErr))
	} else {
		in.FailedMemberRole = repl.Role
		in.ReplacementMemberID = repl.ID
		in.Success = true
		out.ReplacementMemberID = repl.ID
		out.Success = true
	}

	ev, err := w.teams.RecordRecoveryEvent(ctx, projectPath, teamID, in)
	if err != nil {
		w.logger.Warn("recording recovery event failed",
			zap.String("team", teamID), zap.Error(err))
	}
	out.Event = ev

	w.notify(projectPath, teamID, out, reason)
	if replErr != nil {
		return out, fmt.Errorf("create replacement: %w", replErr)
	}

	w.logger.Info("member recovered",
		zap.String("team", teamID),
		zap.String("failed", memberID),
		zap.String("replacement", out.ReplacementMemberID),
		zap.String("role", role),
		zap.String("reason", reason))
	return out, nil
}

func (w *Watchdog) notify(projectPath, teamID string, out *Outcome, reason string) {
	if w.notifier == nil {
		return
	}
	w.notifier.Emit(notify.RecoveryEvent(projectPath, notify.RecoveryNotification{
		TeamID:              teamID,
		FailedMemberID:      out.FailedMemberID,
		ReplacementMemberID: out.ReplacementMemberID,
		Role:                out.Role,
		Reason:              reason,
		Timestamp:           w.clock.Now(),
		Success:             out.Success,
	}))
}

func (w *Watchdog) monitoredTeams() []MonitoredTeam {
	out := make([]MonitoredTeam, 0, len(w.monitored))
	for id, p := range w.monitored {
		out = append(out, MonitoredTeam{TeamID: id, ProjectPath: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out
}

func (w *Watchdog) status() Status {
	st := Status{Config: w.cfg, Monitored: w.monitoredTeams(), Pending: []PendingRecovery{}}
	for key, p := range w.pending {
		st.Pending = append(st.Pending, PendingRecovery{TeamID: key.teamID, MemberID: key.memberID, Reason: p.reason, DueAt: p.dueAt})
	}
	sort.Slice(st.Pending, func(i, j int) bool { return st.Pending[i].DueAt.Before(st.Pending[j].DueAt) })
	return st
}
