package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nidhogg/teamwarden/internal/clock"
	"github.com/nidhogg/teamwarden/internal/teamstore"
	"go.uber.org/zap"
)

const (
	// ReasonExitedWithoutResult is reported when the stream ends before a
	// result event, i.e. the agent process died.
	ReasonExitedWithoutResult = "agent exited without result"

	maxLineSize = 4 << 20
)

// Reporter receives the health signals derived from an agent stream.
// *team.Service satisfies it. A dead agent is only marked failed; counting
// the attempt is left to the watchdog when it recovers the member.
type Reporter interface {
	RecordHeartbeat(ctx context.Context, projectPath, teamID, memberID string) error
	UpdateMemberSession(ctx context.Context, projectPath, teamID, memberID, terminalID, sessionID string) error
	UpdateMemberStatus(ctx context.Context, projectPath, teamID, memberID string, status teamstore.MemberStatus) error
}

type turnState int

const (
	turnRunning turnState = iota
	turnIdle
	turnFailed
)

// Member identifies the team slot an agent stream belongs to.
type Member struct {
	ProjectPath string
	TeamID      string
	MemberID    string
	TerminalID  string
}

// Summary describes a finished stream.
type Summary struct {
	SessionID string `json:"session_id,omitempty"`
	Events    int    `json:"events"`
	Skipped   int    `json:"skipped"`
	Result    *Event `json:"result,omitempty"`
	Failed    bool   `json:"failed"`
	Reason    string `json:"reason,omitempty"`
}

// Pump turns one agent's NDJSON output into heartbeats and status
// changes on its team member.
type Pump struct {
	reporter       Reporter
	member         Member
	clock          clock.Clock
	heartbeatEvery time.Duration
	logger         *zap.Logger

	lastBeat time.Time
}

// NewPump creates a pump for member. Heartbeats are written at most once
// per heartbeatEvery; zero writes one per event.
func NewPump(reporter Reporter, member Member, clk clock.Clock, heartbeatEvery time.Duration, logger *zap.Logger) *Pump {
	return &Pump{
		reporter:       reporter,
		member:         member,
		clock:          clk,
		heartbeatEvery: heartbeatEvery,
		logger:         logger.With(zap.String("team", member.TeamID), zap.String("member", member.MemberID)),
	}
}

// Run consumes r until EOF or ctx is cancelled. A cancelled context is
// returned as an error without reporting a failure.
//
// An agent may run several turns on one stream. A successful result marks
// the member idle and the next event marks it active again, so EOF is a
// failure unless the last turn ended with a result.
func (p *Pump) Run(ctx context.Context, r io.Reader) (Summary, error) {
	var sum Summary
	state := turnRunning

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			sum.Skipped++
			p.logger.Debug("skipping undecodable agent line", zap.Error(err))
			continue
		}
		sum.Events++
		p.heartbeat(ctx)

		if ev.SessionID != "" && sum.SessionID == "" {
			sum.SessionID = ev.SessionID
			p.call("session", p.reporter.UpdateMemberSession(ctx,
				p.member.ProjectPath, p.member.TeamID, p.member.MemberID, p.member.TerminalID, ev.SessionID))
			if state == turnRunning {
				p.setStatus(ctx, teamstore.MemberActive)
			}
		}
		if state == turnFailed {
			continue
		}

		switch {
		case ev.Failed():
			e := ev
			sum.Result = &e
			sum.Failed = true
			sum.Reason = ev.FailureReason()
			p.fail(ctx, sum.Reason)
			state = turnFailed
		case ev.Type == EventResult:
			e := ev
			sum.Result = &e
			p.setStatus(ctx, teamstore.MemberIdle)
			state = turnIdle
		case state == turnIdle:
			p.setStatus(ctx, teamstore.MemberActive)
			state = turnRunning
		}
	}

	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if state != turnFailed {
			sum.Failed = true
			sum.Reason = fmt.Sprintf("agent stream read error: %v", err)
			p.fail(ctx, sum.Reason)
		}
		return sum, fmt.Errorf("read agent stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	if state == turnRunning {
		sum.Failed = true
		sum.Reason = ReasonExitedWithoutResult
		p.fail(ctx, sum.Reason)
	}
	return sum, nil
}

func (p *Pump) setStatus(ctx context.Context, status teamstore.MemberStatus) {
	p.call("status", p.reporter.UpdateMemberStatus(ctx,
		p.member.ProjectPath, p.member.TeamID, p.member.MemberID, status))
}

func (p *Pump) heartbeat(ctx context.Context) {
	now := p.clock.Now()
	if !p.lastBeat.IsZero() && now.Sub(p.lastBeat) < p.heartbeatEvery {
		return
	}
	p.lastBeat = now
	p.call("heartbeat", p.reporter.RecordHeartbeat(ctx,
		p.member.ProjectPath, p.member.TeamID, p.member.MemberID))
}

func (p *Pump) fail(ctx context.Context, reason string) {
	p.logger.Warn("agent failed", zap.String("reason", reason))
	p.setStatus(ctx, teamstore.MemberFailed)
}

// call logs a reporter error. The stream keeps flowing regardless; the
// member may have been removed or replaced meanwhile.
func (p *Pump) call(op string, err error) {
	if err != nil {
		p.logger.Warn("reporting agent signal failed", zap.String("op", op), zap.Error(err))
	}
}
