package notify

import (
	"fmt"
	"time"

	"github.com/nidhogg/teamwarden/internal/teamstore"
)

// Kind classifies an Event.
type Kind string

const (
	KindTeamStatus    Kind = "team_status"
	KindMemberStatus  Kind = "member_status"
	KindMemberTask    Kind = "member_task"
	KindMemberSession Kind = "member_session"
	KindRecovery      Kind = "recovery"
)

// RecoveryNotification reports the outcome of one recovery attempt.
type RecoveryNotification struct {
	TeamID              string    `json:"team_id"`
	FailedMemberID      string    `json:"failed_member_id"`
	ReplacementMemberID string    `json:"replacement_member_id"`
	Role                string    `json:"role"`
	Reason              string    `json:"reason"`
	Timestamp           time.Time `json:"timestamp"`
	Success             bool      `json:"success"`
}

// Event is pushed to the UI and other sinks. ID and Timestamp are filled
// in by the Hub when empty.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	ProjectPath string    `json:"project_path,omitempty"`
	TeamID      string    `json:"team_id"`
	MemberID    string    `json:"member_id,omitempty"`

	Status     string              `json:"status,omitempty"`
	Task       *teamstore.TaskInfo `json:"task,omitempty"`
	TerminalID string              `json:"terminal_id,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`

	Recovery *RecoveryNotification `json:"recovery,omitempty"`
}

// Text renders the event as a one-line chat message.
func (e Event) Text() string {
	switch e.Kind {
	case KindRecovery:
		r := e.Recovery
		if r == nil {
			return fmt.Sprintf("[team %s] recovery", e.TeamID)
		}
		if r.Success {
			return fmt.Sprintf(":recycle: [team %s] %s agent %s replaced by %s (%s)",
				r.TeamID, r.Role, r.FailedMemberID, r.ReplacementMemberID, r.Reason)
		}
		return fmt.Sprintf(":rotating_light: [team %s] automatic recovery of %s failed (%s); manual intervention needed",
			r.TeamID, r.FailedMemberID, r.Reason)
	case KindTeamStatus:
		return fmt.Sprintf("[team %s] status %s", e.TeamID, e.Status)
	case KindMemberTask:
		if e.Task == nil {
			return fmt.Sprintf("[team %s] member %s task cleared", e.TeamID, e.MemberID)
		}
		return fmt.Sprintf("[team %s] member %s on %s (%s, %d%%)", e.TeamID, e.MemberID, e.Task.TaskID, e.Task.Phase, e.Task.Progress)
	default:
		return fmt.Sprintf("[team %s] member %s %s %s", e.TeamID, e.MemberID, e.Kind, e.Status)
	}
}

func TeamStatusEvent(projectPath, teamID string, status teamstore.TeamStatus) Event {
	return Event{Kind: KindTeamStatus, ProjectPath: projectPath, TeamID: teamID, Status: string(status)}
}

func MemberStatusEvent(projectPath, teamID, memberID string, status teamstore.MemberStatus) Event {
	return Event{Kind: KindMemberStatus, ProjectPath: projectPath, TeamID: teamID, MemberID: memberID, Status: string(status)}
}

func MemberTaskEvent(projectPath, teamID, memberID string, task *teamstore.TaskInfo) Event {
	ev := Event{Kind: KindMemberTask, ProjectPath: projectPath, TeamID: teamID, MemberID: memberID}
	if task != nil {
		t := *task
		ev.Task = &t
	}
	return ev
}

func MemberSessionEvent(projectPath, teamID, memberID, terminalID, sessionID string) Event {
	return Event{Kind: KindMemberSession, ProjectPath: projectPath, TeamID: teamID, MemberID: memberID, TerminalID: terminalID, SessionID: sessionID}
}

// RecoveryEvent wraps a recovery notification.
func RecoveryEvent(projectPath string, n RecoveryNotification) Event {
	return Event{
		Kind:        KindRecovery,
		Timestamp:   n.Timestamp,
		ProjectPath: projectPath,
		TeamID:      n.TeamID,
		MemberID:    n.FailedMemberID,
		Recovery:    &n,
	}
}
