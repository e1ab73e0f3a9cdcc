package team

import (
	"fmt"
	"time"

	"github.com/nidhogg/teamwarden/internal/teamstore"
)

var (
	// ErrMemberNotFound is returned when a member id is absent from the
	// team's config or state.
	ErrMemberNotFound = fmt.Errorf("member not found")
	// ErrInvalidOperation is returned for illegal transitions such as
	// removing the orchestrator or resuming a team that is not paused.
	ErrInvalidOperation = fmt.Errorf("invalid operation")
	// ErrServiceClosed is returned by Service calls after Close.
	ErrServiceClosed = fmt.Errorf("team service closed")
)

// Data is a team's config and state loaded together.
type Data struct {
	Config *teamstore.TeamConfig `json:"config"`
	State  *teamstore.TeamState  `json:"state"`
}

// Summary is a listing row for one team.
type Summary struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	ProjectPath  string               `json:"project_path"`
	Status       teamstore.TeamStatus `json:"status"`
	MemberCount  int                  `json:"member_count"`
	LastActive   time.Time            `json:"last_active"`
	AutoRecovery bool                 `json:"auto_recovery"`
}

// MemberInput describes a worker to create with a team.
type MemberInput struct {
	Role      string `json:"role"`
	AgentType string `json:"agent_type"`
}

// CreateTeamInput carries the parameters of CreateTeam. Nil policy
// fields take the store defaults.
type CreateTeamInput struct {
	Name                string        `json:"name"`
	ProjectPath         string        `json:"project_path"`
	AutoRecovery        *bool         `json:"auto_recovery,omitempty"`
	MaxRecoveryAttempts *int          `json:"max_recovery_attempts,omitempty"`
	Members             []MemberInput `json:"members"`
	Description         string        `json:"description,omitempty"`
	Tags                []string      `json:"tags,omitempty"`
}

// UpdateTeamInput carries the settings UpdateTeam may change. Nil fields
// are left as they are.
type UpdateTeamInput struct {
	Name                *string `json:"name,omitempty"`
	AutoRecovery        *bool   `json:"auto_recovery,omitempty"`
	MaxRecoveryAttempts *int    `json:"max_recovery_attempts,omitempty"`
}

// MemberWithState joins a member's config with its live state.
type MemberWithState struct {
	ID            string                 `json:"id"`
	Role          string                 `json:"role"`
	AgentType     string                 `json:"agent_type"`
	Status        teamstore.MemberStatus `json:"status"`
	TerminalID    string                 `json:"terminal_id,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	CurrentTask   *teamstore.TaskInfo    `json:"current_task,omitempty"`
	LastHeartbeat *time.Time             `json:"last_heartbeat,omitempty"`
	FailureCount  int                    `json:"failure_count"`
	RecoveredFrom string                 `json:"recovered_from,omitempty"`
}

// RecoveryContext is handed to whatever spawns a replacement agent so it
// can seed the first prompt.
type RecoveryContext struct {
	SpecID             string   `json:"spec_id,omitempty"`
	TaskID             string   `json:"task_id,omitempty"`
	Phase              string   `json:"phase,omitempty"`
	Progress           int      `json:"progress"`
	CompletedSteps     []string `json:"completed_steps"`
	CurrentStep        string   `json:"current_step,omitempty"`
	Artifacts          []string `json:"artifacts"`
	ResumeInstructions string   `json:"resume_instructions"`
}

// Summary reduces the context to what the history log keeps.
func (rc *RecoveryContext) Summary() *teamstore.ContextSummary {
	if rc == nil {
		return nil
	}
	return &teamstore.ContextSummary{
		Progress:    rc.Progress,
		Artifacts:   append([]string{}, rc.Artifacts...),
		CurrentStep: rc.CurrentStep,
	}
}

// RecoveryEventInput carries the fields of a recovery event the caller
// knows; task and spec ids are derived from state.
type RecoveryEventInput struct {
	FailedMemberID      string                    `json:"failed_member_id"`
	FailedMemberRole    string                    `json:"failed_member_role"`
	ReplacementMemberID string                    `json:"replacement_member_id"`
	Reason              string                    `json:"reason"`
	Context             *teamstore.ContextSummary `json:"context,omitempty"`
	Success             bool                      `json:"success"`
}

// ResumeResult is returned by ResumeTeam.
type ResumeResult struct {
	Team        *Data                  `json:"team"`
	SessionInfo *teamstore.SessionInfo `json:"session_info,omitempty"`
}

