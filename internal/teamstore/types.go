package teamstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Recovery policy defaults applied when a team document omits them.
const (
	DefaultAutoRecovery        = true
	DefaultMaxRecoveryAttempts = 3
	DefaultRecoveryDelayMS     = 5000
)

// MaxHistoryEvents caps the per-team recovery log.
const MaxHistoryEvents = 100

// RoleOrchestrator is the role label of every team's orchestrator slot.
const RoleOrchestrator = "orchestrator"

// TeamStatus is the lifecycle status of a whole team.
type TeamStatus string

const (
	TeamActive   TeamStatus = "active"
	TeamPaused   TeamStatus = "paused"
	TeamArchived TeamStatus = "archived"
)

// ParseTeamStatus converts a lowercase label into a TeamStatus.
func ParseTeamStatus(s string) (TeamStatus, bool) {
	switch TeamStatus(s) {
	case TeamActive, TeamPaused, TeamArchived:
		return TeamStatus(s), true
	}
	return "", false
}

// MemberStatus is the live status of one agent slot.
type MemberStatus string

const (
	MemberActive     MemberStatus = "active"
	MemberIdle       MemberStatus = "idle"
	MemberFailed     MemberStatus = "failed"
	MemberRecovering MemberStatus = "recovering"
	MemberPaused     MemberStatus = "paused"
)

// ParseMemberStatus converts a lowercase label into a MemberStatus.
func ParseMemberStatus(s string) (MemberStatus, bool) {
	switch MemberStatus(s) {
	case MemberActive, MemberIdle, MemberFailed, MemberRecovering, MemberPaused:
		return MemberStatus(s), true
	}
	return "", false
}

// MemberConfig is the static description of one agent slot. Role and
// AgentType are free-form so new agent templates need no code changes.
type MemberConfig struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	AgentType string `json:"agent_type"`

	TerminalID string `json:"terminal_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`

	CurrentTaskID string `json:"current_task_id,omitempty"`
	CurrentSpecID string `json:"current_spec_id,omitempty"`

	FailureCount  int        `json:"failure_count"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
	RecoveredFrom string     `json:"recovered_from,omitempty"`
}

// NewMemberConfig allocates a member with a fresh identity.
func NewMemberConfig(role, agentType string) MemberConfig {
	return MemberConfig{
		ID:        uuid.New().String(),
		Role:      role,
		AgentType: agentType,
	}
}

// TeamConfig is stored in team.json.
type TeamConfig struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ProjectPath string    `json:"project_path"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`

	Orchestrator MemberConfig   `json:"orchestrator"`
	Workers      []MemberConfig `json:"workers"`

	AutoRecovery        bool  `json:"auto_recovery"`
	MaxRecoveryAttempts int   `json:"max_recovery_attempts"`
	RecoveryDelayMS     int64 `json:"recovery_delay_ms"`

	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`
}

// UnmarshalJSON applies the recovery policy defaults for fields missing
// from older documents.
func (c *TeamConfig) UnmarshalJSON(data []byte) error {
	type plain TeamConfig
	p := plain{
		AutoRecovery:        DefaultAutoRecovery,
		MaxRecoveryAttempts: DefaultMaxRecoveryAttempts,
		RecoveryDelayMS:     DefaultRecoveryDelayMS,
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	*c = TeamConfig(p)
	return nil
}

// Member returns a pointer to the member slot with the given id, or nil.
func (c *TeamConfig) Member(id string) *MemberConfig {
	if c.Orchestrator.ID == id {
		return &c.Orchestrator
	}
	for i := range c.Workers {
		if c.Workers[i].ID == id {
			return &c.Workers[i]
		}
	}
	return nil
}

// MemberCount is the orchestrator plus all workers.
func (c *TeamConfig) MemberCount() int { return 1 + len(c.Workers) }

// TaskInfo describes the work a member is currently doing.
type TaskInfo struct {
	TaskID   string `json:"task_id"`
	SpecID   string `json:"spec_id,omitempty"`
	Phase    string `json:"phase"`
	Progress int    `json:"progress"`
}

// MemberState is the live mirror of one member's process.
type MemberState struct {
	Status        MemberStatus `json:"status"`
	TerminalID    string       `json:"terminal_id,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
	CurrentTask   *TaskInfo    `json:"current_task,omitempty"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
}

// TerminalSession correlates an OS-level terminal with a member so a
// paused team can be re-attached.
type TerminalSession struct {
	MemberID   string `json:"member_id"`
	TerminalID string `json:"terminal_id"`
	SessionID  string `json:"session_id,omitempty"`
	Cwd        string `json:"cwd"`
}

// SessionInfo is captured only while a team is paused.
type SessionInfo struct {
	SavedAt   time.Time         `json:"saved_at"`
	Terminals []TerminalSession `json:"terminals"`
}

// TeamState is stored in state.json and always rewritten whole.
type TeamState struct {
	TeamID      string                 `json:"team_id"`
	Status      TeamStatus             `json:"status"`
	LastActive  time.Time              `json:"last_active"`
	Members     map[string]MemberState `json:"members"`
	ActiveSpecs []string               `json:"active_specs"`
	SessionInfo *SessionInfo           `json:"session_info,omitempty"`
}

// NewTeamState returns an empty active state for teamID.
func NewTeamState(teamID string, now time.Time) *TeamState {
	return &TeamState{
		TeamID:      teamID,
		Status:      TeamActive,
		LastActive:  now,
		Members:     make(map[string]MemberState),
		ActiveSpecs: []string{},
	}
}

// ContextSummary is the slice of a recovery context kept in history.
type ContextSummary struct {
	Progress    int      `json:"progress"`
	Artifacts   []string `json:"artifacts"`
	CurrentStep string   `json:"current_step,omitempty"`
}

// RecoveryEvent is one entry of the append-only recovery log.
type RecoveryEvent struct {
	ID                  string          `json:"id"`
	Timestamp           time.Time       `json:"timestamp"`
	FailedMemberID      string          `json:"failed_member_id"`
	FailedMemberRole    string          `json:"failed_member_role"`
	ReplacementMemberID string          `json:"replacement_member_id"`
	Reason              string          `json:"reason"`
	SpecID              string          `json:"spec_id,omitempty"`
	TaskID              string          `json:"task_id,omitempty"`
	RecoveryContext     *ContextSummary `json:"recovery_context,omitempty"`
	Success             bool            `json:"success"`
}

// TeamHistory is stored in history.json, newest event first.
type TeamHistory struct {
	TeamID string          `json:"team_id"`
	Events []RecoveryEvent `json:"events"`
}

// IndexEntry summarizes one team in the project index.
type IndexEntry struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      TeamStatus `json:"status"`
	LastActive  time.Time  `json:"last_active"`
	MemberCount int        `json:"member_count"`
}

// TeamIndex is stored in teams.json at the project level.
type TeamIndex struct {
	ProjectPath string       `json:"project_path"`
	ProjectHash string       `json:"project_hash"`
	Teams       []IndexEntry `json:"teams"`
}
