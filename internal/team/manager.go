package team

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nidhogg/teamwarden/internal/clock"
	"github.com/nidhogg/teamwarden/internal/teamstore"
	"go.uber.org/zap"
)

// Manager implements team and member mutations over the durable store.
// It keeps a write-through cache of active teams. Manager is not safe for
// concurrent use; Service owns one and serializes access to it.
//
// Every mutation loads the whole config and/or state document from
// storage, mutates it in memory and writes it back. This is adequate for
// teams of dozens of members.
type Manager struct {
	storage *teamstore.Storage
	clock   clock.Clock
	cache   map[cacheKey]*Data
	logger  *zap.Logger
}

// Team ids are only unique within a project.
type cacheKey struct {
	project string
	team    string
}

// NewManager creates a Manager backed by storage.
func NewManager(storage *teamstore.Storage, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		storage: storage,
		clock:   clk,
		cache:   make(map[cacheKey]*Data),
		logger:  logger,
	}
}

// remember refreshes the cache entry for a team. Only active teams stay warm.
func (m *Manager) remember(cfg *teamstore.TeamConfig, st *teamstore.TeamState) *Data {
	d := &Data{Config: cfg, State: st}
	key := cacheKey{cfg.ProjectPath, cfg.ID}
	if st.Status == teamstore.TeamActive {
		m.cache[key] = d
	} else {
		delete(m.cache, key)
	}
	return d.clone()
}

// CreateTeam builds the orchestrator and workers and persists the team.
func (m *Manager) CreateTeam(in CreateTeamInput) (*Data, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: team name is required", ErrInvalidOperation)
	}
	if in.ProjectPath == "" {
		return nil, fmt.Errorf("%w: project path is required", ErrInvalidOperation)
	}

	workers := make([]teamstore.MemberConfig, 0, len(in.Members))
	for _, mi := range in.Members {
		if strings.TrimSpace(mi.Role) == "" {
			return nil, fmt.Errorf("%w: member role is required", ErrInvalidOperation)
		}
		workers = append(workers, teamstore.NewMemberConfig(mi.Role, mi.AgentType))
	}

	cfg := &teamstore.TeamConfig{
		ID:                  uuid.New().String(),
		Name:                in.Name,
		ProjectPath:         in.ProjectPath,
		CreatedAt:           m.clock.Now(),
		CreatedBy:           "user",
		Orchestrator:        teamstore.NewMemberConfig(teamstore.RoleOrchestrator, teamstore.RoleOrchestrator),
		Workers:             workers,
		AutoRecovery:        teamstore.DefaultAutoRecovery,
		MaxRecoveryAttempts: teamstore.DefaultMaxRecoveryAttempts,
		RecoveryDelayMS:     teamstore.DefaultRecoveryDelayMS,
		Description:         in.Description,
		Tags:                append([]string{}, in.Tags...),
	}
	if in.AutoRecovery != nil {
		cfg.AutoRecovery = *in.AutoRecovery
	}
	if in.MaxRecoveryAttempts != nil {
		if *in.MaxRecoveryAttempts < 0 {
			return nil, fmt.Errorf("%w: max recovery attempts must not be negative", ErrInvalidOperation)
		}
		cfg.MaxRecoveryAttempts = *in.MaxRecoveryAttempts
	}

	st, err := m.storage.CreateTeam(cfg)
	if err != nil {
		return nil, err
	}
	return m.remember(cfg, st), nil
}

// ListTeams returns summaries of a project's teams, optionally filtered.
func (m *Manager) ListTeams(projectPath string, status *teamstore.TeamStatus) ([]Summary, error) {
	entries, err := m.storage.ListTeams(projectPath, status)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		autoRecovery := teamstore.DefaultAutoRecovery
		if cfg, err := m.storage.LoadConfig(projectPath, e.ID); err == nil {
			autoRecovery = cfg.AutoRecovery
		}
		out = append(out, Summary{
			ID:           e.ID,
			Name:         e.Name,
			ProjectPath:  projectPath,
			Status:       e.Status,
			MemberCount:  e.MemberCount,
			LastActive:   e.LastActive,
			AutoRecovery: autoRecovery,
		})
	}
	return out, nil
}

// GetTeam returns a team, serving active teams from the cache.
func (m *Manager) GetTeam(projectPath, teamID string) (*Data, error) {
	if d, ok := m.cache[cacheKey{projectPath, teamID}]; ok {
		return d.clone(), nil
	}
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return nil, err
	}
	return m.remember(cfg, st), nil
}

// UpdateTeam changes team settings. Only the config document is written.
func (m *Manager) UpdateTeam(projectPath, teamID string, in UpdateTeamInput) (*Data, error) {
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, fmt.Errorf("%w: team name is required", ErrInvalidOperation)
		}
		if *in.Name != cfg.Name {
			entries, err := m.storage.ListTeams(projectPath, nil)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if e.ID != teamID && e.Name == *in.Name {
					return nil, fmt.Errorf("%w: %s", teamstore.ErrTeamAlreadyExists, *in.Name)
				}
			}
		}
	}
	if in.MaxRecoveryAttempts != nil && *in.MaxRecoveryAttempts < 0 {
		return nil, fmt.Errorf("%w: max recovery attempts must not be negative", ErrInvalidOperation)
	}
	if in.Name != nil {
		cfg.Name = *in.Name
	}
	if in.AutoRecovery != nil {
		cfg.AutoRecovery = *in.AutoRecovery
	}
	if in.MaxRecoveryAttempts != nil {
		cfg.MaxRecoveryAttempts = *in.MaxRecoveryAttempts
	}
	if err := m.storage.SaveConfig(cfg); err != nil {
		return nil, err
	}
	return m.remember(cfg, st), nil
}

// ArchiveTeam marks a team archived and drops it from the cache.
func (m *Manager) ArchiveTeam(projectPath, teamID string) error {
	if _, err := m.storage.LoadConfig(projectPath, teamID); err != nil {
		return err
	}
	if err := m.storage.ArchiveTeam(projectPath, teamID); err != nil {
		return err
	}
	delete(m.cache, cacheKey{projectPath, teamID})
	return nil
}

// DeleteTeam removes a team's documents and index entry.
func (m *Manager) DeleteTeam(projectPath, teamID string) error {
	if _, err := m.storage.LoadConfig(projectPath, teamID); err != nil {
		return err
	}
	if err := m.storage.DeleteTeam(projectPath, teamID); err != nil {
		return err
	}
	delete(m.cache, cacheKey{projectPath, teamID})
	return nil
}

// AddMember appends a worker to the team.
func (m *Manager) AddMember(projectPath, teamID, role, agentType string) (*teamstore.MemberConfig, error) {
	if strings.TrimSpace(role) == "" {
		return nil, fmt.Errorf("%w: member role is required", ErrInvalidOperation)
	}
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return nil, err
	}

	member := teamstore.NewMemberConfig(role, agentType)
	cfg.Workers = append(cfg.Workers, member)
	if err := m.storage.SaveConfig(cfg); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	st.Members[member.ID] = teamstore.MemberState{
		Status:        teamstore.MemberIdle,
		LastHeartbeat: &now,
	}
	if err := m.storage.SaveState(projectPath, st); err != nil {
		return nil, err
	}
	m.remember(cfg, st)
	return &member, nil
}

// RemoveMember drops a worker from the team. The orchestrator cannot be
// removed, nor can a member with a recovery in flight: one that is
// recovering, or failed while the team can still recover it.
func (m *Manager) RemoveMember(projectPath, teamID, memberID string) error {
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return err
	}
	if cfg.Orchestrator.ID == memberID {
		return fmt.Errorf("%w: cannot remove orchestrator from team", ErrInvalidOperation)
	}

	idx := -1
	for i := range cfg.Workers {
		if cfg.Workers[i].ID == memberID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
	}
	if ms, ok := st.Members[memberID]; ok {
		switch {
		case ms.Status == teamstore.MemberRecovering:
			return fmt.Errorf("%w: member %s is recovering", ErrInvalidOperation, memberID)
		case ms.Status == teamstore.MemberFailed && cfg.AutoRecovery &&
			cfg.Workers[idx].FailureCount < cfg.MaxRecoveryAttempts:
			return fmt.Errorf("%w: member %s is awaiting recovery", ErrInvalidOperation, memberID)
		}
	}

	cfg.Workers = append(cfg.Workers[:idx], cfg.Workers[idx+1:]...)
	if err := m.storage.SaveConfig(cfg); err != nil {
		return err
	}
	delete(st.Members, memberID)
	if err := m.storage.SaveState(projectPath, st); err != nil {
		return err
	}
	m.remember(cfg, st)
	return nil
}

// mutateMember is the shared read-modify-write path of the state-only
// member updates. The heartbeat and team last_active are always refreshed.
func (m *Manager) mutateMember(projectPath, teamID, memberID string, fn func(st *teamstore.TeamState, ms *teamstore.MemberState) error) error {
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return err
	}
	ms, ok := st.Members[memberID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
	}
	if err := fn(st, &ms); err != nil {
		return err
	}
	now := m.clock.Now()
	ms.LastHeartbeat = &now
	st.Members[memberID] = ms
	st.LastActive = now
	if err := m.storage.SaveState(projectPath, st); err != nil {
		return err
	}
	m.remember(cfg, st)
	return nil
}

// UpdateMemberSession records the terminal and session ids of the
// member's process. Empty ids leave the stored value unchanged.
func (m *Manager) UpdateMemberSession(projectPath, teamID, memberID, terminalID, sessionID string) error {
	return m.mutateMember(projectPath, teamID, memberID, func(_ *teamstore.TeamState, ms *teamstore.MemberState) error {
		if terminalID != "" {
			ms.TerminalID = terminalID
		}
		if sessionID != "" {
			ms.SessionID = sessionID
		}
		return nil
	})
}

// UpdateMemberStatus sets a member's live status.
func (m *Manager) UpdateMemberStatus(projectPath, teamID, memberID string, status teamstore.MemberStatus) error {
	if _, ok := teamstore.ParseMemberStatus(string(status)); !ok {
		return fmt.Errorf("%w: unknown member status %q", ErrInvalidOperation, status)
	}
	return m.mutateMember(projectPath, teamID, memberID, func(_ *teamstore.TeamState, ms *teamstore.MemberState) error {
		ms.Status = status
		return nil
	})
}

// UpdateMemberTask assigns or clears a member's current task. A failed
// member cannot take a new assignment.
func (m *Manager) UpdateMemberTask(projectPath, teamID, memberID string, task *teamstore.TaskInfo) error {
	if task != nil && (task.Progress < 0 || task.Progress > 100) {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidOperation, task.Progress)
	}
	return m.mutateMember(projectPath, teamID, memberID, func(st *teamstore.TeamState, ms *teamstore.MemberState) error {
		if task != nil && ms.Status == teamstore.MemberFailed {
			return fmt.Errorf("%w: member %s has failed", ErrInvalidOperation, memberID)
		}
		if task == nil {
			ms.CurrentTask = nil
			return nil
		}
		t := *task
		ms.CurrentTask = &t
		if t.SpecID != "" && !contains(st.ActiveSpecs, t.SpecID) {
			st.ActiveSpecs = append(st.ActiveSpecs, t.SpecID)
		}
		return nil
	})
}

// RecordHeartbeat refreshes a member's heartbeat.
func (m *Manager) RecordHeartbeat(projectPath, teamID, memberID string) error {
	return m.mutateMember(projectPath, teamID, memberID, func(*teamstore.TeamState, *teamstore.MemberState) error {
		return nil
	})
}

// PauseTeam pauses every member and snapshots the terminal correlation
// needed to resume.
func (m *Manager) PauseTeam(projectPath, teamID string, terminals []teamstore.TerminalSession) error {
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return err
	}
	if st.Status == teamstore.TeamArchived {
		return fmt.Errorf("%w: team is archived", ErrInvalidOperation)
	}
	for id, ms := range st.Members {
		ms.Status = teamstore.MemberPaused
		st.Members[id] = ms
	}
	now := m.clock.Now()
	if terminals == nil {
		terminals = []teamstore.TerminalSession{}
	}
	st.SessionInfo = &teamstore.SessionInfo{SavedAt: now, Terminals: terminals}
	st.Status = teamstore.TeamPaused
	st.LastActive = now
	if err := m.storage.SaveState(projectPath, st); err != nil {
		return err
	}
	m.remember(cfg, st)
	return nil
}

// ResumeTeam reactivates a paused team. Members come back idle with their
// process ids cleared; the saved SessionInfo is handed back so the caller
// can re-attach to real sessions.
func (m *Manager) ResumeTeam(projectPath, teamID string) (*ResumeResult, error) {
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return nil, err
	}
	if st.Status != teamstore.TeamPaused {
		return nil, fmt.Errorf("%w: team is not paused, status: %s", ErrInvalidOperation, st.Status)
	}

	saved := st.SessionInfo
	st.SessionInfo = nil
	for id, ms := range st.Members {
		ms.Status = teamstore.MemberIdle
		ms.TerminalID = ""
		ms.SessionID = ""
		st.Members[id] = ms
	}
	st.Status = teamstore.TeamActive
	st.LastActive = m.clock.Now()
	if err := m.storage.SaveState(projectPath, st); err != nil {
		return nil, err
	}
	return &ResumeResult{Team: m.remember(cfg, st), SessionInfo: saved}, nil
}

// ReportMemberFailure counts a failure against a member and marks it
// failed. No replacement is created.
func (m *Manager) ReportMemberFailure(projectPath, teamID, memberID, reason string) error {
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return err
	}
	mc := cfg.Member(memberID)
	if mc == nil {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
	}
	now := m.clock.Now()
	mc.FailureCount++
	mc.LastFailure = &now
	if err := m.storage.SaveConfig(cfg); err != nil {
		return err
	}

	if ms, ok := st.Members[memberID]; ok {
		ms.Status = teamstore.MemberFailed
		st.Members[memberID] = ms
	}
	st.LastActive = now
	if err := m.storage.SaveState(projectPath, st); err != nil {
		return err
	}
	m.remember(cfg, st)

	m.logger.Warn("member failure reported",
		zap.String("team", teamID),
		zap.String("member", memberID),
		zap.String("reason", reason),
		zap.Int("failure_count", mc.FailureCount))
	return nil
}

// CreateReplacementMember supersedes a member with a fresh identity in the
// same slot. The replacement inherits the failed member's task and starts
// in recovering status without any process ids.
func (m *Manager) CreateReplacementMember(projectPath, teamID, failedID string) (*teamstore.MemberConfig, error) {
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return nil, err
	}
	failed := cfg.Member(failedID)
	if failed == nil {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, failedID)
	}

	repl := teamstore.NewMemberConfig(failed.Role, failed.AgentType)
	repl.RecoveredFrom = failedID
	repl.CurrentTaskID = failed.CurrentTaskID
	repl.CurrentSpecID = failed.CurrentSpecID
	*failed = repl
	if err := m.storage.SaveConfig(cfg); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	var task *teamstore.TaskInfo
	if prev, ok := st.Members[failedID]; ok && prev.CurrentTask != nil {
		t := *prev.CurrentTask
		task = &t
	}
	delete(st.Members, failedID)
	st.Members[repl.ID] = teamstore.MemberState{
		Status:        teamstore.MemberRecovering,
		CurrentTask:   task,
		LastHeartbeat: &now,
	}
	st.LastActive = now
	if err := m.storage.SaveState(projectPath, st); err != nil {
		return nil, err
	}
	m.remember(cfg, st)

	m.logger.Info("replacement member created",
		zap.String("team", teamID),
		zap.String("failed", failedID),
		zap.String("replacement", repl.ID),
		zap.String("role", repl.Role))
	return &repl, nil
}

// RecordRecoveryEvent appends a recovery event to the team's history. The
// task and spec ids come from the failed member's state, or from its
// replacement's when the failed entry has already been folded away.
func (m *Manager) RecordRecoveryEvent(projectPath, teamID string, in RecoveryEventInput) (*teamstore.RecoveryEvent, error) {
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return nil, err
	}

	ev := teamstore.RecoveryEvent{
		ID:                  uuid.New().String(),
		Timestamp:           m.clock.Now(),
		FailedMemberID:      in.FailedMemberID,
		FailedMemberRole:    in.FailedMemberRole,
		ReplacementMemberID: in.ReplacementMemberID,
		Reason:              in.Reason,
		RecoveryContext:     in.Context,
		Success:             in.Success,
	}
	if task := taskOf(cfg, st, in.FailedMemberID); task != nil {
		ev.TaskID = task.TaskID
		ev.SpecID = task.SpecID
	}
	if err := m.storage.AddRecoveryEvent(projectPath, teamID, ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func taskOf(cfg *teamstore.TeamConfig, st *teamstore.TeamState, failedID string) *teamstore.TaskInfo {
	if ms, ok := st.Members[failedID]; ok {
		return ms.CurrentTask
	}
	for _, mc := range append([]teamstore.MemberConfig{cfg.Orchestrator}, cfg.Workers...) {
		if mc.RecoveredFrom == failedID {
			if ms, ok := st.Members[mc.ID]; ok {
				return ms.CurrentTask
			}
		}
	}
	return nil
}

// GetRecoveryHistory returns up to limit events, newest first. A limit of
// zero or less returns the whole log.
func (m *Manager) GetRecoveryHistory(projectPath, teamID string, limit int) ([]teamstore.RecoveryEvent, error) {
	h, err := m.storage.LoadHistory(projectPath, teamID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(h.Events) {
		return h.Events[:limit], nil
	}
	return h.Events, nil
}

// GetMembersWithState joins config and state, orchestrator first. Members
// without a state entry read as idle.
func (m *Manager) GetMembersWithState(projectPath, teamID string) ([]MemberWithState, error) {
	cfg, st, err := m.storage.GetTeam(projectPath, teamID)
	if err != nil {
		return nil, err
	}
	out := make([]MemberWithState, 0, cfg.MemberCount())
	for _, mc := range append([]teamstore.MemberConfig{cfg.Orchestrator}, cfg.Workers...) {
		mw := MemberWithState{
			ID:            mc.ID,
			Role:          mc.Role,
			AgentType:     mc.AgentType,
			Status:        teamstore.MemberIdle,
			FailureCount:  mc.FailureCount,
			RecoveredFrom: mc.RecoveredFrom,
		}
		if ms, ok := st.Members[mc.ID]; ok {
			mw.Status = ms.Status
			mw.TerminalID = ms.TerminalID
			mw.SessionID = ms.SessionID
			mw.CurrentTask = ms.CurrentTask
			mw.LastHeartbeat = ms.LastHeartbeat
		}
		out = append(out, mw)
	}
	return out, nil
}

// BuildRecoveryContext derives the resume payload for a member from its
// current state. It has no side effects.
func (m *Manager) BuildRecoveryContext(projectPath, teamID, memberID string) (*RecoveryContext, error) {
	st, err := m.storage.LoadState(projectPath, teamID)
	if err != nil {
		return nil, err
	}
	ms, ok := st.Members[memberID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
	}

	rc := &RecoveryContext{
		CompletedSteps: []string{},
		Artifacts:      []string{},
	}
	if t := ms.CurrentTask; t != nil {
		rc.SpecID = t.SpecID
		rc.TaskID = t.TaskID
		rc.Phase = t.Phase
		rc.Progress = t.Progress
	}
	rc.ResumeInstructions = resumeInstructions(rc.SpecID, rc.Progress)
	return rc, nil
}

func resumeInstructions(specID string, progress int) string {
	if specID == "" {
		return "You are replacing a failed agent. Check for pending tasks and continue work."
	}
	return fmt.Sprintf("You are replacing a failed agent. Continue work on spec '%s' from %d%% progress. Review existing artifacts before proceeding.", specID, progress)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// clone deep-copies a team so cached documents never leak to callers.
func (d *Data) clone() *Data {
	cfg := *d.Config
	cfg.Workers = append([]teamstore.MemberConfig(nil), d.Config.Workers...)
	cfg.Tags = append([]string{}, d.Config.Tags...)

	st := *d.State
	st.Members = make(map[string]teamstore.MemberState, len(d.State.Members))
	for id, ms := range d.State.Members {
		if ms.CurrentTask != nil {
			t := *ms.CurrentTask
			ms.CurrentTask = &t
		}
		st.Members[id] = ms
	}
	st.ActiveSpecs = append([]string{}, d.State.ActiveSpecs...)
	if d.State.SessionInfo != nil {
		si := *d.State.SessionInfo
		si.Terminals = append([]teamstore.TerminalSession(nil), si.Terminals...)
		st.SessionInfo = &si
	}
	return &Data{Config: &cfg, State: &st}
}
