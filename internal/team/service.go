package team

import (
	"context"
	"sync"

	"github.com/nidhogg/teamwarden/internal/notify"
	"github.com/nidhogg/teamwarden/internal/teamstore"
	"go.uber.org/zap"
)

// Emitter receives fire-and-forget change events. Emit must not block.
type Emitter interface {
	Emit(ev notify.Event)
}

// Service is the only owner of a Manager. A single goroutine executes
// requests in arrival order, so every read-modify-write of a team's
// documents is serialized without a lock.
type Service struct {
	mgr     *Manager
	reqs    chan func(*Manager)
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	emitter Emitter
	logger  *zap.Logger
}

// NewService starts the goroutine that owns mgr. emitter may be nil.
func NewService(mgr *Manager, emitter Emitter, logger *zap.Logger) *Service {
	s := &Service{
		mgr:     mgr,
		reqs:    make(chan func(*Manager)),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		emitter: emitter,
		logger:  logger,
	}
	go s.loop()
	return s
}

func (s *Service) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case req := <-s.reqs:
			req(s.mgr)
		}
	}
}

// Close stops the owner goroutine after the request in progress, if any.
func (s *Service) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

// do submits fn and waits for its result. A request that has been
// accepted runs to completion even if ctx is cancelled meanwhile.
func (s *Service) do(ctx context.Context, fn func(*Manager) error) error {
	errc := make(chan error, 1)
	req := func(m *Manager) { errc <- fn(m) }

	select {
	case s.reqs <- req:
	case <-s.done:
		return ErrServiceClosed
	case <-s.quit:
		return ErrServiceClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) emit(ev notify.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ev)
}

func (s *Service) CreateTeam(ctx context.Context, in CreateTeamInput) (*Data, error) {
	var out *Data
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.CreateTeam(in)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(notify.TeamStatusEvent(out.Config.ProjectPath, out.Config.ID, out.State.Status))
	return out, nil
}

func (s *Service) ListTeams(ctx context.Context, projectPath string, status *teamstore.TeamStatus) ([]Summary, error) {
	var out []Summary
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.ListTeams(projectPath, status)
		return err
	})
	return out, err
}

func (s *Service) GetTeam(ctx context.Context, projectPath, teamID string) (*Data, error) {
	var out *Data
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.GetTeam(projectPath, teamID)
		return err
	})
	return out, err
}

func (s *Service) UpdateTeam(ctx context.Context, projectPath, teamID string, in UpdateTeamInput) (*Data, error) {
	var out *Data
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.UpdateTeam(projectPath, teamID, in)
		return err
	})
	return out, err
}

func (s *Service) ArchiveTeam(ctx context.Context, projectPath, teamID string) error {
	err := s.do(ctx, func(m *Manager) error {
		return m.ArchiveTeam(projectPath, teamID)
	})
	if err == nil {
		s.emit(notify.TeamStatusEvent(projectPath, teamID, teamstore.TeamArchived))
	}
	return err
}

func (s *Service) DeleteTeam(ctx context.Context, projectPath, teamID string) error {
	return s.do(ctx, func(m *Manager) error {
		return m.DeleteTeam(projectPath, teamID)
	})
}

func (s *Service) AddMember(ctx context.Context, projectPath, teamID, role, agentType string) (*teamstore.MemberConfig, error) {
	var out *teamstore.MemberConfig
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.AddMember(projectPath, teamID, role, agentType)
		return err
	})
	return out, err
}

func (s *Service) RemoveMember(ctx context.Context, projectPath, teamID, memberID string) error {
	return s.do(ctx, func(m *Manager) error {
		return m.RemoveMember(projectPath, teamID, memberID)
	})
}

func (s *Service) UpdateMemberSession(ctx context.Context, projectPath, teamID, memberID, terminalID, sessionID string) error {
	err := s.do(ctx, func(m *Manager) error {
		return m.UpdateMemberSession(projectPath, teamID, memberID, terminalID, sessionID)
	})
	if err == nil {
		s.emit(notify.MemberSessionEvent(projectPath, teamID, memberID, terminalID, sessionID))
	}
	return err
}

func (s *Service) UpdateMemberStatus(ctx context.Context, projectPath, teamID, memberID string, status teamstore.MemberStatus) error {
	err := s.do(ctx, func(m *Manager) error {
		return m.UpdateMemberStatus(projectPath, teamID, memberID, status)
	})
	if err == nil {
		s.emit(notify.MemberStatusEvent(projectPath, teamID, memberID, status))
	}
	return err
}

func (s *Service) UpdateMemberTask(ctx context.Context, projectPath, teamID, memberID string, task *teamstore.TaskInfo) error {
	err := s.do(ctx, func(m *Manager) error {
		return m.UpdateMemberTask(projectPath, teamID, memberID, task)
	})
	if err == nil {
		s.emit(notify.MemberTaskEvent(projectPath, teamID, memberID, task))
	}
	return err
}

func (s *Service) RecordHeartbeat(ctx context.Context, projectPath, teamID, memberID string) error {
	return s.do(ctx, func(m *Manager) error {
		return m.RecordHeartbeat(projectPath, teamID, memberID)
	})
}

func (s *Service) PauseTeam(ctx context.Context, projectPath, teamID string, terminals []teamstore.TerminalSession) error {
	err := s.do(ctx, func(m *Manager) error {
		return m.PauseTeam(projectPath, teamID, terminals)
	})
	if err == nil {
		s.emit(notify.TeamStatusEvent(projectPath, teamID, teamstore.TeamPaused))
	}
	return err
}

func (s *Service) ResumeTeam(ctx context.Context, projectPath, teamID string) (*ResumeResult, error) {
	var out *ResumeResult
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.ResumeTeam(projectPath, teamID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(notify.TeamStatusEvent(projectPath, teamID, teamstore.TeamActive))
	return out, nil
}

func (s *Service) ReportMemberFailure(ctx context.Context, projectPath, teamID, memberID, reason string) error {
	err := s.do(ctx, func(m *Manager) error {
		return m.ReportMemberFailure(projectPath, teamID, memberID, reason)
	})
	if err == nil {
		s.emit(notify.MemberStatusEvent(projectPath, teamID, memberID, teamstore.MemberFailed))
	}
	return err
}

func (s *Service) CreateReplacementMember(ctx context.Context, projectPath, teamID, failedID string) (*teamstore.MemberConfig, error) {
	var out *teamstore.MemberConfig
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.CreateReplacementMember(projectPath, teamID, failedID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(notify.MemberStatusEvent(projectPath, teamID, out.ID, teamstore.MemberRecovering))
	return out, nil
}

func (s *Service) RecordRecoveryEvent(ctx context.Context, projectPath, teamID string, in RecoveryEventInput) (*teamstore.RecoveryEvent, error) {
	var out *teamstore.RecoveryEvent
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.RecordRecoveryEvent(projectPath, teamID, in)
		return err
	})
	return out, err
}

func (s *Service) GetRecoveryHistory(ctx context.Context, projectPath, teamID string, limit int) ([]teamstore.RecoveryEvent, error) {
	var out []teamstore.RecoveryEvent
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.GetRecoveryHistory(projectPath, teamID, limit)
		return err
	})
	return out, err
}

func (s *Service) GetMembersWithState(ctx context.Context, projectPath, teamID string) ([]MemberWithState, error) {
	var out []MemberWithState
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.GetMembersWithState(projectPath, teamID)
		return err
	})
	return out, err
}

func (s *Service) BuildRecoveryContext(ctx context.Context, projectPath, teamID, memberID string) (*RecoveryContext, error) {
	var out *RecoveryContext
	err := s.do(ctx, func(m *Manager) (err error) {
		out, err = m.BuildRecoveryContext(projectPath, teamID, memberID)
		return err
	})
	return out, err
}
