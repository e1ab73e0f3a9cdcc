package team

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nidhogg/teamwarden/internal/clock"
	"github.com/nidhogg/teamwarden/internal/teamstore"
	"go.uber.org/zap"
)

const testProject = "/work/project"

func newTestManager(t *testing.T) (*Manager, *teamstore.Storage, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	st, err := teamstore.New(t.TempDir(), clk, zap.NewNop())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return NewManager(st, clk, zap.NewNop()), st, clk
}

func createAlpha(t *testing.T, m *Manager) *Data {
	t.Helper()
	d, err := m.CreateTeam(CreateTeamInput{
		Name:        "alpha",
		ProjectPath: testProject,
		Members:     []MemberInput{{Role: "dev", AgentType: "dev-agent"}},
	})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	return d
}

func TestCreateTeamInitialState(t *testing.T) {
	m, _, clk := newTestManager(t)
	d := createAlpha(t, m)

	if d.Config.Orchestrator.Role != teamstore.RoleOrchestrator || d.Config.Orchestrator.AgentType != teamstore.RoleOrchestrator {
		t.Errorf("orchestrator = %+v", d.Config.Orchestrator)
	}
	if !d.Config.AutoRecovery || d.Config.MaxRecoveryAttempts != 3 || d.Config.RecoveryDelayMS != 5000 {
		t.Errorf("policy defaults = %v/%d/%d", d.Config.AutoRecovery, d.Config.MaxRecoveryAttempts, d.Config.RecoveryDelayMS)
	}
	orch := d.State.Members[d.Config.Orchestrator.ID]
	if orch.Status != teamstore.MemberActive {
		t.Errorf("orchestrator status = %q", orch.Status)
	}
	w := d.State.Members[d.Config.Workers[0].ID]
	if w.Status != teamstore.MemberIdle {
		t.Errorf("worker status = %q", w.Status)
	}
	if w.LastHeartbeat == nil || !w.LastHeartbeat.Equal(clk.Now()) {
		t.Errorf("worker heartbeat = %v", w.LastHeartbeat)
	}
}

func TestCreateTeamValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	cases := []CreateTeamInput{
		{Name: "", ProjectPath: testProject},
		{Name: "x", ProjectPath: ""},
		{Name: "x", ProjectPath: testProject, Members: []MemberInput{{Role: " ", AgentType: "a"}}},
	}
	for i, in := range cases {
		if _, err := m.CreateTeam(in); !errors.Is(err, ErrInvalidOperation) {
			t.Errorf("case %d: expected ErrInvalidOperation, got %v", i, err)
		}
	}
}

func TestCreateTeamDuplicateName(t *testing.T) {
	m, _, _ := newTestManager(t)
	createAlpha(t, m)
	_, err := m.CreateTeam(CreateTeamInput{Name: "alpha", ProjectPath: testProject})
	if !errors.Is(err, teamstore.ErrTeamAlreadyExists) {
		t.Fatalf("expected ErrTeamAlreadyExists, got %v", err)
	}
}

func TestRemoveOrchestratorRejected(t *testing.T) {
	m, st, _ := newTestManager(t)
	d := createAlpha(t, m)

	beforeCfg, beforeState, err := st.GetTeam(testProject, d.Config.ID)
	if err != nil {
		t.Fatal(err)
	}
	err = m.RemoveMember(testProject, d.Config.ID, d.Config.Orchestrator.ID)
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	afterCfg, afterState, err := st.GetTeam(testProject, d.Config.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(beforeCfg, afterCfg) {
		t.Error("config changed after rejected removal")
	}
	if !reflect.DeepEqual(beforeState, afterState) {
		t.Error("state changed after rejected removal")
	}
}

func TestAddAndRemoveMember(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)

	qa, err := m.AddMember(testProject, d.Config.ID, "qa", "qa-agent")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	members, _ := m.GetMembersWithState(testProject, d.Config.ID)
	if len(members) != 3 || members[2].ID != qa.ID || members[2].Status != teamstore.MemberIdle {
		t.Fatalf("members after add = %+v", members)
	}

	if err := m.RemoveMember(testProject, d.Config.ID, qa.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	members, _ = m.GetMembersWithState(testProject, d.Config.ID)
	if len(members) != 2 {
		t.Fatalf("members after remove = %d, want 2", len(members))
	}

	if err := m.RemoveMember(testProject, d.Config.ID, "ghost"); !errors.Is(err, ErrMemberNotFound) {
		t.Errorf("expected ErrMemberNotFound, got %v", err)
	}
	if _, err := m.AddMember(testProject, d.Config.ID, "", "x"); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation for empty role, got %v", err)
	}
}

func TestMemberUpdatesUnknownMember(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	id := d.Config.ID

	checks := map[string]error{
		"status":    m.UpdateMemberStatus(testProject, id, "ghost", teamstore.MemberActive),
		"task":      m.UpdateMemberTask(testProject, id, "ghost", &teamstore.TaskInfo{TaskID: "t"}),
		"session":   m.UpdateMemberSession(testProject, id, "ghost", "term", "sess"),
		"heartbeat": m.RecordHeartbeat(testProject, id, "ghost"),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrMemberNotFound) {
			t.Errorf("%s: expected ErrMemberNotFound, got %v", name, err)
		}
	}
}

func TestMemberUpdatesRefreshHeartbeat(t *testing.T) {
	m, _, clk := newTestManager(t)
	d := createAlpha(t, m)
	worker := d.Config.Workers[0].ID

	clk.Advance(time.Minute)
	if err := m.UpdateMemberSession(testProject, d.Config.ID, worker, "term-1", "sess-1"); err != nil {
		t.Fatalf("session: %v", err)
	}
	clk.Advance(time.Minute)
	if err := m.RecordHeartbeat(testProject, d.Config.ID, worker); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	got, err := m.GetTeam(testProject, d.Config.ID)
	if err != nil {
		t.Fatal(err)
	}
	ms := got.State.Members[worker]
	if ms.TerminalID != "term-1" || ms.SessionID != "sess-1" {
		t.Errorf("session ids = %q/%q", ms.TerminalID, ms.SessionID)
	}
	if !ms.LastHeartbeat.Equal(clk.Now()) {
		t.Errorf("heartbeat = %v, want %v", ms.LastHeartbeat, clk.Now())
	}
	if !got.State.LastActive.Equal(clk.Now()) {
		t.Errorf("last_active = %v, want %v", got.State.LastActive, clk.Now())
	}
}

func TestUpdateMemberTaskTracksSpecs(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	worker := d.Config.Workers[0].ID

	task := &teamstore.TaskInfo{TaskID: "t1", SpecID: "spec-a", Phase: "implement", Progress: 10}
	for i := 0; i < 2; i++ {
		if err := m.UpdateMemberTask(testProject, d.Config.ID, worker, task); err != nil {
			t.Fatalf("update task: %v", err)
		}
	}
	got, _ := m.GetTeam(testProject, d.Config.ID)
	if !reflect.DeepEqual(got.State.ActiveSpecs, []string{"spec-a"}) {
		t.Errorf("active specs = %v", got.State.ActiveSpecs)
	}

	bad := &teamstore.TaskInfo{TaskID: "t2", Progress: 101}
	if err := m.UpdateMemberTask(testProject, d.Config.ID, worker, bad); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation for progress 101, got %v", err)
	}

	if err := m.UpdateMemberTask(testProject, d.Config.ID, worker, nil); err != nil {
		t.Fatalf("clear task: %v", err)
	}
	got, _ = m.GetTeam(testProject, d.Config.ID)
	if got.State.Members[worker].CurrentTask != nil {
		t.Error("task not cleared")
	}
}

func TestFailedMemberRejectsNewTask(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	worker := d.Config.Workers[0].ID

	if err := m.ReportMemberFailure(testProject, d.Config.ID, worker, "crash"); err != nil {
		t.Fatal(err)
	}
	err := m.UpdateMemberTask(testProject, d.Config.ID, worker, &teamstore.TaskInfo{TaskID: "t9"})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	m, st, _ := newTestManager(t)
	d := createAlpha(t, m)
	worker := d.Config.Workers[0].ID

	if err := m.UpdateMemberSession(testProject, d.Config.ID, worker, "term-1", "sess-1"); err != nil {
		t.Fatal(err)
	}
	cfgBefore, _ := st.LoadConfig(testProject, d.Config.ID)

	terminals := []teamstore.TerminalSession{{MemberID: worker, TerminalID: "term-1", SessionID: "sess-1", Cwd: testProject}}
	if err := m.PauseTeam(testProject, d.Config.ID, terminals); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, _ := m.GetTeam(testProject, d.Config.ID)
	if paused.State.Status != teamstore.TeamPaused || paused.State.SessionInfo == nil {
		t.Fatalf("paused state = %+v", paused.State)
	}
	for id, ms := range paused.State.Members {
		if ms.Status != teamstore.MemberPaused {
			t.Errorf("member %s status = %q, want paused", id, ms.Status)
		}
	}

	res, err := m.ResumeTeam(testProject, d.Config.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.SessionInfo == nil || !reflect.DeepEqual(res.SessionInfo.Terminals, terminals) {
		t.Errorf("session info = %+v", res.SessionInfo)
	}
	if res.Team.State.Status != teamstore.TeamActive {
		t.Errorf("status = %q, want active", res.Team.State.Status)
	}
	for id, ms := range res.Team.State.Members {
		if ms.Status != teamstore.MemberIdle || ms.TerminalID != "" || ms.SessionID != "" {
			t.Errorf("member %s = %+v", id, ms)
		}
	}
	cfgAfter, _ := st.LoadConfig(testProject, d.Config.ID)
	if !reflect.DeepEqual(cfgBefore, cfgAfter) {
		t.Error("config changed across pause/resume")
	}

	if _, err := m.ResumeTeam(testProject, d.Config.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("resume on active team: expected ErrInvalidOperation, got %v", err)
	}
}

func TestReplacementPreservesTask(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	worker := d.Config.Workers[0].ID

	task := &teamstore.TaskInfo{TaskID: "t1", SpecID: "spec-a", Phase: "implement", Progress: 40}
	if err := m.UpdateMemberTask(testProject, d.Config.ID, worker, task); err != nil {
		t.Fatal(err)
	}
	if err := m.ReportMemberFailure(testProject, d.Config.ID, worker, "crash"); err != nil {
		t.Fatal(err)
	}
	repl, err := m.CreateReplacementMember(testProject, d.Config.ID, worker)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, _ := m.GetTeam(testProject, d.Config.ID)
	if _, ok := got.State.Members[worker]; ok {
		t.Error("failed member still in state")
	}
	var recovered []string
	for _, mc := range got.Config.Workers {
		if mc.RecoveredFrom == worker {
			recovered = append(recovered, mc.ID)
		}
	}
	if len(recovered) != 1 || recovered[0] != repl.ID {
		t.Fatalf("recovered_from members = %v", recovered)
	}
	rs := got.State.Members[repl.ID]
	if rs.Status != teamstore.MemberRecovering {
		t.Errorf("replacement status = %q", rs.Status)
	}
	if rs.CurrentTask == nil || *rs.CurrentTask != *task {
		t.Errorf("replacement task = %+v, want %+v", rs.CurrentTask, task)
	}
	if got.Config.Workers[0].ID != repl.ID {
		t.Error("replacement not in the failed member's slot")
	}
}

func TestReplaceOrchestratorKeepsSlot(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	orch := d.Config.Orchestrator.ID

	repl, err := m.CreateReplacementMember(testProject, d.Config.ID, orch)
	if err != nil {
		t.Fatal(err)
	}
	members, _ := m.GetMembersWithState(testProject, d.Config.ID)
	if members[0].ID != repl.ID || members[0].Role != teamstore.RoleOrchestrator {
		t.Errorf("first member = %+v", members[0])
	}
	if members[0].RecoveredFrom != orch {
		t.Errorf("recovered_from = %q", members[0].RecoveredFrom)
	}
}

func TestBuildRecoveryContext(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	worker := d.Config.Workers[0].ID

	rc, err := m.BuildRecoveryContext(testProject, d.Config.ID, worker)
	if err != nil {
		t.Fatal(err)
	}
	if rc.ResumeInstructions != "You are replacing a failed agent. Check for pending tasks and continue work." {
		t.Errorf("instructions = %q", rc.ResumeInstructions)
	}

	task := &teamstore.TaskInfo{TaskID: "t1", SpecID: "spec-a", Phase: "implement", Progress: 40}
	if err := m.UpdateMemberTask(testProject, d.Config.ID, worker, task); err != nil {
		t.Fatal(err)
	}
	rc, err = m.BuildRecoveryContext(testProject, d.Config.ID, worker)
	if err != nil {
		t.Fatal(err)
	}
	want := "You are replacing a failed agent. Continue work on spec 'spec-a' from 40% progress. Review existing artifacts before proceeding."
	if rc.ResumeInstructions != want {
		t.Errorf("instructions = %q", rc.ResumeInstructions)
	}
	if rc.TaskID != "t1" || rc.Phase != "implement" || rc.Progress != 40 {
		t.Errorf("context = %+v", rc)
	}

	if _, err := m.BuildRecoveryContext(testProject, d.Config.ID, "ghost"); !errors.Is(err, ErrMemberNotFound) {
		t.Errorf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestGetTeamCachesOnlyActive(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	if _, ok := m.cache[cacheKey{testProject, d.Config.ID}]; !ok {
		t.Fatal("active team not cached after create")
	}
	if err := m.PauseTeam(testProject, d.Config.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.cache[cacheKey{testProject, d.Config.ID}]; ok {
		t.Error("paused team still cached")
	}
	if _, err := m.GetTeam(testProject, d.Config.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.cache[cacheKey{testProject, d.Config.ID}]; ok {
		t.Error("paused team cached by GetTeam")
	}

	if err := m.ArchiveTeam(testProject, "ghost"); !errors.Is(err, teamstore.ErrTeamNotFound) {
		t.Errorf("archive unknown: expected ErrTeamNotFound, got %v", err)
	}
}

func TestGetTeamReturnsCopy(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	got, _ := m.GetTeam(testProject, d.Config.ID)
	got.Config.Name = "mutated"
	got.State.Members["injected"] = teamstore.MemberState{}

	again, _ := m.GetTeam(testProject, d.Config.ID)
	if again.Config.Name != "alpha" {
		t.Error("cache mutated through returned config")
	}
	if _, ok := again.State.Members["injected"]; ok {
		t.Error("cache mutated through returned state")
	}
}

func TestListTeamsAndArchive(t *testing.T) {
	m, _, _ := newTestManager(t)
	a := createAlpha(t, m)
	off := false
	if _, err := m.CreateTeam(CreateTeamInput{Name: "beta", ProjectPath: testProject, AutoRecovery: &off}); err != nil {
		t.Fatal(err)
	}
	if err := m.ArchiveTeam(testProject, a.Config.ID); err != nil {
		t.Fatal(err)
	}

	all, err := m.ListTeams(testProject, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	active := teamstore.TeamActive
	act, _ := m.ListTeams(testProject, &active)
	if len(act) != 1 || act[0].Name != "beta" || act[0].AutoRecovery {
		t.Errorf("active list = %+v", act)
	}
}

func TestUpdateTeam(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	name := "alpha-2"
	off := false
	attempts := 5
	got, err := m.UpdateTeam(testProject, d.Config.ID, UpdateTeamInput{Name: &name, AutoRecovery: &off, MaxRecoveryAttempts: &attempts})
	if err != nil {
		t.Fatal(err)
	}
	if got.Config.Name != name || got.Config.AutoRecovery || got.Config.MaxRecoveryAttempts != 5 {
		t.Errorf("config = %+v", got.Config)
	}
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	m, _, clk := newTestManager(t)
	d := createAlpha(t, m)
	for _, reason := range []string{"first", "second", "third"} {
		clk.Advance(time.Second)
		if _, err := m.RecordRecoveryEvent(testProject, d.Config.ID, RecoveryEventInput{Reason: reason, Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := m.GetRecoveryHistory(testProject, d.Config.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Reason != "third" || events[1].Reason != "second" {
		t.Errorf("events = %+v", events)
	}
}

// Scenario: a worker fails mid-task and is replaced without losing its
// place in the task.
func TestScenarioAlpha(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	teamID := d.Config.ID
	worker := d.Config.Workers[0].ID

	task := &teamstore.TaskInfo{TaskID: "t1", Phase: "implement", Progress: 40}
	if err := m.UpdateMemberTask(testProject, teamID, worker, task); err != nil {
		t.Fatal(err)
	}
	if err := m.ReportMemberFailure(testProject, teamID, worker, "crash"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetTeam(testProject, teamID)
	if got.State.Members[worker].Status != teamstore.MemberFailed {
		t.Fatalf("status = %q, want failed", got.State.Members[worker].Status)
	}

	repl, err := m.CreateReplacementMember(testProject, teamID, worker)
	if err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetTeam(testProject, teamID)
	rt := got.State.Members[repl.ID].CurrentTask
	if rt == nil || rt.Phase != "implement" || rt.Progress != 40 {
		t.Fatalf("replacement task = %+v", rt)
	}

	if _, err := m.RecordRecoveryEvent(testProject, teamID, RecoveryEventInput{
		FailedMemberID:      worker,
		FailedMemberRole:    "dev",
		ReplacementMemberID: repl.ID,
		Reason:              "crash",
		Success:             true,
	}); err != nil {
		t.Fatal(err)
	}
	events, err := m.GetRecoveryHistory(testProject, teamID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || !events[0].Success || events[0].TaskID != "t1" {
		t.Fatalf("history = %+v", events)
	}
}

// Scenario: the manager itself does not enforce the attempt cap.
func TestScenarioBetaManagerIgnoresCap(t *testing.T) {
	m, _, _ := newTestManager(t)
	one := 1
	d, err := m.CreateTeam(CreateTeamInput{Name: "beta", ProjectPath: testProject, MaxRecoveryAttempts: &one})
	if err != nil {
		t.Fatal(err)
	}

	orch := d.Config.Orchestrator.ID
	for i := 0; i < 2; i++ {
		if err := m.ReportMemberFailure(testProject, d.Config.ID, orch, "crash"); err != nil {
			t.Fatalf("round %d report: %v", i, err)
		}
		repl, err := m.CreateReplacementMember(testProject, d.Config.ID, orch)
		if err != nil {
			t.Fatalf("round %d replace: %v", i, err)
		}
		orch = repl.ID
	}
}

func TestRemoveMemberAwaitingRecoveryRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	dev := d.Config.Workers[0].ID

	if err := m.UpdateMemberStatus(testProject, d.Config.ID, dev, teamstore.MemberFailed); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveMember(testProject, d.Config.ID, dev); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("failed member with recovery pending: expected ErrInvalidOperation, got %v", err)
	}

	// Without auto-recovery nothing will replace it, so removal is allowed.
	off := false
	if _, err := m.UpdateTeam(testProject, d.Config.ID, UpdateTeamInput{AutoRecovery: &off}); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveMember(testProject, d.Config.ID, dev); err != nil {
		t.Fatalf("remove after disabling recovery: %v", err)
	}
}

func TestRemoveMemberAtCapAllowed(t *testing.T) {
	m, _, _ := newTestManager(t)
	zero := 0
	d, err := m.CreateTeam(CreateTeamInput{
		Name:                "capped",
		ProjectPath:         testProject,
		MaxRecoveryAttempts: &zero,
		Members:             []MemberInput{{Role: "dev"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	dev := d.Config.Workers[0].ID
	if err := m.UpdateMemberStatus(testProject, d.Config.ID, dev, teamstore.MemberFailed); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveMember(testProject, d.Config.ID, dev); err != nil {
		t.Fatalf("remove failed member past the cap: %v", err)
	}
}

func TestUpdateTeamValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	a := createAlpha(t, m)
	b, err := m.CreateTeam(CreateTeamInput{Name: "beta", ProjectPath: testProject})
	if err != nil {
		t.Fatal(err)
	}

	taken := "alpha"
	if _, err := m.UpdateTeam(testProject, b.Config.ID, UpdateTeamInput{Name: &taken}); !errors.Is(err, teamstore.ErrTeamAlreadyExists) {
		t.Errorf("rename to existing name: expected ErrTeamAlreadyExists, got %v", err)
	}
	// Keeping its own name is not a conflict.
	if _, err := m.UpdateTeam(testProject, a.Config.ID, UpdateTeamInput{Name: &taken}); err != nil {
		t.Errorf("rename to own name: %v", err)
	}

	negative := -1
	if _, err := m.UpdateTeam(testProject, a.Config.ID, UpdateTeamInput{MaxRecoveryAttempts: &negative}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("negative attempts: expected ErrInvalidOperation, got %v", err)
	}
	if _, err := m.CreateTeam(CreateTeamInput{Name: "gamma", ProjectPath: testProject, MaxRecoveryAttempts: &negative}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("create with negative attempts: expected ErrInvalidOperation, got %v", err)
	}

	got, err := m.GetTeam(testProject, b.Config.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Config.Name != "beta" || got.Config.MaxRecoveryAttempts != teamstore.DefaultMaxRecoveryAttempts {
		t.Errorf("rejected updates leaked into config: %+v", got.Config)
	}
}

func TestGetTeamCacheScopedByProject(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := createAlpha(t, m)
	if _, err := m.GetTeam("/work/other", d.Config.ID); !errors.Is(err, teamstore.ErrTeamNotFound) {
		t.Fatalf("cached team served for another project: %v", err)
	}
	if _, err := m.GetTeam(testProject, d.Config.ID); err != nil {
		t.Fatalf("own project: %v", err)
	}
}
