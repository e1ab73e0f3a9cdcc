package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/teamwarden/internal/clock"
	"github.com/nidhogg/teamwarden/internal/notify"
	"github.com/nidhogg/teamwarden/internal/session"
	"github.com/nidhogg/teamwarden/internal/store"
	"github.com/nidhogg/teamwarden/internal/team"
	"github.com/nidhogg/teamwarden/internal/teamstore"
	"github.com/nidhogg/teamwarden/internal/watchdog"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	teams    *team.Service
	watchdog *watchdog.Watchdog
	hub      *notify.Hub
	recent   *notify.MemorySink
	archive  *store.Store
	tracker  *session.Tracker
	clock    clock.Clock
	beat     time.Duration
	origins  []string
	logger   *zap.Logger
}

// NewHandler creates a new API handler. hub, recent, archive and tracker
// may be nil. beat is the minimum heartbeat spacing of agent streams.
func NewHandler(
	teams *team.Service,
	wd *watchdog.Watchdog,
	hub *notify.Hub,
	recent *notify.MemorySink,
	archive *store.Store,
	tracker *session.Tracker,
	clk clock.Clock,
	beat time.Duration,
	origins []string,
	logger *zap.Logger,
) *Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Handler{
		teams:    teams,
		watchdog: wd,
		hub:      hub,
		recent:   recent,
		archive:  archive,
		tracker:  tracker,
		clock:    clk,
		beat:     beat,
		origins:  origins,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/teams", h.createTeam)
		r.Get("/teams", h.listTeams)
		r.Route("/teams/{teamID}", func(r chi.Router) {
			r.Get("/", h.getTeam)
			r.Put("/", h.updateTeam)
			r.Delete("/", h.deleteTeam)
			r.Post("/archive", h.archiveTeam)
			r.Post("/pause", h.pauseTeam)
			r.Post("/resume", h.resumeTeam)
			r.Get("/history", h.recoveryHistory)
			r.Post("/history", h.recordRecoveryEvent)

			r.Get("/members", h.listMembers)
			r.Post("/members", h.addMember)
			r.Route("/members/{memberID}", func(r chi.Router) {
				r.Delete("/", h.removeMember)
				r.Put("/session", h.updateMemberSession)
				r.Put("/status", h.updateMemberStatus)
				r.Put("/task", h.updateMemberTask)
				r.Post("/heartbeat", h.heartbeat)
				r.Post("/failure", h.reportFailure)
				r.Post("/replace", h.replaceMember)
				r.Get("/recovery-context", h.recoveryContext)
				r.Post("/stream", h.streamAgentOutput)
			})
		})

		r.Route("/watchdog", func(r chi.Router) {
			r.Post("/teams", h.startMonitoring)
			r.Delete("/teams/{teamID}", h.stopMonitoring)
			r.Post("/recover", h.triggerRecovery)
			r.Put("/config", h.updateWatchdogConfig)
			r.Get("/status", h.watchdogStatus)
		})

		r.Get("/sessions", h.listSessions)
		r.Post("/sessions", h.addSession)
		r.Delete("/sessions/{sessionID}", h.removeSession)

		r.Get("/notifications", h.notifications)
		r.Get("/archive/recoveries", h.archivedRecoveries)
		r.Get("/archive/stats/{teamID}", h.archiveStats)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if h.hub != nil {
		resp["dropped_notifications"] = h.hub.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- teams ---

func (h *Handler) createTeam(w http.ResponseWriter, r *http.Request) {
	var in team.CreateTeamInput
	if !decodeBody(w, r, &in) {
		return
	}
	data, err := h.teams.CreateTeam(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, data)
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	var filter *teamstore.TeamStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := teamstore.ParseTeamStatus(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status: " + s})
			return
		}
		filter = &st
	}
	teams, err := h.teams.ListTeams(r.Context(), project, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if teams == nil {
		teams = []team.Summary{}
	}
	writeJSON(w, http.StatusOK, teams)
}

func (h *Handler) getTeam(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	data, err := h.teams.GetTeam(r.Context(), project, chi.URLParam(r, "teamID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *Handler) updateTeam(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	var in team.UpdateTeamInput
	if !decodeBody(w, r, &in) {
		return
	}
	data, err := h.teams.UpdateTeam(r.Context(), project, chi.URLParam(r, "teamID"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *Handler) archiveTeam(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	teamID := chi.URLParam(r, "teamID")
	if err := h.teams.ArchiveTeam(r.Context(), project, teamID); err != nil {
		h.writeError(w, err)
		return
	}
	h.unmonitor(r, teamID)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(teamstore.TeamArchived)})
}

func (h *Handler) deleteTeam(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	teamID := chi.URLParam(r, "teamID")
	if err := h.teams.DeleteTeam(r.Context(), project, teamID); err != nil {
		h.writeError(w, err)
		return
	}
	h.unmonitor(r, teamID)
	w.WriteHeader(http.StatusNoContent)
}

// unmonitor stops watching a team that can no longer recover members.
func (h *Handler) unmonitor(r *http.Request, teamID string) {
	if h.watchdog == nil {
		return
	}
	if err := h.watchdog.StopMonitoring(r.Context(), teamID); err != nil {
		h.logger.Warn("stop monitoring failed", zap.String("team", teamID), zap.Error(err))
	}
}

type pauseRequest struct {
	Terminals []teamstore.TerminalSession `json:"terminals"`
}

func (h *Handler) pauseTeam(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	var req pauseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.teams.PauseTeam(r.Context(), project, chi.URLParam(r, "teamID"), req.Terminals); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(teamstore.TeamPaused)})
}

func (h *Handler) resumeTeam(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	res, err := h.teams.ResumeTeam(r.Context(), project, chi.URLParam(r, "teamID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) recoveryHistory(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	events, err := h.teams.GetRecoveryHistory(r.Context(), project, chi.URLParam(r, "teamID"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if events == nil {
		events = []teamstore.RecoveryEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) recordRecoveryEvent(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	var in team.RecoveryEventInput
	if !decodeBody(w, r, &in) {
		return
	}
	ev, err := h.teams.RecordRecoveryEvent(r.Context(), project, chi.URLParam(r, "teamID"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// --- members ---

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	members, err := h.teams.GetMembersWithState(r.Context(), project, chi.URLParam(r, "teamID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	var in team.MemberInput
	if !decodeBody(w, r, &in) {
		return
	}
	mc, err := h.teams.AddMember(r.Context(), project, chi.URLParam(r, "teamID"), in.Role, in.AgentType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mc)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	err := h.teams.RemoveMember(r.Context(), project, chi.URLParam(r, "teamID"), chi.URLParam(r, "memberID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionRequest struct {
	TerminalID string `json:"terminal_id"`
	SessionID  string `json:"session_id"`
}

func (h *Handler) updateMemberSession(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.teams.UpdateMemberSession(r.Context(), project,
		chi.URLParam(r, "teamID"), chi.URLParam(r, "memberID"), req.TerminalID, req.SessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) updateMemberStatus(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.teams.UpdateMemberStatus(r.Context(), project,
		chi.URLParam(r, "teamID"), chi.URLParam(r, "memberID"), teamstore.MemberStatus(req.Status))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type taskRequest struct {
	Task *teamstore.TaskInfo `json:"task"`
}

func (h *Handler) updateMemberTask(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	var req taskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.teams.UpdateMemberTask(r.Context(), project,
		chi.URLParam(r, "teamID"), chi.URLParam(r, "memberID"), req.Task)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	err := h.teams.RecordHeartbeat(r.Context(), project, chi.URLParam(r, "teamID"), chi.URLParam(r, "memberID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failureRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) reportFailure(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	var req failureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.teams.ReportMemberFailure(r.Context(), project,
		chi.URLParam(r, "teamID"), chi.URLParam(r, "memberID"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) replaceMember(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	mc, err := h.teams.CreateReplacementMember(r.Context(), project,
		chi.URLParam(r, "teamID"), chi.URLParam(r, "memberID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mc)
}

func (h *Handler) recoveryContext(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	rc, err := h.teams.BuildRecoveryContext(r.Context(), project,
		chi.URLParam(r, "teamID"), chi.URLParam(r, "memberID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// --- watchdog ---

type monitorRequest struct {
	TeamID      string `json:"team_id"`
	ProjectPath string `json:"project_path"`
}

func (h *Handler) startMonitoring(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TeamID == "" || req.ProjectPath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "team_id and project_path are required"})
		return
	}
	if err := h.watchdog.StartMonitoring(r.Context(), req.TeamID, req.ProjectPath); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "monitoring"})
}

func (h *Handler) stopMonitoring(w http.ResponseWriter, r *http.Request) {
	if err := h.watchdog.StopMonitoring(r.Context(), chi.URLParam(r, "teamID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recoverRequest struct {
	TeamID   string `json:"team_id"`
	MemberID string `json:"member_id"`
	Reason   string `json:"reason"`
}

func (h *Handler) triggerRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "Manual recovery"
	}
	out, err := h.watchdog.TriggerRecovery(r.Context(), req.TeamID, req.MemberID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) updateWatchdogConfig(w http.ResponseWriter, r *http.Request) {
	var cfg watchdog.Config
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := h.watchdog.UpdateConfig(r.Context(), cfg); err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.watchdog.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Config)
}

func (h *Handler) watchdogStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.watchdog.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- agent sessions ---

// streamAgentOutput feeds an agent's NDJSON output, sent as the request
// body, into the member's heartbeat and status. It returns when the
// body ends.
func (h *Handler) streamAgentOutput(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	member := session.Member{
		ProjectPath: project,
		TeamID:      chi.URLParam(r, "teamID"),
		MemberID:    chi.URLParam(r, "memberID"),
		TerminalID:  r.URL.Query().Get("terminal"),
	}
	if _, err := h.teams.GetTeam(r.Context(), project, member.TeamID); err != nil {
		h.writeError(w, err)
		return
	}
	pump := session.NewPump(h.teams, member, h.clock, h.beat, h.logger)
	sum, err := pump.Run(r.Context(), r.Body)
	if err != nil {
		h.logger.Warn("agent stream ended with error",
			zap.String("team", member.TeamID), zap.String("member", member.MemberID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, sum)
}

type sessionRegistration struct {
	SessionID  string `json:"session_id"`
	PID        int    `json:"pid"`
	TerminalID string `json:"terminal_id"`
	Role       string `json:"role"`
	Cwd        string `json:"cwd"`
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session tracker not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.List())
}

func (h *Handler) addSession(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session tracker not configured"})
		return
	}
	var req sessionRegistration
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.PID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id and a positive pid are required"})
		return
	}
	if err := h.tracker.Add(req.SessionID, req.PID, req.TerminalID, req.Role, req.Cwd); err != nil {
		h.writeError(w, err)
		return
	}
	s, _ := h.tracker.Get(req.SessionID)
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) removeSession(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session tracker not configured"})
		return
	}
	if err := h.tracker.Remove(chi.URLParam(r, "sessionID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- notifications ---

func (h *Handler) notifications(w http.ResponseWriter, r *http.Request) {
	if h.recent == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "notification buffer not configured"})
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	q := r.URL.Query()
	events := h.recent.Recent(limit, q.Get("team"), notify.Kind(q.Get("kind")))
	if events == nil {
		events = []notify.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) archivedRecoveries(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive not configured"})
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	out, err := h.archive.RecentRecoveries(r.Context(), r.URL.Query().Get("team"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if out == nil {
		out = []store.ArchivedRecovery{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) archiveStats(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive not configured"})
		return
	}
	st, err := h.archive.Stats(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- helpers ---

func requireProject(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := r.URL.Query().Get("project")
	if p == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project query parameter is required"})
		return "", false
	}
	return p, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name + ": " + s})
		return 0, false
	}
	return n, true
}

// decodeBody reads a JSON body into v. An empty body leaves v zero.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, teamstore.ErrTeamNotFound),
		errors.Is(err, team.ErrMemberNotFound),
		errors.Is(err, watchdog.ErrTeamNotMonitored):
		return http.StatusNotFound
	case errors.Is(err, teamstore.ErrTeamAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, team.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, team.ErrServiceClosed), errors.Is(err, watchdog.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
