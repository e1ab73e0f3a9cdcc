package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
)

// Globals holds the flags shared by every command.
type Globals struct {
	Server  string        `help:"teamwarden daemon URL." default:"http://localhost:3290" env:"TEAMWARDEN_URL"`
	Project string        `help:"Project path the teams belong to (default: current directory)." env:"TEAMWARDEN_PROJECT"`
	Timeout time.Duration `help:"Request timeout." default:"30s"`

	Out    io.Writer    `kong:"-"`
	In     io.Reader    `kong:"-"`
	Client *http.Client `kong:"-"`
}

type CLI struct {
	Globals

	Team    TeamCmd    `cmd:"" help:"Manage teams (create/list/show/archive/delete/pause/resume)."`
	Member  MemberCmd  `cmd:"" help:"Manage team members."`
	History HistoryCmd `cmd:"" help:"Show a team's recovery history."`
	Watch   WatchCmd   `cmd:"" help:"Control the recovery watchdog."`
	Stream  StreamCmd  `cmd:"" help:"Pipe an agent's NDJSON output (stdin) to the daemon."`
	Events  EventsCmd  `cmd:"" help:"Show recent notifications."`
}

// ─── team ────────────────────────────────────────────────────────────────────

type TeamCmd struct {
	Create  TeamCreateCmd  `cmd:"" help:"Create a team with an orchestrator and workers."`
	List    TeamListCmd    `cmd:"" help:"List teams of the project."`
	Show    TeamShowCmd    `cmd:"" help:"Show a team's config and state."`
	Archive TeamArchiveCmd `cmd:"" help:"Archive a team."`
	Delete  TeamDeleteCmd  `cmd:"" help:"Delete a team and its history."`
	Pause   TeamPauseCmd   `cmd:"" help:"Pause a team."`
	Resume  TeamResumeCmd  `cmd:"" help:"Resume a paused team."`
}

type TeamCreateCmd struct {
	Name        string   `arg:"" help:"Team name."`
	Member      []string `short:"m" help:"Worker as role or role:agent_type (repeatable)."`
	NoRecovery  bool     `help:"Disable automatic recovery."`
	MaxAttempts int      `help:"Maximum recovery attempts per member (0 keeps the default)."`
	Description string   `help:"Free-form description."`
	Tag         []string `help:"Tag (repeatable)."`
}

func (c *TeamCreateCmd) Run(g *Globals) error {
	project, err := g.project()
	if err != nil {
		return err
	}
	body := map[string]interface{}{
		"name":         c.Name,
		"project_path": project,
		"description":  c.Description,
		"tags":         c.Tag,
	}
	var members []map[string]string
	for _, m := range c.Member {
		role, agent, _ := strings.Cut(m, ":")
		if agent == "" {
			agent = role
		}
		members = append(members, map[string]string{"role": role, "agent_type": agent})
	}
	body["members"] = members
	if c.NoRecovery {
		body["auto_recovery"] = false
	}
	if c.MaxAttempts > 0 {
		body["max_recovery_attempts"] = c.MaxAttempts
	}
	var out json.RawMessage
	if err := g.call(http.MethodPost, "/api/teams", nil, body, &out); err != nil {
		return err
	}
	return g.printJSON(out)
}

type TeamListCmd struct {
	Status string `help:"Filter by status."`
}

func (c *TeamListCmd) Run(g *Globals) error {
	q, err := g.projectQuery()
	if err != nil {
		return err
	}
	if c.Status != "" {
		q.Set("status", c.Status)
	}
	var teams []struct {
		ID          string    `json:"id"`
		Name        string    `json:"name"`
		Status      string    `json:"status"`
		MemberCount int       `json:"member_count"`
		LastActive  time.Time `json:"last_active"`
	}
	if err := g.call(http.MethodGet, "/api/teams", q, nil, &teams); err != nil {
		return err
	}
	if len(teams) == 0 {
		fmt.Fprintln(g.Out, "no teams")
		return nil
	}
	tw := tabwriter.NewWriter(g.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tMEMBERS\tLAST ACTIVE")
	for _, t := range teams {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Name, t.Status, t.MemberCount, t.LastActive.Format(time.RFC3339))
	}
	return tw.Flush()
}

type TeamArg struct {
	Team string `arg:"" help:"Team id."`
}

type TeamShowCmd struct{ TeamArg }

func (c *TeamShowCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodGet, c.Team, "", nil)
}

type TeamArchiveCmd struct{ TeamArg }

func (c *TeamArchiveCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodPost, c.Team, "/archive", nil)
}

type TeamDeleteCmd struct{ TeamArg }

func (c *TeamDeleteCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodDelete, c.Team, "", nil)
}

type TeamPauseCmd struct{ TeamArg }

func (c *TeamPauseCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodPost, c.Team, "/pause", map[string]interface{}{})
}

type TeamResumeCmd struct{ TeamArg }

func (c *TeamResumeCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodPost, c.Team, "/resume", nil)
}

// ─── member ──────────────────────────────────────────────────────────────────

type MemberCmd struct {
	List      MemberListCmd      `cmd:"" help:"List members with live state."`
	Add       MemberAddCmd       `cmd:"" help:"Add a worker."`
	Remove    MemberRemoveCmd    `cmd:"" help:"Remove a worker."`
	Heartbeat MemberHeartbeatCmd `cmd:"" help:"Record a heartbeat. (Called by agent wrappers.)"`
	Status    MemberStatusCmd    `cmd:"" help:"Set a member's status."`
	Fail      MemberFailCmd      `cmd:"" help:"Report a member failure."`
	Replace   MemberReplaceCmd   `cmd:"" help:"Replace a failed member."`
	Context   MemberContextCmd   `cmd:"" help:"Show the recovery context of a member."`
}

type MemberArgs struct {
	Team   string `arg:"" help:"Team id."`
	Member string `arg:"" help:"Member id."`
}

func (m MemberArgs) path(suffix string) string {
	return "/members/" + url.PathEscape(m.Member) + suffix
}

type MemberListCmd struct{ TeamArg }

func (c *MemberListCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodGet, c.Team, "/members", nil)
}

type MemberAddCmd struct {
	Team      string `arg:"" help:"Team id."`
	Role      string `arg:"" help:"Role label."`
	AgentType string `arg:"" optional:"" help:"Agent type (default: role)."`
}

func (c *MemberAddCmd) Run(g *Globals) error {
	agent := c.AgentType
	if agent == "" {
		agent = c.Role
	}
	return g.teamRequest(http.MethodPost, c.Team, "/members", map[string]string{"role": c.Role, "agent_type": agent})
}

type MemberRemoveCmd struct{ MemberArgs }

func (c *MemberRemoveCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodDelete, c.Team, c.path(""), nil)
}

type MemberHeartbeatCmd struct{ MemberArgs }

func (c *MemberHeartbeatCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodPost, c.Team, c.path("/heartbeat"), nil)
}

type MemberStatusCmd struct {
	MemberArgs
	Status string `arg:"" help:"New status." enum:"active,idle,failed,recovering,paused"`
}

func (c *MemberStatusCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodPut, c.Team, c.path("/status"), map[string]string{"status": c.Status})
}

type MemberFailCmd struct {
	MemberArgs
	Reason string `help:"Failure reason." default:"Reported by operator"`
}

func (c *MemberFailCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodPost, c.Team, c.path("/failure"), map[string]string{"reason": c.Reason})
}

type MemberReplaceCmd struct{ MemberArgs }

func (c *MemberReplaceCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodPost, c.Team, c.path("/replace"), nil)
}

type MemberContextCmd struct{ MemberArgs }

func (c *MemberContextCmd) Run(g *Globals) error {
	return g.teamRequest(http.MethodGet, c.Team, c.path("/recovery-context"), nil)
}

// ─── history / events ────────────────────────────────────────────────────────

type HistoryCmd struct {
	Team  string `arg:"" help:"Team id."`
	Limit int    `short:"n" help:"Number of events (0 for all)." default:"20"`
}

func (c *HistoryCmd) Run(g *Globals) error {
	q, err := g.projectQuery()
	if err != nil {
		return err
	}
	q.Set("limit", fmt.Sprint(c.Limit))
	var out json.RawMessage
	if err := g.call(http.MethodGet, "/api/teams/"+url.PathEscape(c.Team)+"/history", q, nil, &out); err != nil {
		return err
	}
	return g.printJSON(out)
}

type EventsCmd struct {
	Team  string `help:"Only events of this team."`
	Kind  string `help:"Only events of this kind."`
	Limit int    `short:"n" help:"Number of events." default:"50"`
}

func (c *EventsCmd) Run(g *Globals) error {
	q := url.Values{}
	if c.Team != "" {
		q.Set("team", c.Team)
	}
	if c.Kind != "" {
		q.Set("kind", c.Kind)
	}
	q.Set("limit", fmt.Sprint(c.Limit))
	var events []struct {
		Timestamp time.Time `json:"timestamp"`
		Kind      string    `json:"kind"`
		TeamID    string    `json:"team_id"`
		MemberID  string    `json:"member_id"`
		Status    string    `json:"status"`
	}
	if err := g.call(http.MethodGet, "/api/notifications", q, nil, &events); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(g.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tTEAM\tMEMBER\tSTATUS")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Kind, e.TeamID, e.MemberID, e.Status)
	}
	return tw.Flush()
}

// ─── watchdog ────────────────────────────────────────────────────────────────

type WatchCmd struct {
	Start   WatchStartCmd   `cmd:"" help:"Start monitoring a team."`
	Stop    WatchStopCmd    `cmd:"" help:"Stop monitoring a team."`
	Recover WatchRecoverCmd `cmd:"" help:"Recover a member now, bypassing the delay."`
	Status  WatchStatusCmd  `cmd:"" help:"Show monitored teams and pending recoveries."`
	Config  WatchConfigCmd  `cmd:"" help:"Replace the watchdog timing."`
}

type WatchStartCmd struct{ TeamArg }

func (c *WatchStartCmd) Run(g *Globals) error {
	project, err := g.project()
	if err != nil {
		return err
	}
	var out json.RawMessage
	body := map[string]string{"team_id": c.Team, "project_path": project}
	if err := g.call(http.MethodPost, "/api/watchdog/teams", nil, body, &out); err != nil {
		return err
	}
	return g.printJSON(out)
}

type WatchStopCmd struct{ TeamArg }

func (c *WatchStopCmd) Run(g *Globals) error {
	return g.call(http.MethodDelete, "/api/watchdog/teams/"+url.PathEscape(c.Team), nil, nil, nil)
}

type WatchRecoverCmd struct {
	MemberArgs
	Reason string `help:"Recovery reason." default:"Manual recovery"`
}

func (c *WatchRecoverCmd) Run(g *Globals) error {
	var out json.RawMessage
	body := map[string]string{"team_id": c.Team, "member_id": c.Member, "reason": c.Reason}
	if err := g.call(http.MethodPost, "/api/watchdog/recover", nil, body, &out); err != nil {
		return err
	}
	return g.printJSON(out)
}

type WatchStatusCmd struct{}

func (c *WatchStatusCmd) Run(g *Globals) error {
	var out json.RawMessage
	if err := g.call(http.MethodGet, "/api/watchdog/status", nil, nil, &out); err != nil {
		return err
	}
	return g.printJSON(out)
}

type WatchConfigCmd struct {
	CheckInterval    time.Duration `help:"Polling interval." default:"30s"`
	HeartbeatTimeout time.Duration `help:"Heartbeat age treated as stale." default:"120s"`
	RecoveryDelay    time.Duration `help:"Delay between detection and replacement." default:"5s"`
	Disable          bool          `help:"Disable health checks."`
}

func (c *WatchConfigCmd) Run(g *Globals) error {
	body := map[string]interface{}{
		"check_interval_secs":    int64(c.CheckInterval / time.Second),
		"heartbeat_timeout_secs": int64(c.HeartbeatTimeout / time.Second),
		"recovery_delay_secs":    int64(c.RecoveryDelay / time.Second),
		"enabled":                !c.Disable,
	}
	var out json.RawMessage
	if err := g.call(http.MethodPut, "/api/watchdog/config", nil, body, &out); err != nil {
		return err
	}
	return g.printJSON(out)
}

// ─── stream ──────────────────────────────────────────────────────────────────

type StreamCmd struct {
	MemberArgs
	Terminal string `help:"Terminal id to record with the session."`
}

// Run forwards stdin until EOF; the request has no timeout.
func (c *StreamCmd) Run(g *Globals) error {
	q, err := g.projectQuery()
	if err != nil {
		return err
	}
	if c.Terminal != "" {
		q.Set("terminal", c.Terminal)
	}
	u := g.Server + "/api/teams/" + url.PathEscape(c.Team) + c.path("/stream") + "?" + q.Encode()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, u, g.In)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	defer resp.Body.Close()
	var out json.RawMessage
	if err := decodeResponse(resp, &out); err != nil {
		return err
	}
	return g.printJSON(out)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (g *Globals) project() (string, error) {
	if g.Project != "" {
		return g.Project, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	return wd, nil
}

func (g *Globals) projectQuery() (url.Values, error) {
	p, err := g.project()
	if err != nil {
		return nil, err
	}
	return url.Values{"project": {p}}, nil
}

// teamRequest calls /api/teams/{team}{suffix}?project=... and prints the
// response body, if any.
func (g *Globals) teamRequest(method, teamID, suffix string, body interface{}) error {
	q, err := g.projectQuery()
	if err != nil {
		return err
	}
	var out json.RawMessage
	if err := g.call(method, "/api/teams/"+url.PathEscape(teamID)+suffix, q, body, &out); err != nil {
		return err
	}
	if len(out) == 0 {
		fmt.Fprintln(g.Out, "ok")
		return nil
	}
	return g.printJSON(out)
}

func (g *Globals) call(method, path string, q url.Values, body, out interface{}) error {
	u := g.Server + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (g *Globals) printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		fmt.Fprintln(g.Out, "ok")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(g.Out)
	return err
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	opts := append([]kong.Option{
		kong.Name("teamctl"),
		kong.Description("teamctl — operate teamwarden agent teams\n\nUSAGE:  teamctl <command> [arguments]"),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
	}, options...)
	return kong.New(cli, opts...)
}

func main() {
	var cli CLI
	cli.Out = os.Stdout
	cli.In = os.Stdin

	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	ctx.FatalIfErrorf(ctx.Run())
}
