package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alecthomas/kong"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type fakeDaemon struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	reply    string
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{r.Method, r.URL.Path, r.URL.RawQuery, string(body)})
	status, reply := f.status, f.reply
	f.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, reply)
}

func (f *fakeDaemon) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no request reached the daemon")
	}
	return f.requests[len(f.requests)-1]
}

// run parses and executes args against the fake daemon. Exits are captured
// rather than calling os.Exit.
func run(t *testing.T, d *fakeDaemon, stdin string, args ...string) (string, error) {
	t.Helper()
	ts := httptest.NewServer(d)
	t.Cleanup(ts.Close)

	var out bytes.Buffer
	var cli CLI
	cli.Out = &out
	cli.In = strings.NewReader(stdin)
	exitCode := 0
	parser, err := newParser(&cli, kong.Writers(&out, &out), kong.Exit(func(code int) { exitCode = code }))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	full := append([]string{"--server", ts.URL, "--project", "/work/p"}, args...)
	ctx, err := parser.Parse(full)
	if err != nil {
		return out.String(), err
	}
	if exitCode != 0 {
		t.Fatalf("unexpected exit %d: %s", exitCode, out.String())
	}
	runErr := ctx.Run()
	return out.String(), runErr
}

func TestTeamCreateSendsMembersAndPolicy(t *testing.T) {
	d := &fakeDaemon{status: http.StatusCreated, reply: `{"config":{"id":"t1"}}`}
	out, err := run(t, d, "", "team", "create", "alpha", "-m", "dev:claude", "-m", "qa", "--no-recovery", "--max-attempts", "5", "--tag", "x")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	req := d.last(t)
	if req.Method != http.MethodPost || req.Path != "/api/teams" {
		t.Fatalf("unexpected request: %+v", req)
	}
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["project_path"] != "/work/p" || body["auto_recovery"] != false || body["max_recovery_attempts"] != float64(5) {
		t.Fatalf("unexpected body: %v", body)
	}
	members := body["members"].([]interface{})
	if len(members) != 2 || members[1].(map[string]interface{})["agent_type"] != "qa" {
		t.Fatalf("unexpected members: %v", members)
	}
	if !strings.Contains(out, `"id": "t1"`) {
		t.Fatalf("output not pretty-printed: %s", out)
	}
}

func TestTeamListPrintsTable(t *testing.T) {
	d := &fakeDaemon{reply: `[{"id":"t1","name":"alpha","status":"active","member_count":3,"last_active":"2026-06-01T12:00:00Z"}]`}
	out, err := run(t, d, "", "team", "list", "--status", "active")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	req := d.last(t)
	if req.Path != "/api/teams" || !strings.Contains(req.Query, "status=active") || !strings.Contains(req.Query, "project=%2Fwork%2Fp") {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "NAME") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestMemberCommandsHitMemberRoutes(t *testing.T) {
	cases := []struct {
		args   []string
		method string
		path   string
	}{
		{[]string{"member", "heartbeat", "t1", "m1"}, http.MethodPost, "/api/teams/t1/members/m1/heartbeat"},
		{[]string{"member", "fail", "t1", "m1", "--reason", "hung"}, http.MethodPost, "/api/teams/t1/members/m1/failure"},
		{[]string{"member", "replace", "t1", "m1"}, http.MethodPost, "/api/teams/t1/members/m1/replace"},
		{[]string{"member", "status", "t1", "m1", "idle"}, http.MethodPut, "/api/teams/t1/members/m1/status"},
		{[]string{"member", "remove", "t1", "m1"}, http.MethodDelete, "/api/teams/t1/members/m1"},
		{[]string{"team", "resume", "t1"}, http.MethodPost, "/api/teams/t1/resume"},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			d := &fakeDaemon{status: http.StatusNoContent}
			out, err := run(t, d, "", tc.args...)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			req := d.last(t)
			if req.Method != tc.method || req.Path != tc.path {
				t.Fatalf("got %s %s, want %s %s", req.Method, req.Path, tc.method, tc.path)
			}
			if strings.TrimSpace(out) != "ok" {
				t.Fatalf("unexpected output: %q", out)
			}
		})
	}
}

func TestMemberStatusRejectsUnknownValue(t *testing.T) {
	d := &fakeDaemon{}
	if _, err := run(t, d, "", "member", "status", "t1", "m1", "sleeping"); err == nil {
		t.Fatal("expected enum validation error")
	}
}

func TestErrorBodyIsSurfaced(t *testing.T) {
	d := &fakeDaemon{status: http.StatusNotFound, reply: `{"error":"team not found: t9"}`}
	_, err := run(t, d, "", "team", "show", "t9")
	if err == nil || !strings.Contains(err.Error(), "team not found") || !strings.Contains(err.Error(), "404") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWatchConfigConvertsDurations(t *testing.T) {
	d := &fakeDaemon{reply: `{"check_interval_secs":10}`}
	if _, err := run(t, d, "", "watch", "config", "--check-interval", "10s", "--heartbeat-timeout", "1m", "--disable"); err != nil {
		t.Fatalf("run: %v", err)
	}
	var body map[string]interface{}
	json.Unmarshal([]byte(d.last(t).Body), &body)
	if body["check_interval_secs"] != float64(10) || body["heartbeat_timeout_secs"] != float64(60) || body["enabled"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStreamForwardsStdin(t *testing.T) {
	d := &fakeDaemon{reply: `{"session_id":"s1","events":1}`}
	stdin := `{"type":"result","result":"ok"}` + "\n"
	if _, err := run(t, d, stdin, "stream", "t1", "m1", "--terminal", "term-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	req := d.last(t)
	if req.Path != "/api/teams/t1/members/m1/stream" || req.Body != stdin || !strings.Contains(req.Query, "terminal=term-1") {
		t.Fatalf("unexpected request: %+v", req)
	}
}
