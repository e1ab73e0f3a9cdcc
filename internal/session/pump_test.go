package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/teamwarden/internal/clock"
	"github.com/nidhogg/teamwarden/internal/teamstore"
	"go.uber.org/zap"
)

type recordingReporter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingReporter) add(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
	return r.err
}

func (r *recordingReporter) RecordHeartbeat(_ context.Context, _, _, memberID string) error {
	return r.add("heartbeat " + memberID)
}

func (r *recordingReporter) UpdateMemberSession(_ context.Context, _, _, memberID, terminalID, sessionID string) error {
	return r.add(fmt.Sprintf("session %s %s %s", memberID, terminalID, sessionID))
}

func (r *recordingReporter) UpdateMemberStatus(_ context.Context, _, _, memberID string, status teamstore.MemberStatus) error {
	return r.add(fmt.Sprintf("status %s %s", memberID, status))
}

func (r *recordingReporter) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

var testMember = Member{ProjectPath: "/work/p", TeamID: "t1", MemberID: "m1", TerminalID: "term-1"}

func newTestPump(rep Reporter, every time.Duration) (*Pump, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewPump(rep, testMember, clk, every, zap.NewNop()), clk
}

const successStream = `{"type":"system","subtype":"init","session_id":"sess-1","tools":["Read","Edit"]}
{"type":"assistant","session_id":"sess-1","message":{"role":"assistant","content":[{"type":"text","text":"working"},{"type":"tool_use","id":"tu1","name":"Read","input":{"path":"a.go"}}]}}
{"type":"user","session_id":"sess-1","message":{"role":"user","content":"continue"}}
{"type":"result","subtype":"success","result":"done","session_id":"sess-1","duration_ms":1200,"num_turns":3}
`

func TestPumpSuccessfulRun(t *testing.T) {
	rep := &recordingReporter{}
	p, _ := newTestPump(rep, 0)

	sum, err := p.Run(context.Background(), strings.NewReader(successStream))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.SessionID != "sess-1" || sum.Events != 4 || sum.Failed {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.Result == nil || sum.Result.Result != "done" || sum.Result.NumTurns != 3 {
		t.Fatalf("unexpected result event: %+v", sum.Result)
	}

	want := []string{
		"heartbeat m1",
		"session m1 term-1 sess-1",
		"status m1 active",
		"heartbeat m1",
		"heartbeat m1",
		"heartbeat m1",
		"status m1 idle",
	}
	if strings.Join(rep.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("calls:\n got %v\nwant %v", rep.calls, want)
	}
}

func TestPumpResultErrorReportsFailure(t *testing.T) {
	rep := &recordingReporter{}
	p, _ := newTestPump(rep, 0)

	stream := `{"type":"system","subtype":"init","session_id":"s"}
{"type":"result","subtype":"error_max_turns","is_error":true,"result":"too many turns"}
`
	sum, err := p.Run(context.Background(), strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Failed || sum.Reason != "agent result error: too many turns" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if rep.count("status m1 failed") != 1 {
		t.Fatalf("expected member marked failed once, got %v", rep.calls)
	}
	if rep.count("status m1 idle") != 0 {
		t.Fatalf("failed result must not mark idle: %v", rep.calls)
	}
}

func TestPumpErrorEventReportsFailure(t *testing.T) {
	rep := &recordingReporter{}
	p, _ := newTestPump(rep, 0)

	stream := `{"type":"error","error":{"message":"overloaded","code":"529"}}` + "\n"
	sum, err := p.Run(context.Background(), strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Reason != "agent error 529: overloaded" {
		t.Fatalf("reason = %q", sum.Reason)
	}
	if rep.count("status m1 failed") != 1 {
		t.Fatalf("calls: %v", rep.calls)
	}
}

func TestPumpEOFWithoutResultReportsFailure(t *testing.T) {
	rep := &recordingReporter{}
	p, _ := newTestPump(rep, 0)

	stream := `{"type":"system","subtype":"init","session_id":"s"}
{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"hmm"}]}}
`
	sum, err := p.Run(context.Background(), strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Failed || sum.Reason != ReasonExitedWithoutResult {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if rep.count("status m1 failed") != 1 {
		t.Fatalf("calls: %v", rep.calls)
	}
}

func TestPumpSkipsGarbageLines(t *testing.T) {
	rep := &recordingReporter{}
	p, _ := newTestPump(rep, 0)

	stream := "not json\n\n" + `{"type":"result","result":"ok"}` + "\n"
	sum, err := p.Run(context.Background(), strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Skipped != 1 || sum.Events != 1 || sum.Failed {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestPumpThrottlesHeartbeats(t *testing.T) {
	rep := &recordingReporter{}
	p, clk := newTestPump(rep, 5*time.Second)

	pr, pw := io.Pipe()
	done := make(chan Summary, 1)
	go func() {
		sum, _ := p.Run(context.Background(), pr)
		done <- sum
	}()

	write := func(line string) {
		if _, err := io.WriteString(pw, line+"\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"type":"assistant","message":{"content":"a"}}`)
	write(`{"type":"assistant","message":{"content":"b"}}`)
	clk.Advance(6 * time.Second)
	write(`{"type":"assistant","message":{"content":"c"}}`)
	write(`{"type":"result","result":"ok"}`)
	pw.Close()

	sum := <-done
	if sum.Events != 4 {
		t.Fatalf("events = %d", sum.Events)
	}
	if got := rep.count("heartbeat"); got != 2 {
		t.Fatalf("heartbeats = %d, want 2 (%v)", got, rep.calls)
	}
}

func TestPumpReporterErrorsDoNotStopStream(t *testing.T) {
	rep := &recordingReporter{err: errors.New("member gone")}
	p, _ := newTestPump(rep, 0)

	sum, err := p.Run(context.Background(), strings.NewReader(successStream))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Events != 4 || sum.Failed {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestPumpCancelledContext(t *testing.T) {
	rep := &recordingReporter{}
	p, _ := newTestPump(rep, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx, strings.NewReader(successStream)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rep.count("status m1 failed") != 0 {
		t.Fatalf("cancellation must not report failure: %v", rep.calls)
	}
}

func TestPumpDeathInLaterTurnReportsFailure(t *testing.T) {
	rep := &recordingReporter{}
	p, _ := newTestPump(rep, 0)

	stream := `{"type":"system","subtype":"init","session_id":"s"}
{"type":"result","subtype":"success","result":"turn one"}
{"type":"assistant","message":{"content":"turn two"}}
`
	sum, err := p.Run(context.Background(), strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Failed || sum.Reason != ReasonExitedWithoutResult {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	var statuses []string
	for _, c := range rep.calls {
		if strings.HasPrefix(c, "status ") {
			statuses = append(statuses, c)
		}
	}
	want := []string{"status m1 active", "status m1 idle", "status m1 active", "status m1 failed"}
	if strings.Join(statuses, "|") != strings.Join(want, "|") {
		t.Fatalf("statuses:\n got %v\nwant %v", statuses, want)
	}
}

func TestPumpMultiTurnSuccess(t *testing.T) {
	rep := &recordingReporter{}
	p, _ := newTestPump(rep, 0)

	stream := `{"type":"system","subtype":"init","session_id":"s"}
{"type":"result","result":"one"}
{"type":"assistant","message":{"content":"again"}}
{"type":"result","result":"two"}
`
	sum, err := p.Run(context.Background(), strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed || sum.Result == nil || sum.Result.Result != "two" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if rep.count("status m1 failed") != 0 || rep.count("status m1 idle") != 2 {
		t.Fatalf("calls: %v", rep.calls)
	}
}

func TestPumpFailureIsFinal(t *testing.T) {
	rep := &recordingReporter{}
	p, _ := newTestPump(rep, 0)

	stream := `{"type":"error","error":{"message":"boom"}}
{"type":"result","result":"late"}
`
	sum, err := p.Run(context.Background(), strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Failed || rep.count("status m1 idle") != 0 || rep.count("status m1 failed") != 1 {
		t.Fatalf("summary %+v, calls %v", sum, rep.calls)
	}
}

func TestContentTextOrBlocks(t *testing.T) {
	var text Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &text); err != nil {
		t.Fatalf("decode text: %v", err)
	}
	if !text.Content.IsText || text.Content.PlainText() != "hello" {
		t.Fatalf("unexpected text content: %+v", text.Content)
	}

	var blocks Message
	raw := `{"content":[{"type":"text","text":"one"},{"type":"tool_result","tool_use_id":"x","content":"r"},{"type":"text","text":"two"}]}`
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil {
		t.Fatalf("decode blocks: %v", err)
	}
	if blocks.Content.IsText || len(blocks.Content.Blocks) != 3 {
		t.Fatalf("unexpected block content: %+v", blocks.Content)
	}
	if got := blocks.Content.PlainText(); got != "one\ntwo" {
		t.Fatalf("PlainText = %q", got)
	}

	out, err := json.Marshal(text)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(out), `"content":"hello"`) {
		t.Fatalf("text content should encode as a string: %s", out)
	}

	var bad Message
	if err := json.Unmarshal([]byte(`{"content":42}`), &bad); err == nil {
		t.Fatal("numeric content should be rejected")
	}
}
