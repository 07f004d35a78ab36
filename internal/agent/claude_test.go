package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// stubClaude writes a fake claude binary. It records its arguments, one per
// line, to the returned file and then runs body.
func stubClaude(t *testing.T, body string) (bin, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	bin = filepath.Join(dir, "claude")
	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do echo \"$a\" >> " + argsFile + "; done\n" +
		body + "\n"
	if err := os.WriteFile(bin, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return bin, argsFile
}

func readArgs(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}

func testRequest(t *testing.T) Request {
	ws := t.TempDir()
	return Request{
		TaskID:        "task-1",
		WorkspacePath: ws,
		Repositories: []Repo{
			{Name: "api", Path: filepath.Join(ws, "api")},
			{Name: "web", Path: filepath.Join(ws, "web")},
		},
		Prompt:       "Add a health endpoint",
		SystemPrompt: "Be careful",
		Model:        "claude-sonnet-4-5-20250929",
		Timeout:      time.Minute,
		LogPath:      filepath.Join(t.TempDir(), "logs", "task-1.log"),
	}
}

const resultLine = `{"type":"result","subtype":"success","is_error":false,"usage":{"input_tokens":1200,"output_tokens":340},"cost_usd":0.42}`

func TestClaudeEngine_Success(t *testing.T) {
	bin, argsFile := stubClaude(t, `echo '{"type":"system","subtype":"init"}'
echo '`+resultLine+`'`)
	engine := NewClaudeEngine(bin, zaptest.NewLogger(t))
	req := testRequest(t)

	resp, err := engine.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if resp.Usage.InputTokens != 1200 || resp.Usage.OutputTokens != 340 || resp.Usage.CostUSD != 0.42 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.SessionID != SessionID("task-1") {
		t.Errorf("session id = %s", resp.SessionID)
	}

	args := readArgs(t, argsFile)
	checks := map[string]string{
		"--session-id":           SessionID("task-1"),
		"--model":                "claude-sonnet-4-5-20250929",
		"--append-system-prompt": "Be careful",
		"-p":                     "Add a health endpoint",
		"--output-format":        "stream-json",
	}
	for flag, want := range checks {
		i := indexOf(args, flag)
		if i < 0 || i+1 >= len(args) || args[i+1] != want {
			t.Errorf("flag %s: want value %q in %v", flag, want, args)
		}
	}
	if indexOf(args, req.Repositories[0].Path) < 0 || indexOf(args, req.Repositories[1].Path) < 0 {
		t.Errorf("missing --add-dir entries in %v", args)
	}

	transcript, err := os.ReadFile(req.LogPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(transcript), `"type":"result"`) {
		t.Errorf("transcript missing result line: %s", transcript)
	}
}

// sessionIDs returns the value of every --session-id flag in args
func sessionIDs(args []string) []string {
	var ids []string
	for i, a := range args {
		if a == "--session-id" && i+1 < len(args) {
			ids = append(ids, args[i+1])
		}
	}
	return ids
}

func TestClaudeEngine_RetryAfterFailedStart(t *testing.T) {
	// claude exits before it ever creates a session
	bin, argsFile := stubClaude(t, `echo "Error: Invalid API key" >&2
exit 1`)
	engine := NewClaudeEngine(bin, zaptest.NewLogger(t))
	engine.SessionsDir = t.TempDir()
	req := testRequest(t)

	for i := 0; i < 2; i++ {
		resp, err := engine.Execute(context.Background(), req)
		if err != nil {
			t.Fatalf("Execute #%d: %v", i+1, err)
		}
		if resp.Success {
			t.Fatalf("Execute #%d: expected failure", i+1)
		}
	}

	args := readArgs(t, argsFile)
	if indexOf(args, "--resume") >= 0 {
		t.Errorf("retry must not resume a session that was never created, args %v", args)
	}
	ids := sessionIDs(args)
	if len(ids) != 2 || ids[0] != SessionID("task-1") || ids[1] != SessionID("task-1") {
		t.Errorf("session ids = %v, want the task's session twice", ids)
	}
}

func TestClaudeEngine_RetryStartsNewSession(t *testing.T) {
	bin, argsFile := stubClaude(t, `echo '`+resultLine+`'`)
	engine := NewClaudeEngine(bin, zaptest.NewLogger(t))
	engine.SessionsDir = t.TempDir()
	req := testRequest(t)

	if _, err := engine.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute #1: %v", err)
	}
	// what Claude Code leaves behind for the first session
	sessionFile := engine.SessionFile(req.WorkspacePath, SessionID("task-1"))
	os.MkdirAll(filepath.Dir(sessionFile), 0755)
	if err := os.WriteFile(sessionFile, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	resp, err := engine.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute #2: %v", err)
	}

	args := readArgs(t, argsFile)
	if indexOf(args, "--resume") >= 0 {
		t.Errorf("a rebuilt workspace must not resume the old conversation, args %v", args)
	}
	ids := sessionIDs(args)
	if len(ids) != 2 || ids[0] != SessionID("task-1") {
		t.Fatalf("session ids = %v", ids)
	}
	if ids[1] == ids[0] {
		t.Error("second attempt reused the taken session id")
	}
	if resp.SessionID != ids[1] {
		t.Errorf("resp.SessionID = %s, want %s", resp.SessionID, ids[1])
	}
}

func TestSessionFile(t *testing.T) {
	engine := &ClaudeEngine{SessionsDir: "/sessions"}
	got := engine.SessionFile("/tmp/worktrees/org-1/t_1.x", "abc")
	if want := "/sessions/-tmp-worktrees-org-1-t-1-x/abc.jsonl"; got != want {
		t.Errorf("SessionFile() = %q, want %q", got, want)
	}
	if engine.SessionFile("", "abc") != "" {
		t.Error("no workspace, no session file")
	}
}

func TestClaudeEngine_ProcessFailure(t *testing.T) {
	bin, _ := stubClaude(t, `echo '{"type":"error","error":"Invalid API key"}'
exit 2`)
	engine := NewClaudeEngine(bin, zaptest.NewLogger(t))

	resp, err := engine.Execute(context.Background(), testRequest(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(resp.Error, "Invalid API key") {
		t.Errorf("error = %q, want extracted message", resp.Error)
	}
}

func TestClaudeEngine_ReportedError(t *testing.T) {
	bin, _ := stubClaude(t, `echo '{"type":"result","subtype":"error_max_turns","is_error":true}'`)
	engine := NewClaudeEngine(bin, zaptest.NewLogger(t))

	resp, err := engine.Execute(context.Background(), testRequest(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(resp.Error, "error_max_turns") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestClaudeEngine_StopsOnDeadline(t *testing.T) {
	// The child keeps the output pipe open; killing only the shell would hang
	bin, _ := stubClaude(t, `sleep 30 &
wait`)
	engine := NewClaudeEngine(bin, zaptest.NewLogger(t))
	engine.WaitDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := engine.Execute(ctx, testRequest(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !IsStopped(err) {
		t.Error("IsStopped should report true")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Execute took %s after the deadline", elapsed)
	}
}

func TestClaudeEngine_MissingBinary(t *testing.T) {
	engine := NewClaudeEngine(filepath.Join(t.TempDir(), "nope"), zaptest.NewLogger(t))
	if _, err := engine.Execute(context.Background(), testRequest(t)); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestSessionID(t *testing.T) {
	if SessionID("a") != SessionID("a") {
		t.Error("session id must be deterministic")
	}
	if SessionID("a") == SessionID("b") {
		t.Error("different tasks must get different sessions")
	}
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := &lineWriter{fn: func(s string) { lines = append(lines, s) }}

	w.Write([]byte("first\r\nsec"))
	w.Write([]byte("ond\nthi"))
	w.flush()

	want := []string{"first", "second", "thi"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", lines, want)
	}
}

func TestExtractError(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{"error line", []string{`{"type":"assistant"}`, `{"type":"error","error":"boom"}`}, "boom"},
		{"result text", []string{`{"type":"result","result":"gave up"}`}, "gave up"},
		{"plain text ignored", []string{"panic: oops"}, ""},
		{"latest wins", []string{`{"type":"error","error":"old"}`, `{"type":"error","error":"new"}`}, "new"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractError(tt.lines); got != tt.want {
				t.Errorf("extractError = %q, want %q", got, tt.want)
			}
		})
	}
}
