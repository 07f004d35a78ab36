package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBinary    = "claude"
	defaultWaitDelay = 5 * time.Second
	// errorScanLines is how many trailing output lines are searched for an error message
	errorScanLines = 20
)

// ClaudeEngine runs the Claude Code CLI non-interactively in the workspace.
type ClaudeEngine struct {
	Binary    string        // defaults to "claude"
	WaitDelay time.Duration // how long to wait for output pipes after the process is killed
	// SessionsDir is where Claude Code keeps its session files,
	// defaults to ~/.claude/projects
	SessionsDir string
	Log         *zap.Logger
}

// NewClaudeEngine creates an engine running binary
func NewClaudeEngine(binary string, log *zap.Logger) *ClaudeEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClaudeEngine{Binary: binary, Log: log.Named("agent")}
}

// claudeResultMessage represents the final result message from Claude Code
type claudeResultMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Result    string `json:"result,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// run collects what the output stream tells about the run
type run struct {
	mu     sync.Mutex
	tail   []string
	result *claudeResultMessage
	log    io.Writer
}

func (r *run) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.log != nil {
		io.WriteString(r.log, line+"\n")
	}
	r.tail = append(r.tail, line)
	if len(r.tail) > errorScanLines {
		r.tail = r.tail[len(r.tail)-errorScanLines:]
	}

	var msg claudeResultMessage
	if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Type == "result" {
		r.result = &msg
	}
}

// Execute runs the agent and blocks until it exits or ctx is done.
// A process that cannot be started is an error; a process that fails is an
// unsuccessful Response.
func (e *ClaudeEngine) Execute(ctx context.Context, req Request) (*Response, error) {
	log := e.logger().With(zap.String("task_id", req.TaskID))

	// The workspace is rebuilt from the base branch for every attempt, so an
	// earlier attempt's conversation describes changes that no longer exist.
	// Its session ID is taken, so a retry starts a new one.
	sessionID := SessionID(req.TaskID)
	if path := e.SessionFile(req.WorkspacePath, sessionID); path != "" {
		if _, err := os.Stat(path); err == nil {
			log.Info("earlier session exists, starting a new one", zap.String("session_file", path))
			sessionID = uuid.NewString()
		}
	}

	var logFile *os.File
	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("creating log file: %w", err)
		}
		defer f.Close()
		logFile = f
	}

	cmd := exec.CommandContext(ctx, e.binary(), e.args(req, sessionID)...)
	cmd.Dir = req.WorkspacePath
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	// The agent spawns tools (shells, test runners); cancellation must take them down too
	killProcessGroup(cmd)

	r := &run{}
	if logFile != nil {
		r.log = logFile
	}

	stdout := &lineWriter{fn: r.add}
	stderr := &lineWriter{fn: r.add}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", e.binary(), err)
	}
	log.Info("agent started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("session_id", sessionID),
		zap.String("model", req.Model),
		zap.Int("repositories", len(req.Repositories)),
	)

	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn("agent stopped", zap.Error(ctxErr))
		return nil, ctxErr
	}

	resp := &Response{SessionID: sessionID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result != nil {
		resp.Usage.InputTokens = r.result.Usage.InputTokens
		resp.Usage.OutputTokens = r.result.Usage.OutputTokens
		resp.Usage.CostUSD = r.result.CostUSD
		if resp.Usage.CostUSD == 0 {
			resp.Usage.CostUSD = r.result.TotalCostUSD
		}
	}

	switch {
	case waitErr != nil:
		resp.Error = waitErr.Error()
		if msg := extractError(r.tail); msg != "" {
			resp.Error = fmt.Sprintf("%s: %s", waitErr, msg)
		}
	case r.result != nil && r.result.IsError:
		resp.Error = "agent reported an error"
		if r.result.Subtype != "" {
			resp.Error += ": " + r.result.Subtype
		}
	default:
		resp.Success = true
	}

	log.Info("agent finished",
		zap.Bool("success", resp.Success),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

func (e *ClaudeEngine) args(req Request, sessionID string) []string {
	args := []string{
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--dangerously-skip-permissions", // Skip permission prompts
		"--output-format", "stream-json", // Stream output as JSON
		"--session-id", sessionID,
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	for _, repo := range req.Repositories {
		args = append(args, "--add-dir", repo.Path)
	}
	return append(args, "-p", req.Prompt)
}

// projectDirChars are replaced by '-' when Claude Code names a project directory
var projectDirChars = regexp.MustCompile(`[^A-Za-z0-9]`)

// SessionFile returns where Claude Code stores the session sessionID started
// in workspacePath: {SessionsDir}/<workspace path with every non-alphanumeric
// replaced by '-'>/<sessionID>.jsonl. It returns "" when no location is known.
func (e *ClaudeEngine) SessionFile(workspacePath, sessionID string) string {
	if workspacePath == "" || sessionID == "" {
		return ""
	}
	dir := e.SessionsDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".claude", "projects")
	}
	if abs, err := filepath.Abs(workspacePath); err == nil {
		workspacePath = abs
	}
	return filepath.Join(dir, projectDirChars.ReplaceAllString(workspacePath, "-"), sessionID+".jsonl")
}

func (e *ClaudeEngine) binary() string {
	if e.Binary == "" {
		return defaultBinary
	}
	return e.Binary
}

func (e *ClaudeEngine) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// lineWriter calls fn for every complete line written to it
type lineWriter struct {
	buf []byte
	fn  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(strings.TrimSuffix(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.fn(string(w.buf))
		w.buf = nil
	}
}

// extractError scans output lines in reverse for an error message
func extractError(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg struct {
			Type   string `json:"type"`
			Error  string `json:"error"`
			Result string `json:"result"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Type == "error" && msg.Error != "" {
			return msg.Error
		}
		if msg.Type == "result" && msg.Result != "" {
			return msg.Result
		}
	}
	return ""
}

// IsStopped reports whether err means the agent was stopped by its context
func IsStopped(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
