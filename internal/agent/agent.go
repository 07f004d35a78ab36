// Package agent defines the contract of the code-generation engine and a
// Claude Code CLI implementation of it.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
)

// sessionNamespace is a fixed UUID namespace for deterministic session IDs,
// so a task's first agent session can be found from its task ID.
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// SessionID returns the agent session ID for a task
func SessionID(taskID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(taskID)).String()
}

// Repo is one worktree handed to the agent
type Repo struct {
	Name string
	Path string
}

// Request is everything the engine gets to work with
type Request struct {
	TaskID        string
	WorkspacePath string
	Repositories  []Repo
	Prompt        string
	SystemPrompt  string
	Files         []string
	Model         string
	Timeout       time.Duration
	LogPath       string // optional transcript file
}

// Response is the engine's verdict. The engine may also have committed inside
// the worktrees; the pipeline finds out by inspecting them.
type Response struct {
	Success      bool
	Error        string
	FilesChanged []string
	SessionID    string
	Usage        domain.Usage
}

// Engine runs the code-generation agent. Implementations must stop all work
// they started when ctx is done.
type Engine interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// EngineFunc adapts a function to Engine
type EngineFunc func(ctx context.Context, req Request) (*Response, error)

func (f EngineFunc) Execute(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
