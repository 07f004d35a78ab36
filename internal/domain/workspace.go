package domain

import "path/filepath"

// Workspace is the set of worktrees prepared for one task.
// It is exclusively owned by one pipeline run and deleted when the run ends.
type Workspace struct {
	Path  string
	Repos map[string]string // repository name -> worktree path
	// Dropped lists repositories excluded during setup because their mirror was unavailable
	Dropped []string
}

// RepoPath returns the worktree path for a repository
func (w *Workspace) RepoPath(name string) (string, bool) {
	if w == nil {
		return "", false
	}
	p, ok := w.Repos[name]
	return p, ok
}

// WorkspacePath returns the deterministic workspace location for a task.
// Cleanup relies on it when the in-memory Workspace was never built.
func WorkspacePath(worktreesRoot, orgID, taskID string) string {
	return filepath.Join(worktreesRoot, orgID, taskID)
}

// LogsDir is the per-organization directory holding agent transcripts.
// It sits next to the task workspaces so teardown leaves it alone.
const LogsDir = "logs"

// AgentLogPath returns {worktreesRoot}/{org}/logs/{task}.log
func AgentLogPath(worktreesRoot, orgID, taskID string) string {
	return filepath.Join(worktreesRoot, orgID, LogsDir, taskID+".log")
}

// CommitInfo describes a fallback commit created by the pipeline
type CommitInfo struct {
	SHA          string
	Message      string
	FilesChanged []string
}
