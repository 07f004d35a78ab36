package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// path-safe identifiers: used verbatim as directory names under the worktrees root
	idRegex    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	ownerRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,38}$`)
	repoRegex  = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)
	refRegex   = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

// Repository identifies one remote git repository and the branch new work is based on
type Repository struct {
	Owner  string
	Name   string
	Branch string
}

// FullName returns owner/name
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Task is one unit of coding work. It is immutable once accepted.
type Task struct {
	ID           string
	OrgID        string
	UserID       string
	Repositories []Repository
	Prompt       string
	AuthToken    string // bearer for the credential gateway, never logged
	Model        string
	Files        []string
	SystemPrompt string
	AgentName    string
	PRTitle      string
	BranchName   string
}

// BranchPrefix is prepended to the task ID to form the default task branch
const BranchPrefix = "task/"

// Branch returns the branch the task's work is committed to
func (t *Task) Branch() string {
	if t.BranchName != "" {
		return t.BranchName
	}
	return BranchPrefix + t.ID
}

// Title returns the PR title / fallback commit message for the task
func (t *Task) Title() string {
	if t.PRTitle != "" {
		return t.PRTitle
	}
	return fmt.Sprintf("Task %s", t.ID)
}

// PRBody returns the pull request body for the task
func (t *Task) PRBody() string {
	if t.AgentName != "" {
		return fmt.Sprintf("Automated changes by %s", t.AgentName)
	}
	return ""
}

// Owner returns the owner used when resolving a shared installation token.
// The first repository wins.
func (t *Task) Owner() string {
	if len(t.Repositories) == 0 {
		return ""
	}
	return t.Repositories[0].Owner
}

// RepoNames returns repository names in task order
func (t *Task) RepoNames() []string {
	names := make([]string, 0, len(t.Repositories))
	for _, r := range t.Repositories {
		names = append(names, r.Name)
	}
	return names
}

// Repository looks up a repository by name
func (t *Task) Repository(name string) (Repository, bool) {
	for _, r := range t.Repositories {
		if r.Name == name {
			return r, true
		}
	}
	return Repository{}, false
}

// Validate checks the task is well formed before any external system is touched
func (t *Task) Validate() error {
	if !idRegex.MatchString(t.ID) {
		return invalidf("task id %q is not a valid identifier", t.ID)
	}
	if t.ID == LogsDir {
		return invalidf("task id %q is reserved", t.ID)
	}
	if !idRegex.MatchString(t.OrgID) {
		return invalidf("org id %q is not a valid identifier", t.OrgID)
	}
	if strings.TrimSpace(t.UserID) == "" {
		return invalidf("user id is required")
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return invalidf("prompt is required")
	}
	if len(t.Repositories) == 0 {
		return invalidf("at least one repository is required")
	}

	seen := make(map[string]bool, len(t.Repositories))
	for i, r := range t.Repositories {
		if !ownerRegex.MatchString(r.Owner) {
			return invalidf("repositories[%d]: owner %q is not a valid identifier", i, r.Owner)
		}
		if !repoRegex.MatchString(r.Name) || r.Name == "." || r.Name == ".." {
			return invalidf("repositories[%d]: name %q is not a valid repository name", i, r.Name)
		}
		if !ValidRef(r.Branch) {
			return invalidf("repositories[%d]: branch %q is not a valid branch name", i, r.Branch)
		}
		if seen[r.Name] {
			return invalidf("repository %q listed more than once", r.Name)
		}
		seen[r.Name] = true
	}

	if t.BranchName != "" && !ValidRef(t.BranchName) {
		return invalidf("branch name %q is not a valid branch name", t.BranchName)
	}
	return nil
}

// ValidRef is a conservative subset of git-check-ref-format
func ValidRef(ref string) bool {
	if ref == "" || !refRegex.MatchString(ref) {
		return false
	}
	if strings.HasPrefix(ref, "-") || strings.HasPrefix(ref, "/") || strings.HasSuffix(ref, "/") {
		return false
	}
	if strings.Contains(ref, "..") || strings.Contains(ref, "//") || strings.HasSuffix(ref, ".lock") {
		return false
	}
	for _, part := range strings.Split(ref, "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
