package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/claude-coding-worker/internal/agent"
	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/mirror"
	"github.com/hochfrequenz/claude-coding-worker/internal/prbot"
	"github.com/hochfrequenz/claude-coding-worker/internal/prompts"
	"github.com/hochfrequenz/claude-coding-worker/internal/workspace"
)

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

type recordingPRs struct {
	mu      sync.Mutex
	created []prbot.PRRequest
}

func (r *recordingPRs) FindPR(ctx context.Context, req prbot.PRRequest) (string, error) {
	return "", nil
}

func (r *recordingPRs) CreatePR(ctx context.Context, req prbot.PRRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, req)
	return "https://github.com/" + req.Repo.FullName() + "/pull/1", nil
}

type countingTeardown struct {
	*workspace.Manager
	mu    sync.Mutex
	count int
}

func (c *countingTeardown) Teardown(ctx context.Context, wsPath string, repos []domain.Repository, branch string) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	c.Manager.Teardown(ctx, wsPath, repos, branch)
}

type stack struct {
	pipeline   *Pipeline
	prs        *recordingPRs
	workspaces *countingTeardown
	remotes    string
	root       string
}

// newStack wires real git components against local bare remotes
func newStack(t *testing.T, engine agent.Engine, repos ...string) *stack {
	t.Helper()
	log := zaptest.NewLogger(t)

	remotes := t.TempDir()
	for _, name := range repos {
		remote := filepath.Join(remotes, "acme", name+".git")
		os.MkdirAll(remote, 0755)
		git(t, remote, "init", "--bare", "-b", "main")
		work := t.TempDir()
		git(t, work, "init", "-b", "main")
		git(t, work, "config", "user.email", "test@test.com")
		git(t, work, "config", "user.name", "Test")
		os.WriteFile(filepath.Join(work, "README.md"), []byte("# "+name), 0644)
		git(t, work, "add", ".")
		git(t, work, "commit", "-m", "Initial commit")
		git(t, work, "remote", "add", "origin", remote)
		git(t, work, "push", "origin", "main")
	}

	cache := mirror.New(mirror.Config{
		Root: t.TempDir(),
		RemoteURL: func(owner, name string) string {
			return filepath.Join(remotes, owner, name+".git")
		},
		Logger: log,
	})
	root := t.TempDir()
	workspaces := &countingTeardown{Manager: workspace.NewManager(workspace.Config{Root: root, Logger: log}, cache)}
	prs := &recordingPRs{}
	loader := prompts.NewLoader()

	p := New(Config{
		WorktreesRoot: root,
		AgentTimeout:  10 * time.Second,
		Logger:        log,
	}, Deps{
		Tokens:     &fakeTokens{},
		Workspaces: workspaces,
		Detector:   workspace.NewDetector(log),
		Agent:      engine,
		Publisher:  prbot.NewPublisher(cache, prs, loader, log),
		Prompts:    loader,
	})

	return &stack{pipeline: p, prs: prs, workspaces: workspaces, remotes: remotes, root: root}
}

func writeIn(repo string, files map[string]string) agent.Engine {
	return agent.EngineFunc(func(ctx context.Context, req agent.Request) (*agent.Response, error) {
		for _, r := range req.Repositories {
			if r.Name != repo {
				continue
			}
			for name, content := range files {
				if err := os.WriteFile(filepath.Join(r.Path, name), []byte(content), 0644); err != nil {
					return nil, err
				}
			}
		}
		return &agent.Response{Success: true}, nil
	})
}

func TestIntegration_SingleRepoFallbackCommit(t *testing.T) {
	s := newStack(t, writeIn("api", map[string]string{"health.go": "package api\n"}), "api")

	res := s.pipeline.Run(context.Background(), testTask("api"))

	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if len(res.PRURLs) != 1 || len(s.prs.created) != 1 {
		t.Fatalf("PRURLs = %v, created = %d", res.PRURLs, len(s.prs.created))
	}
	if res.CommitSHA == "" || res.CommitMessage != "Task t-1" {
		t.Errorf("commit = %q %q", res.CommitSHA, res.CommitMessage)
	}
	if strings.Join(res.FilesChanged, ",") != "api/health.go" {
		t.Errorf("FilesChanged = %v", res.FilesChanged)
	}

	remote := filepath.Join(s.remotes, "acme", "api.git")
	if got := git(t, remote, "rev-parse", "refs/heads/task/t-1"); got != res.CommitSHA {
		t.Errorf("remote task branch at %s, want %s", got, res.CommitSHA)
	}
	if got := git(t, remote, "rev-list", "--count", "main..task/t-1"); got != "1" {
		t.Errorf("commits on task branch = %s, want exactly 1", got)
	}

	if s.workspaces.count != 1 {
		t.Errorf("teardowns = %d, want 1", s.workspaces.count)
	}
	if _, err := os.Stat(filepath.Join(s.root, "org-1", "t-1")); !os.IsNotExist(err) {
		t.Error("workspace should be removed")
	}
}

func TestIntegration_OnlyModifiedRepoGetsPR(t *testing.T) {
	s := newStack(t, writeIn("web", map[string]string{"index.html": "<h1>hi</h1>"}), "api", "web")

	res := s.pipeline.Run(context.Background(), testTask("api", "web"))

	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if len(res.PRURLs) != 1 || !strings.Contains(res.PRURLs[0], "acme/web") {
		t.Errorf("PRURLs = %v", res.PRURLs)
	}
	if res.Repositories[0].Modified || !res.Repositories[1].Modified {
		t.Errorf("outcomes = %+v", res.Repositories)
	}
	for _, name := range []string{"api", "web"} {
		if _, err := os.Stat(filepath.Join(s.root, "org-1", "t-1", name)); !os.IsNotExist(err) {
			t.Errorf("worktree %s should be removed", name)
		}
	}
	if s.workspaces.count != 1 {
		t.Errorf("teardowns = %d, want 1", s.workspaces.count)
	}
}

func TestIntegration_NoChangesNeverPushes(t *testing.T) {
	s := newStack(t, succeedingAgent(), "api")

	res := s.pipeline.Run(context.Background(), testTask("api"))

	if res.Success || res.Error != domain.NoChangesMessage {
		t.Errorf("result = %+v", res)
	}
	if len(s.prs.created) != 0 {
		t.Error("no PR expected")
	}
	remote := filepath.Join(s.remotes, "acme", "api.git")
	if out := git(t, remote, "branch", "--list", "task/*"); out != "" {
		t.Errorf("nothing may be pushed, remote has %q", out)
	}
}

func TestIntegration_RetryAfterSuccess(t *testing.T) {
	s := newStack(t, writeIn("api", map[string]string{"a.txt": "a"}), "api")

	first := s.pipeline.Run(context.Background(), testTask("api"))
	if !first.Success {
		t.Fatalf("first run: %q", first.Error)
	}

	// Same task again: branch exists on the remote, the local branch was cleaned up
	second := s.pipeline.Run(context.Background(), testTask("api"))
	if !second.Success {
		t.Fatalf("second run: %q", second.Error)
	}
	if second.Repositories[0].Pushed {
		t.Error("remote branch already exists, push should be skipped")
	}
}
