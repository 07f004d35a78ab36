package maintenance

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/mirror"
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

type fixture struct {
	cache     *mirror.Cache
	workspace *workspace.Manager
	root      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	remotes := t.TempDir()
	remote := filepath.Join(remotes, "acme", "api.git")
	os.MkdirAll(remote, 0755)
	git(t, remote, "init", "--bare", "-b", "main")
	work := t.TempDir()
	git(t, work, "init", "-b", "main")
	git(t, work, "config", "user.email", "test@test.com")
	git(t, work, "config", "user.name", "Test")
	os.WriteFile(filepath.Join(work, "README.md"), []byte("# api"), 0644)
	git(t, work, "add", ".")
	git(t, work, "commit", "-m", "Initial commit")
	git(t, work, "remote", "add", "origin", remote)
	git(t, work, "push", "origin", "main")

	log := zaptest.NewLogger(t)
	cache := mirror.New(mirror.Config{
		Root: t.TempDir(),
		RemoteURL: func(owner, name string) string {
			return filepath.Join(remotes, owner, name+".git")
		},
		Logger: log,
	})
	root := t.TempDir()
	return &fixture{
		cache:     cache,
		workspace: workspace.NewManager(workspace.Config{Root: root, Logger: log}, cache),
		root:      root,
	}
}

// setup creates a task workspace the way the pipeline does
func (f *fixture) setup(t *testing.T, taskID string) *domain.Workspace {
	t.Helper()
	task := &domain.Task{
		ID: taskID, OrgID: "org-1", UserID: "u", Prompt: "p",
		Repositories: []domain.Repository{{Owner: "acme", Name: "api", Branch: "main"}},
	}
	ws, err := f.workspace.Setup(context.Background(), task, "token")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return ws
}

func age(t *testing.T, path string, d time.Duration) {
	t.Helper()
	old := time.Now().Add(-d)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) janitor(t *testing.T, cfg Config, history History) *Janitor {
	t.Helper()
	cfg.WorktreesRoot = f.root
	cfg.Logger = zaptest.NewLogger(t)
	j, err := New(cfg, f.cache, history)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return j
}

func TestJanitor_RemovesOrphanedWorkspaces(t *testing.T) {
	f := newFixture(t)

	crashed := f.setup(t, "crashed")
	running := f.setup(t, "running")
	age(t, crashed.Path, 48*time.Hour)

	logs := filepath.Join(f.root, "org-1", domain.LogsDir)
	os.MkdirAll(logs, 0755)
	os.WriteFile(filepath.Join(logs, "crashed.log"), []byte("{}\n"), 0644)
	age(t, logs, 48*time.Hour)

	report := f.janitor(t, Config{}, nil).RunOnce(context.Background())

	if len(report.Errors) != 0 {
		t.Fatalf("errors: %v", report.Errors)
	}
	if len(report.WorkspacesRemoved) != 1 || report.WorkspacesRemoved[0] != crashed.Path {
		t.Errorf("removed = %v", report.WorkspacesRemoved)
	}
	if _, err := os.Stat(crashed.Path); !os.IsNotExist(err) {
		t.Error("orphaned workspace should be removed")
	}
	if _, err := os.Stat(running.Path); err != nil {
		t.Error("recent workspace must be kept")
	}
	if _, err := os.Stat(filepath.Join(logs, "crashed.log")); err != nil {
		t.Error("agent logs must be kept")
	}

	mirrorPath := f.cache.Path("acme", "api")
	if !f.cache.Exists("acme", "api") {
		t.Fatal("mirrors are never deleted")
	}
	if report.MirrorsPruned != 1 || report.BranchesDeleted != 1 {
		t.Errorf("report = %+v", report)
	}
	if out := git(t, mirrorPath, "branch", "--list", "task/crashed"); out != "" {
		t.Errorf("stale branch survived: %q", out)
	}
	if out := git(t, mirrorPath, "branch", "--list", "task/running"); out == "" {
		t.Error("checked out branch must be kept")
	}
}

func TestJanitor_SkipsActiveTasks(t *testing.T) {
	f := newFixture(t)
	ws := f.setup(t, "slow")
	age(t, ws.Path, 48*time.Hour)

	j := f.janitor(t, Config{IsActive: func(taskID string) bool { return taskID == "slow" }}, nil)
	report := j.RunOnce(context.Background())

	if len(report.WorkspacesRemoved) != 0 {
		t.Errorf("removed = %v", report.WorkspacesRemoved)
	}
	if _, err := os.Stat(ws.Path); err != nil {
		t.Error("active workspace must be kept")
	}
}

func TestJanitor_RetriedTaskAfterSweep(t *testing.T) {
	f := newFixture(t)
	ws := f.setup(t, "42")
	age(t, ws.Path, 48*time.Hour)

	f.janitor(t, Config{}, nil).RunOnce(context.Background())

	// The crash left the branch behind; after the sweep the task can run again
	f.setup(t, "42")
}

func TestJanitor_KeepsForeignTaskBranches(t *testing.T) {
	f := newFixture(t)
	mirrorPath, err := f.cache.Ensure(context.Background(), "acme", "api", "token")
	if err != nil {
		t.Fatal(err)
	}
	// a task/* branch that exists on the remote lands in refs/heads of the bare clone
	git(t, mirrorPath, "branch", "task/upstream", "origin/main")

	report := f.janitor(t, Config{}, nil).RunOnce(context.Background())

	if report.BranchesDeleted != 0 {
		t.Errorf("BranchesDeleted = %d, want 0", report.BranchesDeleted)
	}
	if out := git(t, mirrorPath, "branch", "--list", "task/upstream"); out == "" {
		t.Error("branch not created by the worker must be kept")
	}
}

func TestJanitor_MissingRoot(t *testing.T) {
	f := newFixture(t)
	f.root = filepath.Join(t.TempDir(), "missing")

	report := f.janitor(t, Config{}, nil).RunOnce(context.Background())
	if len(report.Errors) != 0 {
		t.Errorf("errors: %v", report.Errors)
	}
}

type fakeHistory struct {
	cutoff time.Time
	err    error
}

func (h *fakeHistory) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	h.cutoff = cutoff
	return 3, h.err
}

func TestJanitor_PrunesHistory(t *testing.T) {
	f := newFixture(t)
	h := &fakeHistory{}
	j := f.janitor(t, Config{HistoryRetention: 30 * 24 * time.Hour}, h)
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	report := j.RunOnce(context.Background())

	if report.RunsPruned != 3 {
		t.Errorf("RunsPruned = %d", report.RunsPruned)
	}
	if !h.cutoff.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("cutoff = %v", h.cutoff)
	}

	h.err = errors.New("disk full")
	if report := j.RunOnce(context.Background()); len(report.Errors) != 1 {
		t.Errorf("errors = %v", report.Errors)
	}
}

func TestJanitor_HistoryKeptWithoutRetention(t *testing.T) {
	f := newFixture(t)
	h := &fakeHistory{}
	f.janitor(t, Config{}, h).RunOnce(context.Background())
	if !h.cutoff.IsZero() {
		t.Error("history must not be pruned without a retention")
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"@hourly", false},
		{"@every 30m", false},
		{"0 3 * * *", false},
		{"*/15 * * * *", false},
		{"invalid", true},
		{"* * *", true},
	}

	for _, tt := range tests {
		_, err := ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{WorktreesRoot: "/tmp/x", Schedule: "bogus"}, nil, nil); err == nil {
		t.Error("invalid schedule should error")
	}
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Error("missing root should error")
	}

	j, err := New(Config{WorktreesRoot: "/tmp/x"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if j.cfg.OrphanMaxAge != DefaultOrphanMaxAge || j.cfg.Schedule != "@hourly" {
		t.Errorf("defaults = %+v", j.cfg)
	}

	now := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	j.now = func() time.Time { return now }
	if next := j.NextRun(); !next.Equal(time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("NextRun = %v", next)
	}
}

func TestJanitor_StartStop(t *testing.T) {
	f := newFixture(t)
	h := &fakeHistory{}
	j := f.janitor(t, Config{Schedule: "@every 1s", HistoryRetention: time.Hour}, h)

	j.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for {
		j.mu.Lock()
		ran := !h.cutoff.IsZero()
		j.mu.Unlock()
		if ran {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled sweep never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
	j.Stop()
	j.Stop() // idempotent
}
