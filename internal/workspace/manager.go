// Package workspace builds and tears down the per-task multi-repository workspace:
// one git worktree per repository, branched from the repository's base branch.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/gitcmd"
)

// Mirrors is the part of the repository cache the manager depends on
type Mirrors interface {
	Ensure(ctx context.Context, owner, name, token string) (string, error)
	WithLock(ctx context.Context, owner, name string, fn func(mirrorPath string) error) error
	Exists(owner, name string) bool
}

// Identity is the commit author configured in every worktree
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity is the bot identity used when none is configured
var DefaultIdentity = Identity{Name: "Code Crew AI", Email: "bot@codecrew.ai"}

// Config configures a Manager
type Config struct {
	Root     string // {worktreesRoot}
	Identity Identity
	// DropUnavailable excludes repositories whose mirror cannot be fetched
	// instead of failing the whole setup. Setup still fails if none remain.
	DropUnavailable bool
	// Parallelism bounds concurrent per-repository setup (default 4)
	Parallelism int
	Logger      *zap.Logger
}

// Manager is the Workspace Manager
type Manager struct {
	root            string
	mirrors         Mirrors
	identity        Identity
	dropUnavailable bool
	parallelism     int
	log             *zap.Logger
}

// NewManager creates a new Manager
func NewManager(cfg Config, mirrors Mirrors) *Manager {
	if cfg.Identity.Name == "" || cfg.Identity.Email == "" {
		cfg.Identity = DefaultIdentity
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		root:            cfg.Root,
		mirrors:         mirrors,
		identity:        cfg.Identity,
		dropUnavailable: cfg.DropUnavailable,
		parallelism:     cfg.Parallelism,
		log:             cfg.Logger.Named("workspace"),
	}
}

// Path returns the workspace path for a task
func (m *Manager) Path(orgID, taskID string) string {
	return domain.WorkspacePath(m.root, orgID, taskID)
}

// Setup creates one worktree per repository at {root}/{org}/{task}/{repo} on
// the task branch, based on origin/{base}. It either returns a workspace that
// contains every (non-dropped) repository or an error; on error the caller
// must still call Teardown.
func (m *Manager) Setup(ctx context.Context, task *domain.Task, token string) (*domain.Workspace, error) {
	wsPath := m.Path(task.OrgID, task.ID)
	log := m.log.With(zap.String("task_id", task.ID), zap.String("path", wsPath))

	branch := task.Branch()

	// a leftover workspace for the same task belongs to an earlier attempt that died
	// before its cleanup ran; clear it and its branches so the retry can proceed
	if _, err := os.Stat(wsPath); err == nil {
		log.Warn("removing stale workspace from an earlier attempt")
		m.Teardown(ctx, wsPath, task.Repositories, branch)
	}
	if err := os.MkdirAll(wsPath, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}
	log.Info("setting up workspace", zap.Int("repos", len(task.Repositories)))

	paths := make([]string, len(task.Repositories))
	errs := make([]error, len(task.Repositories))

	g := new(errgroup.Group)
	g.SetLimit(m.parallelism)
	for i, repo := range task.Repositories {
		g.Go(func() error {
			paths[i], errs[i] = m.setupRepo(ctx, repo, filepath.Join(wsPath, repo.Name), branch, token)
			return nil
		})
	}
	g.Wait()

	ws := &domain.Workspace{Path: wsPath, Repos: make(map[string]string, len(task.Repositories))}
	var firstMirrorErr error
	for i, repo := range task.Repositories {
		err := errs[i]
		switch {
		case err == nil:
			ws.Repos[repo.Name] = paths[i]
		case m.dropUnavailable && errors.Is(err, domain.ErrMirrorUnavailable):
			log.Warn("dropping repository with unavailable mirror", zap.String("repo", repo.FullName()), zap.Error(err))
			ws.Dropped = append(ws.Dropped, repo.Name)
			if firstMirrorErr == nil {
				firstMirrorErr = err
			}
		default:
			return nil, err
		}
	}
	if len(ws.Repos) == 0 {
		return nil, firstMirrorErr
	}
	return ws, nil
}

func (m *Manager) setupRepo(ctx context.Context, repo domain.Repository, wtPath, branch, token string) (string, error) {
	if _, err := m.mirrors.Ensure(ctx, repo.Owner, repo.Name, token); err != nil {
		return "", err
	}

	err := m.mirrors.WithLock(ctx, repo.Owner, repo.Name, func(mirrorPath string) error {
		return m.createWorktree(ctx, mirrorPath, wtPath, branch, repo.Branch)
	})
	if err != nil {
		return "", &domain.RepoError{Repo: repo.Name, Kind: domain.ErrWorktreeCreateFailed, Err: err}
	}

	m.log.Debug("worktree created", zap.String("repo", repo.FullName()), zap.String("path", wtPath), zap.String("branch", branch))
	return wtPath, nil
}

// createWorktree must run under the mirror lock
func (m *Manager) createWorktree(ctx context.Context, mirrorPath, wtPath, branch, base string) error {
	// stale entries whose directories are gone would block the path
	if _, err := gitcmd.Run(ctx, mirrorPath, "worktree", "prune"); err != nil {
		return err
	}

	// an existing branch is a collision, not something to rename around
	if gitcmd.RefExists(ctx, mirrorPath, "refs/heads/"+branch) {
		return fmt.Errorf("branch %s already exists", branch)
	}

	if _, err := gitcmd.Run(ctx, mirrorPath, "worktree", "add", "-b", branch, wtPath, "origin/"+base); err != nil {
		return err
	}
	if _, err := gitcmd.Run(ctx, mirrorPath, "config", ownerKey(branch), "true"); err != nil {
		return err
	}

	// worktrees share the mirror config; the bot identity is the same for every task
	if _, err := gitcmd.Run(ctx, wtPath, "config", "user.name", m.identity.Name); err != nil {
		return err
	}
	if _, err := gitcmd.Run(ctx, wtPath, "config", "user.email", m.identity.Email); err != nil {
		return err
	}
	return nil
}

// Teardown deletes the workspace directory and drops the task's worktree
// registrations and the task branches Setup created from the mirrors. It never fails: errors
// are logged because teardown runs on error paths and must not mask them.
func (m *Manager) Teardown(ctx context.Context, wsPath string, repos []domain.Repository, branch string) {
	log := m.log.With(zap.String("path", wsPath))

	if _, err := os.Stat(wsPath); os.IsNotExist(err) {
		log.Debug("no workspace to clean up")
		return
	}

	log.Info("cleaning up workspace")
	if err := os.RemoveAll(wsPath); err != nil {
		log.Error("failed to remove workspace", zap.Error(fmt.Errorf("%w: %v", domain.ErrCleanupFailed, err)))
	}

	// cleanup must finish even if the task's context is already done
	ctx = context.WithoutCancel(ctx)
	for _, repo := range repos {
		if !m.mirrors.Exists(repo.Owner, repo.Name) {
			continue
		}
		err := m.mirrors.WithLock(ctx, repo.Owner, repo.Name, func(mirrorPath string) error {
			if _, err := gitcmd.Run(ctx, mirrorPath, "worktree", "prune"); err != nil {
				return err
			}
			_, err := DeleteOwnedBranch(ctx, mirrorPath, branch)
			return err
		})
		if err != nil {
			log.Warn("failed to clean mirror", zap.String("repo", repo.FullName()), zap.Error(err))
		}
	}
}

// A bare clone also holds the remote's branches under refs/heads. Branches the
// worker created are marked in the mirror config; only those are ever deleted.
func ownerKey(branch string) string {
	return "branch." + branch + ".createdByWorker"
}

// OwnsBranch reports whether branch was created in the mirror by Setup
func OwnsBranch(ctx context.Context, mirrorPath, branch string) bool {
	out, err := gitcmd.Run(ctx, mirrorPath, "config", "--get", ownerKey(branch))
	return err == nil && out == "true"
}

// DeleteOwnedBranch deletes branch from the mirror if Setup created it and
// reports whether it did. Branches it did not create are left alone.
func DeleteOwnedBranch(ctx context.Context, mirrorPath, branch string) (bool, error) {
	if !OwnsBranch(ctx, mirrorPath, branch) {
		return false, nil
	}
	if gitcmd.RefExists(ctx, mirrorPath, "refs/heads/"+branch) {
		if _, err := gitcmd.Run(ctx, mirrorPath, "branch", "-D", branch); err != nil {
			return false, err
		}
	}
	// branch -D drops the section with the branch; a marker without a branch is removed here
	gitcmd.Run(ctx, mirrorPath, "config", "--remove-section", "branch."+branch)
	return true, nil
}
