package workspace

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/gitcmd"
)

// HasUncommittedChanges reports staged, unstaged or untracked changes in a worktree
func HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	return gitcmd.IsDirty(ctx, repoPath)
}

// HasNewCommits reports whether the worktree's branch has commits not on origin/{base}
func HasNewCommits(ctx context.Context, repoPath, baseBranch string) (bool, error) {
	n, err := gitcmd.CommitsAhead(ctx, repoPath, baseBranch)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Detector is the Change Detector
type Detector struct {
	log *zap.Logger
}

// NewDetector creates a new Detector
func NewDetector(log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{log: log.Named("detector")}
}

// ModifiedRepositories returns, in repository order, the names of repositories
// whose worktree has uncommitted changes or new commits. A repository that
// cannot be inspected is logged and left out rather than failing the scan.
func (d *Detector) ModifiedRepositories(ctx context.Context, ws *domain.Workspace, repos []domain.Repository) []string {
	modified := make([]bool, len(repos))

	g := new(errgroup.Group)
	g.SetLimit(4)
	for i, repo := range repos {
		repoPath, ok := ws.RepoPath(repo.Name)
		if !ok {
			continue
		}
		g.Go(func() error {
			modified[i] = d.isModified(ctx, repo, repoPath)
			return nil
		})
	}
	g.Wait()

	var names []string
	for i, repo := range repos {
		if modified[i] {
			names = append(names, repo.Name)
		}
	}
	return names
}

func (d *Detector) isModified(ctx context.Context, repo domain.Repository, repoPath string) bool {
	dirty, err := HasUncommittedChanges(ctx, repoPath)
	if err != nil {
		d.log.Warn("error checking for uncommitted changes", zap.String("repo", repo.Name), zap.Error(err))
		return false
	}
	if dirty {
		return true
	}

	ahead, err := HasNewCommits(ctx, repoPath, repo.Branch)
	if err != nil {
		d.log.Warn("error checking for new commits", zap.String("repo", repo.Name), zap.Error(err))
		return false
	}
	return ahead
}
