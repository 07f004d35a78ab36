// Package prbot turns a modified worktree into a pushed branch and an open pull request.
package prbot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/gitcmd"
	"github.com/hochfrequenz/claude-coding-worker/internal/prompts"
)

// maxListedFiles bounds the file list rendered into a PR body.
const maxListedFiles = 20

// Remotes gives access to the shared mirror a worktree belongs to.
// Pushing updates the mirror's refs, so it must hold the mirror lock.
type Remotes interface {
	WithLock(ctx context.Context, owner, name string, fn func(mirrorPath string) error) error
}

// BodyBuilder renders pull request descriptions.
type BodyBuilder interface {
	BuildPRBody(data prompts.PRBodyData) (string, error)
}

// Request describes the publish sequence for one repository.
type Request struct {
	Repo      domain.Repository
	Path      string // worktree path
	Branch    string
	Title     string // PR title and fallback commit message
	Prompt    string
	AgentName string
	// DefaultBody is used when no BodyBuilder is set or rendering fails
	DefaultBody string
	Token       string
}

// Publication is what one repository's publish sequence produced.
// It is populated as far as the sequence got, also when an error is returned.
type Publication struct {
	Outcome domain.RepoOutcome
	Commit  *domain.CommitInfo // nil when the agent committed itself
	Files   []string           // paths changed on the branch relative to the base
}

// Publisher runs commit, push and PR creation with check-before-act guards,
// so re-running after a partial failure neither double-commits, double-pushes
// nor opens a second PR.
type Publisher struct {
	remotes Remotes
	prs     PRCreator
	bodies  BodyBuilder
	log     *zap.Logger
}

// NewPublisher creates a Publisher. With a nil bodies every PR gets Request.DefaultBody.
func NewPublisher(remotes Remotes, prs PRCreator, bodies BodyBuilder, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{remotes: remotes, prs: prs, bodies: bodies, log: log}
}

// HasCommits reports whether the checked out branch is ahead of origin/<base>.
// Errors are logged and reported as false.
func (p *Publisher) HasCommits(ctx context.Context, repoPath, base string) bool {
	n, err := gitcmd.CommitsAhead(ctx, repoPath, base)
	if err != nil {
		p.log.Warn("checking commits ahead of base", zap.String("path", repoPath), zap.Error(err))
		return false
	}
	return n > 0
}

// CreateCommit stages everything in the worktree and commits it with message.
func (p *Publisher) CreateCommit(ctx context.Context, repoPath, message string) (*domain.CommitInfo, error) {
	if _, err := gitcmd.Run(ctx, repoPath, "add", "-A"); err != nil {
		return nil, err
	}

	files, err := gitcmd.StagedFiles(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("nothing to commit")
	}

	// Hooks of the target repository are not ours to run
	if _, err := gitcmd.Run(ctx, repoPath, "commit", "--no-verify", "-m", message); err != nil {
		return nil, err
	}

	sha, err := gitcmd.RevParse(ctx, repoPath, "HEAD")
	if err != nil {
		return nil, err
	}

	return &domain.CommitInfo{SHA: sha, Message: message, FilesChanged: files}, nil
}

// RemoteBranchExists checks the mirror's remote-tracking ref for branch.
func (p *Publisher) RemoteBranchExists(ctx context.Context, repoPath, branch string) bool {
	return gitcmd.RefExists(ctx, repoPath, "refs/remotes/origin/"+branch)
}

// PushBranch pushes branch to origin with upstream tracking, authenticating with token.
func (p *Publisher) PushBranch(ctx context.Context, repo domain.Repository, repoPath, branch, token string) error {
	return p.remotes.WithLock(ctx, repo.Owner, repo.Name, func(string) error {
		_, err := gitcmd.RunAuth(ctx, repoPath, token, "push", "--set-upstream", "origin", branch)
		return err
	})
}

// Publish runs the sequence for one modified repository:
// fallback commit if nothing was committed, push if the branch is not on the
// remote yet, then open (or reuse) the pull request.
func (p *Publisher) Publish(ctx context.Context, req Request) (*Publication, error) {
	pub := &Publication{Outcome: domain.RepoOutcome{Name: req.Repo.Name, Modified: true}}
	log := p.log.With(zap.String("repo", req.Repo.FullName()), zap.String("branch", req.Branch))

	fail := func(step string, err error) (*Publication, error) {
		err = &domain.RepoError{Repo: req.Repo.Name, Kind: domain.ErrPublishFailed, Err: fmt.Errorf("%s: %w", step, err)}
		pub.Outcome.Error = err.Error()
		return pub, err
	}

	if !p.HasCommits(ctx, req.Path, req.Repo.Branch) {
		commit, err := p.CreateCommit(ctx, req.Path, req.Title)
		if err != nil {
			return fail("commit", err)
		}
		log.Info("created fallback commit", zap.String("sha", commit.SHA), zap.Int("files", len(commit.FilesChanged)))
		pub.Commit = commit
		pub.Outcome.Committed = true
		pub.Outcome.CommitSHA = commit.SHA
	} else {
		if dirty, err := gitcmd.IsDirty(ctx, req.Path); err == nil && dirty {
			log.Warn("agent committed but left uncommitted changes behind; they are not published")
		}
		sha, err := gitcmd.RevParse(ctx, req.Path, "HEAD")
		if err != nil {
			return fail("resolve HEAD", err)
		}
		pub.Outcome.CommitSHA = sha
	}

	files, err := gitcmd.ChangedFiles(ctx, req.Path, req.Repo.Branch)
	if err != nil {
		log.Warn("listing changed files", zap.Error(err))
	}
	pub.Files = files

	if p.RemoteBranchExists(ctx, req.Path, req.Branch) {
		log.Debug("branch already on remote, skipping push")
	} else {
		if err := p.PushBranch(ctx, req.Repo, req.Path, req.Branch, req.Token); err != nil {
			return fail("push", err)
		}
		pub.Outcome.Pushed = true
		log.Info("pushed branch")
	}

	pr := PRRequest{
		Repo:  req.Repo,
		Dir:   req.Path,
		Head:  req.Branch,
		Base:  req.Repo.Branch,
		Title: req.Title,
		Body:  p.body(req, files),
		Token: req.Token,
	}

	url, err := p.prs.FindPR(ctx, pr)
	if err != nil {
		// A failed lookup should not block creation; gh refuses duplicates anyway
		log.Warn("looking up existing pull request", zap.Error(err))
	}
	if url != "" {
		log.Info("reusing open pull request", zap.String("url", url))
	} else {
		url, err = p.prs.CreatePR(ctx, pr)
		if err != nil {
			return fail("create pull request", err)
		}
		log.Info("created pull request", zap.String("url", url))
	}
	pub.Outcome.PRURL = url

	return pub, nil
}

func (p *Publisher) body(req Request, files []string) string {
	if p.bodies == nil {
		return req.DefaultBody
	}

	category := Classify(files)
	body, err := p.bodies.BuildPRBody(prompts.PRBodyData{
		AgentName:   req.AgentName,
		Prompt:      strings.TrimSpace(req.Prompt),
		Changes:     ChangeSummary(files, maxListedFiles),
		Category:    string(category),
		NeedsReview: NeedsReview(category),
	})
	if err != nil {
		p.log.Warn("rendering PR body", zap.Error(err))
		return req.DefaultBody
	}
	return body
}
