// Package maintenance removes what crashed or interrupted tasks leave behind.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/gitcmd"
	"github.com/hochfrequenz/claude-coding-worker/internal/workspace"
)

// DefaultOrphanMaxAge is how old a workspace must be before it is treated as abandoned
const DefaultOrphanMaxAge = 24 * time.Hour

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression or a descriptor such as @hourly
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Mirrors is the mirror cache as seen by the janitor
type Mirrors interface {
	List() ([]domain.Repository, error)
	WithLock(ctx context.Context, owner, name string, fn func(mirrorPath string) error) error
}

// History is the optional run history to trim
type History interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config configures a Janitor
type Config struct {
	Schedule      string
	WorktreesRoot string
	OrphanMaxAge  time.Duration
	// HistoryRetention drops older runs from the history; zero keeps everything
	HistoryRetention time.Duration
	// IsActive reports whether a task is still running on this worker.
	// Active workspaces are never removed regardless of age.
	IsActive func(taskID string) bool
	Logger   *zap.Logger
}

// Report summarizes one sweep
type Report struct {
	WorkspacesRemoved []string
	MirrorsPruned     int
	BranchesDeleted   int
	RunsPruned        int64
	Errors            []error
}

// Janitor sweeps orphaned workspaces and stale mirror metadata. Mirrors
// themselves are never deleted.
type Janitor struct {
	cfg      Config
	mirrors  Mirrors
	history  History
	schedule cron.Schedule
	log      *zap.Logger
	now      func() time.Time

	mu   sync.Mutex // one sweep at a time
	cron *cron.Cron
}

// New creates a Janitor. history may be nil.
func New(cfg Config, mirrors Mirrors, history History) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.WorktreesRoot == "" {
		return nil, fmt.Errorf("worktrees root is required")
	}
	if cfg.OrphanMaxAge <= 0 {
		cfg.OrphanMaxAge = DefaultOrphanMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Janitor{
		cfg:      cfg,
		mirrors:  mirrors,
		history:  history,
		schedule: sched,
		log:      cfg.Logger.Named("janitor"),
		now:      time.Now,
	}, nil
}

// NextRun returns when the next scheduled sweep happens
func (j *Janitor) NextRun() time.Time {
	return j.schedule.Next(j.now())
}

// Start runs sweeps on the schedule until Stop is called
func (j *Janitor) Start(ctx context.Context) {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(j.log)))),
	)
	c.Schedule(j.schedule, cron.FuncJob(func() {
		j.RunOnce(ctx)
	}))
	c.Start()

	j.mu.Lock()
	j.cron = c
	j.mu.Unlock()

	j.log.Info("janitor scheduled", zap.String("schedule", j.cfg.Schedule), zap.Time("next", j.NextRun()))
}

// Stop stops scheduling and waits for a running sweep to finish
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce performs a full sweep
func (j *Janitor) RunOnce(ctx context.Context) *Report {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := j.now()
	report := &Report{}

	j.sweepWorkspaces(ctx, report)
	j.pruneMirrors(ctx, report)

	if j.history != nil && j.cfg.HistoryRetention > 0 {
		n, err := j.history.Prune(ctx, j.now().Add(-j.cfg.HistoryRetention))
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("pruning run history: %w", err))
		}
		report.RunsPruned = n
	}

	log := j.log.With(
		zap.Int("workspaces_removed", len(report.WorkspacesRemoved)),
		zap.Int("mirrors_pruned", report.MirrorsPruned),
		zap.Int("branches_deleted", report.BranchesDeleted),
		zap.Int64("runs_pruned", report.RunsPruned),
		zap.Duration("elapsed", j.now().Sub(start)),
	)
	if len(report.Errors) > 0 {
		log.Warn("sweep finished with errors", zap.Error(errors.Join(report.Errors...)))
	} else {
		log.Info("sweep finished")
	}
	return report
}

// sweepWorkspaces removes {root}/{org}/{task} directories older than the
// orphan age. The per-org logs directory is kept.
func (j *Janitor) sweepWorkspaces(ctx context.Context, report *Report) {
	orgs, err := os.ReadDir(j.cfg.WorktreesRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			report.Errors = append(report.Errors, err)
		}
		return
	}

	cutoff := j.now().Add(-j.cfg.OrphanMaxAge)
	for _, org := range orgs {
		if !org.IsDir() {
			continue
		}
		orgPath := filepath.Join(j.cfg.WorktreesRoot, org.Name())
		tasks, err := os.ReadDir(orgPath)
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		for _, task := range tasks {
			if ctx.Err() != nil {
				return
			}
			if !task.IsDir() || task.Name() == domain.LogsDir {
				continue
			}
			if j.cfg.IsActive != nil && j.cfg.IsActive(task.Name()) {
				continue
			}
			info, err := task.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}

			path := filepath.Join(orgPath, task.Name())
			if err := os.RemoveAll(path); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("%w: %s: %v", domain.ErrCleanupFailed, path, err))
				continue
			}
			j.log.Info("removed orphaned workspace",
				zap.String("path", path),
				zap.String("age", humanize.RelTime(info.ModTime(), j.now(), "old", "from now")))
			report.WorkspacesRemoved = append(report.WorkspacesRemoved, path)
		}
	}
}

// pruneMirrors drops worktree registrations whose directories are gone and
// deletes task branches the worker created that no worktree has checked out.
func (j *Janitor) pruneMirrors(ctx context.Context, report *Report) {
	repos, err := j.mirrors.List()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("listing mirrors: %w", err))
		return
	}

	for _, repo := range repos {
		if ctx.Err() != nil {
			return
		}
		err := j.mirrors.WithLock(ctx, repo.Owner, repo.Name, func(mirrorPath string) error {
			if _, err := gitcmd.Run(ctx, mirrorPath, "worktree", "prune"); err != nil {
				return err
			}
			deleted, err := deleteStaleBranches(ctx, mirrorPath)
			report.BranchesDeleted += deleted
			return err
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("%s: %w", repo.FullName(), err))
			continue
		}
		report.MirrorsPruned++
	}
}

func deleteStaleBranches(ctx context.Context, mirrorPath string) (int, error) {
	out, err := gitcmd.Run(ctx, mirrorPath, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+strings.TrimSuffix(domain.BranchPrefix, "/"))
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(out) == "" {
		return 0, nil
	}

	list, err := gitcmd.Run(ctx, mirrorPath, "worktree", "list", "--porcelain")
	if err != nil {
		return 0, err
	}
	checkedOut := make(map[string]bool)
	for _, line := range strings.Split(list, "\n") {
		if ref, ok := strings.CutPrefix(strings.TrimSpace(line), "branch refs/heads/"); ok {
			checkedOut[ref] = true
		}
	}

	deleted := 0
	for _, branch := range strings.Split(strings.TrimSpace(out), "\n") {
		branch = strings.TrimSpace(branch)
		if branch == "" || checkedOut[branch] {
			continue
		}
		ok, err := workspace.DeleteOwnedBranch(ctx, mirrorPath, branch)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}
