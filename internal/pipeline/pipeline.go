// Package pipeline runs one coding task end to end: token, workspace, agent,
// change detection, publishing and cleanup. Every run yields exactly one Result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-coding-worker/internal/agent"
	"github.com/hochfrequenz/claude-coding-worker/internal/credentials"
	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/prbot"
	"github.com/hochfrequenz/claude-coding-worker/internal/prompts"
)

const (
	DefaultAgentTimeout = 15 * time.Minute
	defaultStopGrace    = 30 * time.Second
	publishParallelism  = 4
)

// TokenSource is the Credential Gateway
type TokenSource interface {
	FetchToken(ctx context.Context, req credentials.TokenRequest, authToken string) (string, error)
}

// Workspaces is the Workspace Manager
type Workspaces interface {
	Setup(ctx context.Context, task *domain.Task, token string) (*domain.Workspace, error)
	Teardown(ctx context.Context, wsPath string, repos []domain.Repository, branch string)
}

// Detector is the Change Detector
type Detector interface {
	ModifiedRepositories(ctx context.Context, ws *domain.Workspace, repos []domain.Repository) []string
}

// Publisher is the Commit/Publish Engine
type Publisher interface {
	Publish(ctx context.Context, req prbot.Request) (*prbot.Publication, error)
}

// Prompts renders the agent's prompts
type Prompts interface {
	BuildSystemPrompt(base string, data prompts.WorkflowData) (string, error)
	BuildTaskPrompt(data prompts.TaskData) (string, error)
}

// Deps are the collaborators of a Pipeline
type Deps struct {
	Tokens     TokenSource
	Workspaces Workspaces
	Detector   Detector
	Agent      agent.Engine
	Publisher  Publisher
	Prompts    Prompts
}

// Config configures a Pipeline
type Config struct {
	WorktreesRoot string
	DefaultModel  string
	AgentTimeout  time.Duration
	// StopGrace is how long a timed out agent engine gets to stop before
	// the pipeline moves on to cleanup without it
	StopGrace time.Duration
	// OnState, if set, is called after every state transition
	OnState func(taskID string, state domain.State)
	Logger  *zap.Logger
}

// Pipeline is the task state machine. It holds no per-task state and is safe
// for concurrent use by independent tasks.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New creates a Pipeline
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultAgentTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, log: cfg.Logger.Named("pipeline")}
}

// run is the state of one task execution
type run struct {
	p      *Pipeline
	ctx    context.Context
	task   *domain.Task
	state  domain.State
	ws     *domain.Workspace
	result *domain.Result
	log    *zap.Logger

	// an invalid task never reaches the filesystem, so there is nothing to clean
	skipCleanup bool
}

// Run executes task. It never panics and always returns exactly one Result.
func (p *Pipeline) Run(ctx context.Context, task *domain.Task) (result *domain.Result) {
	if task == nil {
		return &domain.Result{Error: domain.UserMessage(fmt.Errorf("%w: missing task", domain.ErrInvalidTask))}
	}
	start := time.Now()
	r := &run{
		p:      p,
		ctx:    ctx,
		task:   task,
		state:  domain.StateReceived,
		result: &domain.Result{TaskID: task.ID},
		log:    p.log.With(zap.String("task_id", task.ID), zap.String("org_id", task.OrgID)),
	}
	r.log.Info("task received", zap.Strings("repos", task.RepoNames()))

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("pipeline panicked", zap.Any("panic", rec), zap.Stack("stack"), zap.String("state", string(r.state)))
			r.fail(fmt.Errorf("panic in state %s: %v", r.state, rec))
		}
		r.cleanup()
		r.result.ExecutionTime = time.Since(start)
		r.advance(domain.StateDone)
		r.log.Info("task done",
			zap.Bool("success", r.result.Success),
			zap.String("error", r.result.Error),
			zap.Strings("pr_urls", r.result.PRURLs),
			zap.Duration("elapsed", r.result.ExecutionTime),
		)
		result = r.result
	}()

	r.execute()
	return r.result
}

func (r *run) execute() {
	task := r.task

	if err := task.Validate(); err != nil {
		// Nothing exists yet, and a teardown path built from these ids could
		// point anywhere.
		r.skipCleanup = true
		r.fail(err)
		return
	}
	r.initOutcomes()

	token, err := r.p.deps.Tokens.FetchToken(r.ctx, credentials.TokenRequest{
		OrgID:  task.OrgID,
		UserID: task.UserID,
		TaskID: task.ID,
		Owner:  task.Owner(),
		Repos:  task.RepoNames(),
	}, task.AuthToken)
	if err != nil {
		r.fail(err)
		return
	}
	r.advance(domain.StateTokenAcquired)

	ws, err := r.p.deps.Workspaces.Setup(r.ctx, task, token)
	if err != nil {
		r.fail(err)
		return
	}
	r.ws = ws
	for _, name := range ws.Dropped {
		r.outcome(name).Dropped = true
	}
	r.advance(domain.StateWorkspaceReady)

	if err := r.runAgent(); err != nil {
		r.fail(err)
		return
	}
	r.advance(domain.StateAgentExecuted)

	modified := r.p.deps.Detector.ModifiedRepositories(r.ctx, ws, task.Repositories)
	for _, name := range modified {
		r.outcome(name).Modified = true
	}
	r.advance(domain.StateChangesDetected)
	if len(modified) == 0 {
		r.fail(domain.ErrNoChanges)
		return
	}

	r.publish(modified, token)
	r.advance(domain.StatePublished)
}

// advance moves the run forward. States are never revisited.
func (r *run) advance(to domain.State) {
	if !r.state.Before(to) {
		panic(fmt.Sprintf("invalid state transition %s -> %s", r.state, to))
	}
	r.log.Debug("state transition", zap.String("from", string(r.state)), zap.String("state", string(to)))
	r.state = to
	if r.p.cfg.OnState != nil {
		r.p.cfg.OnState(r.task.ID, to)
	}
}

// fail records err as the task's outcome. Details stay in the log.
func (r *run) fail(err error) {
	r.result.Success = false
	r.result.Error = domain.UserMessage(err)
	if errors.Is(err, domain.ErrNoChanges) {
		r.log.Info("agent made no changes")
		return
	}
	r.log.Error("task failed", zap.String("state", string(r.state)), zap.Error(err))
}

func (r *run) initOutcomes() {
	r.result.Repositories = make([]domain.RepoOutcome, len(r.task.Repositories))
	for i, repo := range r.task.Repositories {
		r.result.Repositories[i].Name = repo.Name
	}
}

func (r *run) outcome(name string) *domain.RepoOutcome {
	for i := range r.result.Repositories {
		if r.result.Repositories[i].Name == name {
			return &r.result.Repositories[i]
		}
	}
	// only reachable for names the task does not contain
	panic(fmt.Sprintf("unknown repository %q", name))
}

// cleanup tears the workspace down on every path. Without a Workspace the
// path is derived from the task identifiers.
func (r *run) cleanup() {
	r.result.FinalState = r.state
	if r.skipCleanup {
		return
	}

	wsPath := domain.WorkspacePath(r.p.cfg.WorktreesRoot, r.task.OrgID, r.task.ID)
	if r.ws != nil {
		wsPath = r.ws.Path
	}

	func() {
		// a panicking teardown must not replace the result
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("teardown panicked", zap.Any("panic", rec), zap.Error(domain.ErrCleanupFailed))
			}
		}()
		r.p.deps.Workspaces.Teardown(context.WithoutCancel(r.ctx), wsPath, r.task.Repositories, r.task.Branch())
	}()
	r.advance(domain.StateCleanedUp)
}

// runAgent invokes the engine under a hard deadline. On timeout the engine
// gets StopGrace to stop its processes before cleanup proceeds.
func (r *run) runAgent() error {
	task := r.task
	cfg := r.p.cfg

	repos := make([]agent.Repo, 0, len(r.ws.Repos))
	workflow := prompts.WorkflowData{Branch: task.Branch()}
	for _, repo := range task.Repositories {
		p, ok := r.ws.RepoPath(repo.Name)
		if !ok {
			continue
		}
		repos = append(repos, agent.Repo{Name: repo.Name, Path: p})
		workflow.Repositories = append(workflow.Repositories, prompts.RepoData{Name: repo.Name, Base: repo.Branch})
	}

	systemPrompt, err := r.p.deps.Prompts.BuildSystemPrompt(task.SystemPrompt, workflow)
	if err != nil {
		return fmt.Errorf("%w: building system prompt: %v", domain.ErrAgentExecutionFailed, err)
	}
	prompt, err := r.p.deps.Prompts.BuildTaskPrompt(prompts.TaskData{Prompt: task.Prompt, Files: task.Files})
	if err != nil {
		return fmt.Errorf("%w: building prompt: %v", domain.ErrAgentExecutionFailed, err)
	}

	model := task.Model
	if model == "" {
		model = cfg.DefaultModel
	}

	req := agent.Request{
		TaskID:        task.ID,
		WorkspacePath: r.ws.Path,
		Repositories:  repos,
		Prompt:        prompt,
		SystemPrompt:  systemPrompt,
		Files:         task.Files,
		Model:         model,
		Timeout:       cfg.AgentTimeout,
		LogPath:       domain.AgentLogPath(cfg.WorktreesRoot, task.OrgID, task.ID),
	}

	ctx, cancel := context.WithTimeout(r.ctx, cfg.AgentTimeout)
	defer cancel()

	type outcome struct {
		resp *agent.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("agent engine panicked: %v", rec)}
			}
		}()
		resp, err := r.p.deps.Agent.Execute(ctx, req)
		done <- outcome{resp: resp, err: err}
	}()

	r.log.Info("running agent", zap.String("model", model), zap.Duration("timeout", cfg.AgentTimeout), zap.String("log", req.LogPath))

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		select {
		case o = <-done:
		case <-time.After(cfg.StopGrace):
			r.log.Error("agent engine did not stop after its deadline", zap.Duration("grace", cfg.StopGrace))
			o = outcome{err: ctx.Err()}
		}
	}

	if o.resp != nil {
		r.result.Usage = o.resp.Usage
	}

	switch {
	case r.ctx.Err() != nil:
		return fmt.Errorf("%w: %v", domain.ErrAgentExecutionFailed, r.ctx.Err())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &domain.AgentTimeoutError{After: cfg.AgentTimeout}
	case o.err != nil:
		return fmt.Errorf("%w: %v", domain.ErrAgentExecutionFailed, o.err)
	case o.resp == nil:
		return fmt.Errorf("%w: no response", domain.ErrAgentExecutionFailed)
	case !o.resp.Success:
		return fmt.Errorf("%w: %s", domain.ErrAgentExecutionFailed, o.resp.Error)
	}
	return nil
}

// publish runs the publish sequence for every modified repository. Repositories
// are independent: one failing does not stop the others. Results are merged in
// repository order.
func (r *run) publish(modified []string, token string) {
	task := r.task
	pubs := make([]*prbot.Publication, len(modified))
	errs := make([]error, len(modified))

	g := new(errgroup.Group)
	g.SetLimit(publishParallelism)
	for i, name := range modified {
		repo, _ := task.Repository(name)
		repoPath, _ := r.ws.RepoPath(name)
		req := prbot.Request{
			Repo:        repo,
			Path:        repoPath,
			Branch:      task.Branch(),
			Title:       task.Title(),
			Prompt:      task.Prompt,
			AgentName:   task.AgentName,
			DefaultBody: task.PRBody(),
			Token:       token,
		}
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					errs[i] = &domain.RepoError{Repo: name, Kind: domain.ErrPublishFailed, Err: fmt.Errorf("panic: %v", rec)}
				}
			}()
			pubs[i], errs[i] = r.p.deps.Publisher.Publish(r.ctx, req)
			return nil
		})
	}
	g.Wait()

	var failures []string
	for i, name := range modified {
		pub, err := pubs[i], errs[i]
		out := r.outcome(name)
		if pub != nil {
			merged := pub.Outcome
			merged.Name = name
			merged.Modified = true
			*out = merged
			r.mergeFiles(name, pub)
			if pub.Outcome.PRURL != "" {
				r.result.PRURLs = append(r.result.PRURLs, pub.Outcome.PRURL)
			}
			if pub.Commit != nil && r.result.CommitSHA == "" {
				r.result.CommitMessage = pub.Commit.Message
				r.result.CommitSHA = pub.Commit.SHA
			}
		}
		if err != nil {
			if out.Error == "" {
				out.Error = err.Error()
			}
			r.log.Error("publish failed", zap.String("repo", name), zap.Error(err))
			failures = append(failures, domain.UserMessage(err))
		}
	}

	if len(r.result.PRURLs) > 0 {
		r.result.PRURL = r.result.PRURLs[0]
		r.result.Success = true
	}
	r.result.Error = strings.Join(failures, "; ")
	if !r.result.Success && r.result.Error == "" {
		r.result.Error = domain.UserMessage(domain.ErrPublishFailed)
	}
}

func (r *run) mergeFiles(repo string, pub *prbot.Publication) {
	files := pub.Files
	if len(files) == 0 && pub.Commit != nil {
		files = pub.Commit.FilesChanged
	}
	for _, f := range files {
		r.result.FilesChanged = append(r.result.FilesChanged, path.Join(repo, f))
	}
}
