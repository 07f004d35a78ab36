package main

import (
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-coding-worker/internal/agent"
	"github.com/hochfrequenz/claude-coding-worker/internal/config"
	"github.com/hochfrequenz/claude-coding-worker/internal/credentials"
	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/mirror"
	"github.com/hochfrequenz/claude-coding-worker/internal/pipeline"
	"github.com/hochfrequenz/claude-coding-worker/internal/prbot"
	"github.com/hochfrequenz/claude-coding-worker/internal/prompts"
	"github.com/hochfrequenz/claude-coding-worker/internal/workspace"
)

// stack is the task pipeline with the components it is built from
type stack struct {
	mirrors  *mirror.Cache
	prompts  *prompts.Loader
	pipeline *pipeline.Pipeline
}

// newStack wires the production components. onState may be nil.
func newStack(cfg *config.Config, log *zap.Logger, onState func(taskID string, s domain.State)) *stack {
	mirrors := mirror.New(mirror.Config{
		Root:   cfg.Git.BaseReposPath,
		Host:   cfg.Git.Host,
		Logger: log,
	})
	workspaces := workspace.NewManager(workspace.Config{
		Root:            cfg.Git.WorktreesPath,
		Identity:        workspace.Identity{Name: cfg.Git.BotName, Email: cfg.Git.BotEmail},
		DropUnavailable: cfg.Coding.DropUnavailableRepos,
		Logger:          log,
	}, mirrors)
	loader := prompts.DefaultLoader(cfg.Coding.PromptsDir)
	prs := &prbot.GHCreator{Binary: cfg.Git.GHBinary, Host: cfg.Git.Host}

	p := pipeline.New(pipeline.Config{
		WorktreesRoot: cfg.Git.WorktreesPath,
		DefaultModel:  cfg.Coding.Model,
		AgentTimeout:  cfg.Coding.AgentTimeout(),
		OnState:       onState,
		Logger:        log,
	}, pipeline.Deps{
		Tokens:     credentials.NewGateway(cfg.ExternalAPI.BaseURL, cfg.ExternalAPI.Timeout(), log),
		Workspaces: workspaces,
		Detector:   workspace.NewDetector(log),
		Agent:      agent.NewClaudeEngine(cfg.Coding.AgentBinary, log),
		Publisher:  prbot.NewPublisher(mirrors, prs, loader, log),
		Prompts:    loader,
	})

	return &stack{mirrors: mirrors, prompts: loader, pipeline: p}
}
