package prbot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/gitcmd"
)

// PRRequest identifies a pull request from Head into Base.
type PRRequest struct {
	Repo  domain.Repository
	Dir   string
	Head  string
	Base  string
	Title string
	Body  string
	Token string
}

// PRCreator opens pull requests on the hosting provider.
type PRCreator interface {
	// FindPR returns the URL of an open PR for Head into Base, or "" if there is none.
	FindPR(ctx context.Context, req PRRequest) (string, error)
	CreatePR(ctx context.Context, req PRRequest) (string, error)
}

// GHCreator creates pull requests with the gh CLI.
type GHCreator struct {
	Binary string // defaults to "gh"
	Host   string // GitHub host, empty for github.com
}

func (g *GHCreator) FindPR(ctx context.Context, req PRRequest) (string, error) {
	out, err := g.run(ctx, req,
		"pr", "list",
		"--repo", req.Repo.FullName(),
		"--head", req.Head,
		"--base", req.Base,
		"--state", "open",
		"--json", "url",
		"--jq", ".[0].url // empty",
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *GHCreator) CreatePR(ctx context.Context, req PRRequest) (string, error) {
	out, err := g.run(ctx, req,
		"pr", "create",
		"--repo", req.Repo.FullName(),
		"--head", req.Head,
		"--base", req.Base,
		"--title", req.Title,
		"--body", req.Body,
	)
	if err != nil {
		return "", err
	}
	url := extractPRURL(out)
	if url == "" {
		return "", fmt.Errorf("gh pr create: no PR URL in output %q", out)
	}
	return url, nil
}

func (g *GHCreator) run(ctx context.Context, req PRRequest, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "gh"
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), "GH_TOKEN="+req.Token, "GH_PROMPT_DISABLED=1")
	if g.Host != "" && g.Host != "github.com" {
		cmd.Env = append(cmd.Env, "GH_HOST="+g.Host)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gh %s %s: %s: %w", args[0], args[1], gitcmd.Redact(strings.TrimSpace(stderr.String())), err)
	}
	return stdout.String(), nil
}

// extractPRURL returns the last line of gh output that looks like a URL
func extractPRURL(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "https://") || strings.HasPrefix(line, "http://") {
			return line
		}
	}
	return ""
}
