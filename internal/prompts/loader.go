package prompts

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Loader renders the embedded templates. A file with the same relative path
// in one of the override directories replaces the embedded one; the first
// directory that has it wins.
type Loader struct {
	overrideDirs []string

	mu    sync.RWMutex
	cache map[string]*compiled
}

// TemplateMeta is the optional YAML frontmatter of a template.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type compiled struct {
	tmpl *template.Template
	meta *TemplateMeta
}

func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{overrideDirs: overrideDirs, cache: make(map[string]*compiled)}
}

// DefaultLoader checks promptsDir (if set), then ~/.config/coding-worker/prompts.
func DefaultLoader(promptsDir string) *Loader {
	var dirs []string
	if promptsDir != "" {
		dirs = append(dirs, promptsDir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "coding-worker", "prompts"))
	}
	return NewLoader(dirs...)
}

// OverrideDirs returns the directories checked before the embedded templates.
func (l *Loader) OverrideDirs() []string {
	return append([]string(nil), l.overrideDirs...)
}

func (l *Loader) read(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		data, err := fs.ReadFile(os.DirFS(dir), name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

const frontmatterDelim = "---\n"

// parseFrontmatter splits off a leading "---" delimited YAML block.
// Content without a closing delimiter is returned unchanged as the body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	rest, ok := strings.CutPrefix(string(content), frontmatterDelim)
	if !ok {
		return nil, string(content), nil
	}
	header, body, ok := strings.Cut(rest, "\n"+frontmatterDelim)
	if !ok {
		return nil, string(content), nil
	}

	meta := &TemplateMeta{}
	if err := yaml.Unmarshal([]byte(header), meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return meta, body, nil
}

// LoadTemplate returns the compiled template for name (e.g. "system/default.md")
// and its frontmatter, which is nil when the file has none.
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	c, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return c.tmpl, c.meta, nil
	}

	content, err := l.read(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load template %s: %w", name, err)
	}
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("template %s: %w", name, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	c = &compiled{tmpl: tmpl, meta: meta}
	l.mu.Lock()
	l.cache[name] = c
	l.mu.Unlock()
	return c.tmpl, c.meta, nil
}

func (l *Loader) render(name string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.render(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// RepoData describes one repository of the workspace to the agent.
type RepoData struct {
	Name string
	Base string
}

// WorkflowData holds template variables for the git workflow addendum.
type WorkflowData struct {
	Branch       string
	Repositories []RepoData
}

// TaskData holds template variables for the task prompt.
type TaskData struct {
	Prompt string
	Files  []string
}

// maxPRPromptLen bounds how much of the task prompt is quoted in a PR body.
const maxPRPromptLen = 2000

// PRBodyData holds template variables for pull request bodies.
type PRBodyData struct {
	AgentName   string
	Prompt      string
	Changes     string
	Category    string
	NeedsReview bool
}

// BuildSystemPrompt returns base (or the embedded default when base is empty)
// followed by the git workflow instructions.
func (l *Loader) BuildSystemPrompt(base string, data WorkflowData) (string, error) {
	if strings.TrimSpace(base) == "" {
		var err error
		base, err = l.render("system/default.md", nil)
		if err != nil {
			return "", err
		}
	}

	workflow, err := l.render("system/git-workflow.md", data)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(base, "\n") + "\n\n" + workflow, nil
}

// BuildTaskPrompt renders the user prompt with optional file hints.
func (l *Loader) BuildTaskPrompt(data TaskData) (string, error) {
	prompt, err := l.render("task/prompt.md", data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(prompt), nil
}

// BuildPRBody renders a pull request description.
func (l *Loader) BuildPRBody(data PRBodyData) (string, error) {
	if len(data.Prompt) > maxPRPromptLen {
		data.Prompt = data.Prompt[:maxPRPromptLen] + "..."
	}
	body, err := l.render("pr/body.md", data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(body), nil
}

// ClearCache drops all compiled templates; the next render reads the files again.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*compiled)
	l.mu.Unlock()
}
