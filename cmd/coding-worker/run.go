package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/protocol"
	"github.com/hochfrequenz/claude-coding-worker/internal/taskstore"
)

var (
	runToken     string
	runNoHistory bool
)

func init() {
	taskCmd := &cobra.Command{
		Use:   "run TASK_FILE",
		Short: "Run a single task from a YAML or JSON file",
		Long: `Runs one task locally and prints its result as JSON. The file uses the same
field names as the coordinator's task message, for example:

  taskId: fix-login
  orgId: acme
  userId: dev
  prompt: Fix the login redirect
  repositories:
    - {owner: acme, name: web, branch: main}

The command exits non-zero when the task does not succeed.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	taskCmd.Flags().StringVar(&runToken, "token", "", "bearer for the credential gateway (overrides authToken)")
	taskCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "do not record the run in the history database")
	rootCmd.AddCommand(taskCmd)
}

// taskFile mirrors the coordinator's task message
type taskFile struct {
	TaskID       string   `yaml:"taskId"`
	OrgID        string   `yaml:"orgId"`
	UserID       string   `yaml:"userId"`
	Prompt       string   `yaml:"prompt"`
	AuthToken    string   `yaml:"authToken"`
	Model        string   `yaml:"model"`
	Files        []string `yaml:"files"`
	SystemPrompt string   `yaml:"systemPrompt"`
	AgentName    string   `yaml:"agentName"`
	PRTitle      string   `yaml:"prTitle"`
	BranchName   string   `yaml:"branchName"`
	Repositories []struct {
		Owner  string `yaml:"owner"`
		Name   string `yaml:"name"`
		Branch string `yaml:"branch"`
	} `yaml:"repositories"`
}

// loadTaskFile reads a task. JSON is valid YAML, so one decoder serves both.
func loadTaskFile(path string) (*domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	msg := protocol.TaskMessage{
		TaskID:       f.TaskID,
		OrgID:        f.OrgID,
		UserID:       f.UserID,
		Prompt:       f.Prompt,
		AuthToken:    f.AuthToken,
		Model:        f.Model,
		Files:        f.Files,
		SystemPrompt: f.SystemPrompt,
		AgentName:    f.AgentName,
		PRTitle:      f.PRTitle,
		BranchName:   f.BranchName,
	}
	if msg.TaskID == "" {
		msg.TaskID = uuid.NewString()
	}
	for _, r := range f.Repositories {
		msg.Repositories = append(msg.Repositories, protocol.RepositoryMessage{Owner: r.Owner, Name: r.Name, Branch: r.Branch})
	}
	return msg.ToTask(), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	task, err := loadTaskFile(args[0])
	if err != nil {
		return err
	}
	if runToken != "" {
		task.AuthToken = runToken
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := newStack(cfg, log, nil)
	res := st.pipeline.Run(ctx, task)

	if !runNoHistory {
		if err := saveRun(cfg.Database.Path, task, res); err != nil {
			log.Warn("run not recorded in history", zap.Error(err))
		}
	}

	out, err := json.MarshalIndent(protocol.NewResultMessage(res), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !res.Success {
		return fmt.Errorf("task %s did not succeed: %s", task.ID, res.Error)
	}
	return nil
}

func saveRun(dbPath string, task *domain.Task, res *domain.Result) error {
	store, err := taskstore.New(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.SaveResult(context.Background(), task, res)
}
