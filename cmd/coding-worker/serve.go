package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-coding-worker/internal/config"
	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/maintenance"
	"github.com/hochfrequenz/claude-coding-worker/internal/notify"
	"github.com/hochfrequenz/claude-coding-worker/internal/prompts"
	"github.com/hochfrequenz/claude-coding-worker/internal/taskstore"
	"github.com/hochfrequenz/claude-coding-worker/internal/worker"
)

// shutdownSlack is added to the agent timeout when draining running tasks
const shutdownSlack = time.Minute

var (
	serveServer string
	serveID     string
	serveJobs   int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the coordinator and process tasks",
		Long: `Connects to the task coordinator over WebSocket, registers this worker and
runs incoming tasks until interrupted. The first SIGINT/SIGTERM stops accepting
tasks and waits for running ones; a second one cancels them.`,
		RunE: runServe,
	}
	serveCmd.Flags().StringVar(&serveServer, "server", "", "coordinator WebSocket URL")
	serveCmd.Flags().StringVar(&serveID, "id", "", "worker ID (default: hostname plus a random suffix)")
	serveCmd.Flags().IntVar(&serveJobs, "jobs", 2, "maximum concurrent tasks")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// CLI flags override config (only if explicitly set)
	if cmd.Flags().Changed("server") {
		cfg.Worker.ServerURL = serveServer
	}
	if cmd.Flags().Changed("id") {
		cfg.Worker.ID = serveID
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Worker.MaxJobs = serveJobs
	}
	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaultWorkerID()
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := checkPrerequisites(cfg); err != nil {
		return err
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := taskstore.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer store.Close()

	var notifier worker.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		rn := notify.NewResultNotifier(notify.NewSlackSender(cfg.Notifications.SlackWebhook, cfg.Worker.ID))
		rn.OnlyFailures = cfg.Notifications.OnlyFailures
		notifier = rn
	}

	// The pipeline reports progress through the worker created below
	var w *worker.Worker
	st := newStack(cfg, log, func(taskID string, s domain.State) {
		w.ReportState(taskID, s)
	})

	w, err = worker.NewWorker(worker.Config{
		ServerURL: cfg.Worker.ServerURL,
		WorkerID:  cfg.Worker.ID,
		MaxJobs:   cfg.Worker.MaxJobs,
		Store:     store,
		Notifier:  notifier,
		Logger:    log,
	}, st.pipeline)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	if cfg.Maintenance.Enabled {
		janitor, err := newJanitor(cfg, st, store, w.HasJob, log)
		if err != nil {
			return err
		}
		janitor.Start(context.Background())
		defer janitor.Stop()
	}

	if pw, err := prompts.NewWatcher(st.prompts, log); err != nil {
		log.Warn("prompt overrides will not be reloaded", zap.Error(err))
	} else {
		pw.Start(context.Background())
		defer pw.Stop()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		wait := cfg.Coding.AgentTimeout() + shutdownSlack
		log.Info("shutting down, waiting for running tasks", zap.Duration("max_wait", wait))

		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		go func() {
			select {
			case <-sigCh:
				log.Warn("second signal, cancelling running tasks")
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := w.Drain(ctx); err != nil {
			log.Warn("drain interrupted", zap.Error(err))
		}
		w.Stop()
	}()

	log.Info("starting worker",
		zap.String("worker_id", cfg.Worker.ID),
		zap.String("server", cfg.Worker.ServerURL),
		zap.Int("max_jobs", cfg.Worker.MaxJobs),
		zap.String("model", cfg.Coding.Model))

	// Blocks until stopped
	return w.RunWithReconnect()
}

func newJanitor(cfg *config.Config, st *stack, store *taskstore.Store, isActive func(string) bool, log *zap.Logger) (*maintenance.Janitor, error) {
	orphanAge, err := cfg.Maintenance.OrphanMaxAgeDuration()
	if err != nil {
		return nil, err
	}
	retention, err := cfg.Database.HistoryRetentionDuration()
	if err != nil {
		return nil, err
	}
	return maintenance.New(maintenance.Config{
		Schedule:         cfg.Maintenance.Schedule,
		WorktreesRoot:    cfg.Git.WorktreesPath,
		OrphanMaxAge:     orphanAge,
		HistoryRetention: retention,
		IsActive:         isActive,
		Logger:           log,
	}, st.mirrors, store)
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "coding-worker"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func checkPrerequisites(cfg *config.Config) error {
	for _, bin := range []string{"git", cfg.Git.GHBinary, cfg.Coding.AgentBinary} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s is required but not found in PATH", bin)
		}
	}
	return nil
}
