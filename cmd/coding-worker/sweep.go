package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-coding-worker/internal/taskstore"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned workspaces and stale mirror branches once",
		Long: `Runs the maintenance sweep that serve schedules: workspaces older than
maintenance.orphan_max_age are deleted and stale task branches are dropped from
the mirrors. Do not run it while a worker on this host is processing tasks
younger than that age.`,
		RunE: runSweep,
	})
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := taskstore.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	janitor, err := newJanitor(cfg, newStack(cfg, log, nil), store, nil, log)
	if err != nil {
		return err
	}

	report := janitor.RunOnce(context.Background())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workspaces removed: %d\n", len(report.WorkspacesRemoved))
	for _, p := range report.WorkspacesRemoved {
		fmt.Fprintf(out, "  %s\n", p)
	}
	fmt.Fprintf(out, "Mirrors pruned:     %d\n", report.MirrorsPruned)
	fmt.Fprintf(out, "Branches deleted:   %d\n", report.BranchesDeleted)
	fmt.Fprintf(out, "Runs pruned:        %d\n", report.RunsPruned)
	if len(report.Errors) > 0 {
		for _, e := range report.Errors {
			fmt.Fprintf(out, "error: %v\n", e)
		}
		return fmt.Errorf("sweep finished with %d error(s)", len(report.Errors))
	}
	return nil
}
