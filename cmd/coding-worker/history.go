package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/taskstore"
)

var (
	historyLimit  int
	historyTask   string
	historyOrg    string
	historyStatus string
	historyStats  bool
)

func init() {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently finished tasks",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show (0 for all)")
	historyCmd.Flags().StringVar(&historyTask, "task", "", "filter by task ID")
	historyCmd.Flags().StringVar(&historyOrg, "org", "", "filter by organization ID")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status (succeeded, failed, no_changes)")
	historyCmd.Flags().BoolVar(&historyStats, "stats", false, "show totals per status instead of runs")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := taskstore.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	out := cmd.OutOrStdout()

	if historyStats {
		counts, err := store.CountByStatus(ctx)
		if err != nil {
			return err
		}
		printStats(out, counts)
		return nil
	}

	runs, err := store.ListRuns(ctx, taskstore.ListOptions{
		TaskID: historyTask,
		OrgID:  historyOrg,
		Status: domain.RunStatus(historyStatus),
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	printRuns(out, runs, time.Now())
	return nil
}

func printRuns(out io.Writer, runs []*taskstore.Run, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tTASK\tSTATUS\tSTATE\tDURATION\tTOKENS\tREPOS\tRESULT")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.RelTime(r.FinishedAt, now, "ago", "from now"),
			r.TaskID,
			r.Status,
			r.FinalState,
			r.Duration.Round(time.Second),
			humanize.Comma(int64(r.Usage.InputTokens+r.Usage.OutputTokens)),
			strings.Join(r.Repositories, ","),
			outcome(r),
		)
	}
	w.Flush()
}

// outcome is the PR links of a run, or its error
func outcome(r *taskstore.Run) string {
	if len(r.PRURLs) > 0 {
		return strings.Join(r.PRURLs, " ")
	}
	return truncate(r.Error, 60)
}

func printStats(out io.Writer, counts map[domain.RunStatus]int) {
	total := 0
	for _, n := range counts {
		total += n
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, s := range []domain.RunStatus{domain.RunSucceeded, domain.RunNoChanges, domain.RunFailed} {
		fmt.Fprintf(w, "%s\t%s\n", s, humanize.Comma(int64(counts[s])))
	}
	fmt.Fprintf(w, "total\t%s\n", humanize.Comma(int64(total)))
	w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
