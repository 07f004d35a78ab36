// Package taskstore keeps the history of finished tasks in SQLite.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
)

// Run is one stored task execution
type Run struct {
	ID           int64
	TaskID       string
	OrgID        string
	UserID       string
	Prompt       string
	Repositories []string
	Status       domain.RunStatus
	FinalState   domain.State
	Error        string
	CommitSHA    string
	PRURLs       []string
	FilesChanged int
	Usage        domain.Usage
	Duration     time.Duration
	FinishedAt   time.Time
	Outcomes     []domain.RepoOutcome
}

// Store provides SQLite-backed run history
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases and write ordering consistent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveResult records a finished task. Every attempt of a task is kept.
// The auth token is never stored.
func (s *Store) SaveResult(ctx context.Context, task *domain.Task, res *domain.Result) error {
	reposJSON, err := json.Marshal(task.RepoNames())
	if err != nil {
		return err
	}
	prsJSON, err := json.Marshal(res.PRURLs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, `
		INSERT INTO runs (task_id, org_id, user_id, prompt, repositories, status, final_state, error,
			commit_sha, pr_urls, files_changed, tokens_input, tokens_output, cost_usd, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.OrgID,
		task.UserID,
		task.Prompt,
		string(reposJSON),
		string(res.Status()),
		string(res.FinalState),
		res.Error,
		res.CommitSHA,
		string(prsJSON),
		len(res.FilesChanged),
		res.Usage.InputTokens,
		res.Usage.OutputTokens,
		res.Usage.CostUSD,
		res.ExecutionTime.Milliseconds(),
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	runID, err := r.LastInsertId()
	if err != nil {
		return err
	}

	for i, o := range res.Repositories {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_repositories (run_id, position, name, modified, dropped, committed, pushed, commit_sha, pr_url, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, i, o.Name, o.Modified, o.Dropped, o.Committed, o.Pushed, o.CommitSHA, o.PRURL, o.Error)
		if err != nil {
			return fmt.Errorf("inserting outcome for %s: %w", o.Name, err)
		}
	}

	return tx.Commit()
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	TaskID string
	OrgID  string
	Status domain.RunStatus
	Limit  int // 0 means no limit
}

// ListRuns returns runs matching the given options, newest first
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error) {
	query := `SELECT id, task_id, org_id, user_id, prompt, repositories, status, final_state, error,
		commit_sha, pr_urls, files_changed, tokens_input, tokens_output, cost_usd, duration_ms, finished_at
		FROM runs WHERE 1=1`
	var args []interface{}

	if opts.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, opts.TaskID)
	}
	if opts.OrgID != "" {
		query += " AND org_id = ?"
		args = append(args, opts.OrgID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY finished_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, run := range runs {
		if run.Outcomes, err = s.outcomes(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ListRecent returns the newest limit runs
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Run, error) {
	return s.ListRuns(ctx, ListOptions{Limit: limit})
}

// CountByStatus returns how many runs ended in each status
func (s *Store) CountByStatus(ctx context.Context) (map[domain.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// Prune deletes runs that finished before cutoff and returns how many were removed
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	r, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}

func (s *Store) outcomes(ctx context.Context, runID int64) ([]domain.RepoOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, modified, dropped, committed, pushed, commit_sha, pr_url, error
		FROM run_repositories WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []domain.RepoOutcome
	for rows.Next() {
		var o domain.RepoOutcome
		var sha, url, errMsg sql.NullString
		if err := rows.Scan(&o.Name, &o.Modified, &o.Dropped, &o.Committed, &o.Pushed, &sha, &url, &errMsg); err != nil {
			return nil, err
		}
		o.CommitSHA, o.PRURL, o.Error = sha.String, url.String, errMsg.String
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var run Run
	var userID, prompt, reposJSON, finalState, errMsg, sha, prsJSON sql.NullString
	var status string
	var durationMs int64

	err := rows.Scan(&run.ID, &run.TaskID, &run.OrgID, &userID, &prompt, &reposJSON, &status, &finalState, &errMsg,
		&sha, &prsJSON, &run.FilesChanged, &run.Usage.InputTokens, &run.Usage.OutputTokens, &run.Usage.CostUSD,
		&durationMs, &run.FinishedAt)
	if err != nil {
		return nil, err
	}

	run.UserID = userID.String
	run.Prompt = prompt.String
	run.Status = domain.RunStatus(status)
	run.FinalState = domain.State(finalState.String)
	run.Error = errMsg.String
	run.CommitSHA = sha.String
	run.Duration = time.Duration(durationMs) * time.Millisecond

	if err := unmarshalList(reposJSON, &run.Repositories); err != nil {
		return nil, err
	}
	if err := unmarshalList(prsJSON, &run.PRURLs); err != nil {
		return nil, err
	}

	return &run, nil
}

func unmarshalList(s sql.NullString, v *[]string) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
