package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    org_id TEXT NOT NULL,
    user_id TEXT,
    prompt TEXT,
    repositories TEXT,
    status TEXT NOT NULL,
    final_state TEXT,
    error TEXT,
    commit_sha TEXT,
    pr_urls TEXT,
    files_changed INTEGER DEFAULT 0,
    tokens_input INTEGER DEFAULT 0,
    tokens_output INTEGER DEFAULT 0,
    cost_usd REAL DEFAULT 0,
    duration_ms INTEGER NOT NULL,
    finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at);

CREATE TABLE IF NOT EXISTS run_repositories (
    run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    modified BOOLEAN DEFAULT FALSE,
    dropped BOOLEAN DEFAULT FALSE,
    committed BOOLEAN DEFAULT FALSE,
    pushed BOOLEAN DEFAULT FALSE,
    commit_sha TEXT,
    pr_url TEXT,
    error TEXT,
    PRIMARY KEY (run_id, position)
);
`
