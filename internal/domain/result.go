package domain

import "time"

// RepoOutcome records what happened to one repository of a task
type RepoOutcome struct {
	Name      string
	Modified  bool
	Dropped   bool
	Committed bool // a fallback commit was created
	Pushed    bool // the branch was pushed by the pipeline (false if it already existed)
	CommitSHA string
	PRURL     string
	Error     string
}

// Usage is the token accounting reported by the agent engine
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Result is the single terminal outcome of a task
type Result struct {
	TaskID        string
	Success       bool
	FilesChanged  []string
	CommitMessage string
	CommitSHA     string
	PRURL         string
	PRURLs        []string
	Error         string
	ExecutionTime time.Duration
	Repositories  []RepoOutcome
	FinalState    State // last state reached before cleanup
	Usage         Usage
}

// Status classifies the result for run history
func (r *Result) Status() RunStatus {
	switch {
	case r.Success:
		return RunSucceeded
	case r.Error == NoChangesMessage:
		return RunNoChanges
	default:
		return RunFailed
	}
}
