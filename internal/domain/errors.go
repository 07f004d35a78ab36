package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy of the pipeline. Concrete errors wrap one of these so callers can use errors.Is.
var (
	ErrInvalidTask           = errors.New("invalid task")
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrMirrorUnavailable     = errors.New("mirror unavailable")
	ErrWorktreeCreateFailed  = errors.New("worktree create failed")
	ErrAgentExecutionFailed  = errors.New("agent execution failed")
	ErrAgentTimeout          = fmt.Errorf("%w: timeout", ErrAgentExecutionFailed)
	ErrNoChanges             = errors.New("no changes")
	ErrPublishFailed         = errors.New("publish failed")
	ErrCleanupFailed         = errors.New("cleanup failed")
)

// NoChangesMessage is the Result error for a task whose agent modified nothing
const NoChangesMessage = "no changes were made"

// MirrorError is returned when a repository mirror cannot be cloned or fetched
type MirrorError struct {
	Owner string
	Name  string
	Err   error
}

func (e *MirrorError) Error() string {
	return fmt.Sprintf("mirror %s/%s: %v", e.Owner, e.Name, e.Err)
}

func (e *MirrorError) Unwrap() []error {
	return []error{ErrMirrorUnavailable, e.Err}
}

// RepoError attributes a failure of kind Kind to one repository of a task
type RepoError struct {
	Repo string
	Kind error
	Err  error
}

func (e *RepoError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Repo, e.Kind, e.Err)
}

func (e *RepoError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// AgentTimeoutError is returned when the agent engine exceeds its deadline
type AgentTimeoutError struct {
	After time.Duration
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("agent execution timed out after %s", e.After)
}

func (e *AgentTimeoutError) Unwrap() error {
	return ErrAgentTimeout
}

// UserMessage maps an error to the text placed in Result.Error.
// Transport and process details stay in the logs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		timeout *AgentTimeoutError
		mirror  *MirrorError
		repo    *RepoError
	)
	switch {
	case errors.Is(err, ErrInvalidTask):
		return err.Error()
	case errors.Is(err, ErrCredentialUnavailable):
		return "repository access not configured: connect GitHub in settings"
	case errors.As(err, &timeout):
		return timeout.Error()
	case errors.Is(err, ErrAgentTimeout):
		return "agent execution timed out"
	case errors.Is(err, ErrAgentExecutionFailed):
		return "agent execution failed"
	case errors.Is(err, ErrNoChanges):
		return NoChangesMessage
	case errors.As(err, &mirror):
		return fmt.Sprintf("could not fetch repository %s/%s", mirror.Owner, mirror.Name)
	case errors.Is(err, ErrWorktreeCreateFailed) && errors.As(err, &repo):
		return fmt.Sprintf("could not prepare workspace for %s", repo.Repo)
	case errors.Is(err, ErrWorktreeCreateFailed):
		return "could not prepare workspace"
	case errors.Is(err, ErrPublishFailed) && errors.As(err, &repo):
		return fmt.Sprintf("publish failed for %s", repo.Repo)
	case errors.Is(err, ErrPublishFailed):
		return "publish failed"
	default:
		return "task failed: internal error"
	}
}
