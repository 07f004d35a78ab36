package domain

// State is a step of the task pipeline. States are strictly ordered and never revisited.
type State string

const (
	StateReceived        State = "received"
	StateTokenAcquired   State = "token_acquired"
	StateWorkspaceReady  State = "workspace_ready"
	StateAgentExecuted   State = "agent_executed"
	StateChangesDetected State = "changes_detected"
	StatePublished       State = "published"
	StateCleanedUp       State = "cleaned_up"
	StateDone            State = "done"
)

var stateOrder = map[State]int{
	StateReceived:        0,
	StateTokenAcquired:   1,
	StateWorkspaceReady:  2,
	StateAgentExecuted:   3,
	StateChangesDetected: 4,
	StatePublished:       5,
	StateCleanedUp:       6,
	StateDone:            7,
}

// Before reports whether s comes strictly before other in the pipeline.
// Unknown states are never before anything.
func (s State) Before(other State) bool {
	a, ok := stateOrder[s]
	if !ok {
		return false
	}
	b, ok := stateOrder[other]
	if !ok {
		return false
	}
	return a < b
}

// Valid returns true if s is a known pipeline state
func (s State) Valid() bool {
	_, ok := stateOrder[s]
	return ok
}

// RunStatus is the terminal status stored in run history
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunNoChanges RunStatus = "no_changes"
)
