// Package protocol defines the messages exchanged between a coding worker and
// its coordinator. Messages flow over a WebSocket connection as JSON envelopes.
package protocol

import (
	"encoding/json"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Worker -> Coordinator messages

// RegisterMessage sent when worker first connects
type RegisterMessage struct {
	WorkerID string `json:"workerId"`
	MaxJobs  int    `json:"maxJobs"`
}

// ReadyMessage sent when worker has available task slots
type ReadyMessage struct {
	Slots int `json:"slots"`
}

// StateMessage reports pipeline progress of a running task
type StateMessage struct {
	TaskID string `json:"taskId"`
	State  string `json:"state"`
}

// ResultMessage is the single terminal outcome of a task
type ResultMessage struct {
	TaskID        string              `json:"taskId"`
	Success       bool                `json:"success"`
	FilesChanged  []string            `json:"filesChanged,omitempty"`
	CommitMessage string              `json:"commitMessage,omitempty"`
	CommitSHA     string              `json:"commitSha,omitempty"`
	PRURL         string              `json:"prUrl,omitempty"`
	PRURLs        []string            `json:"prUrls,omitempty"`
	Error         string              `json:"error,omitempty"`
	ExecutionTime int64               `json:"executionTime"` // milliseconds
	Repositories  []RepositoryOutcome `json:"repositories,omitempty"`
}

// RepositoryOutcome is the per-repository part of a result
type RepositoryOutcome struct {
	Name      string `json:"name"`
	Modified  bool   `json:"modified"`
	Dropped   bool   `json:"dropped,omitempty"`
	Committed bool   `json:"committed"`
	Pushed    bool   `json:"pushed"`
	CommitSHA string `json:"commitSha,omitempty"`
	PRURL     string `json:"prUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Coordinator -> Worker messages

// RepositoryMessage identifies one target repository
type RepositoryMessage struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

// TaskMessage assigns a coding task to a worker
type TaskMessage struct {
	TaskID       string              `json:"taskId"`
	OrgID        string              `json:"orgId"`
	UserID       string              `json:"userId"`
	Repositories []RepositoryMessage `json:"repositories"`
	Prompt       string              `json:"prompt"`
	AuthToken    string              `json:"authToken"`
	JWT          string              `json:"jwt,omitempty"` // older coordinators send the bearer here
	Model        string              `json:"model,omitempty"`
	Files        []string            `json:"files,omitempty"`
	SystemPrompt string              `json:"systemPrompt,omitempty"`
	AgentName    string              `json:"agentName,omitempty"`
	PRTitle      string              `json:"prTitle,omitempty"`
	BranchName   string              `json:"branchName,omitempty"`
}

// CancelMessage requests task cancellation
type CancelMessage struct {
	TaskID string `json:"taskId"`
}

// Message type constants
const (
	TypeRegister = "register"
	TypeReady    = "ready"
	TypeState    = "state"
	TypeResult   = "result"
	TypeTask     = "task"
	TypeCancel   = "cancel"
	TypePing     = "ping"
	TypePong     = "pong"
)

// ToTask converts the wire message into a domain task
func (m *TaskMessage) ToTask() *domain.Task {
	task := &domain.Task{
		ID:           m.TaskID,
		OrgID:        m.OrgID,
		UserID:       m.UserID,
		Prompt:       m.Prompt,
		AuthToken:    m.AuthToken,
		Model:        m.Model,
		Files:        m.Files,
		SystemPrompt: m.SystemPrompt,
		AgentName:    m.AgentName,
		PRTitle:      m.PRTitle,
		BranchName:   m.BranchName,
	}
	if task.AuthToken == "" {
		task.AuthToken = m.JWT
	}
	for _, r := range m.Repositories {
		task.Repositories = append(task.Repositories, domain.Repository{Owner: r.Owner, Name: r.Name, Branch: r.Branch})
	}
	return task
}

// NewResultMessage converts a domain result into its wire form
func NewResultMessage(r *domain.Result) ResultMessage {
	msg := ResultMessage{
		TaskID:        r.TaskID,
		Success:       r.Success,
		FilesChanged:  r.FilesChanged,
		CommitMessage: r.CommitMessage,
		CommitSHA:     r.CommitSHA,
		PRURL:         r.PRURL,
		PRURLs:        r.PRURLs,
		Error:         r.Error,
		ExecutionTime: r.ExecutionTime.Milliseconds(),
	}
	for _, o := range r.Repositories {
		msg.Repositories = append(msg.Repositories, RepositoryOutcome{
			Name:      o.Name,
			Modified:  o.Modified,
			Dropped:   o.Dropped,
			Committed: o.Committed,
			Pushed:    o.Pushed,
			CommitSHA: o.CommitSHA,
			PRURL:     o.PRURL,
			Error:     o.Error,
		})
	}
	return msg
}
