// Package notify announces finished tasks to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	TaskID  string   // Optional task reference
	PRURLs  []string // Optional pull request links
}

// Sender delivers a notification to one channel
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// MultiSender sends to multiple senders
type MultiSender struct {
	senders []Sender
}

// NewMultiSender creates a sender that sends to all provided senders
func NewMultiSender(senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders}
}

// Send sends the notification to all senders and joins their errors
func (m *MultiSender) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m.senders {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopSender does nothing (for testing or disabled notifications)
type NoopSender struct{}

func (NoopSender) Send(ctx context.Context, n Notification) error { return nil }

// ResultNotifier turns task results into notifications
type ResultNotifier struct {
	sender Sender
	// OnlyFailures suppresses notifications for successful tasks
	OnlyFailures bool
}

// NewResultNotifier creates a ResultNotifier delivering through sender
func NewResultNotifier(sender Sender) *ResultNotifier {
	return &ResultNotifier{sender: sender}
}

// NotifyResult announces one finished task
func (r *ResultNotifier) NotifyResult(ctx context.Context, task *domain.Task, res *domain.Result) error {
	if r.OnlyFailures && res.Success {
		return nil
	}
	return r.sender.Send(ctx, FromResult(task, res))
}

// FromResult builds the notification for a finished task
func FromResult(task *domain.Task, res *domain.Result) Notification {
	n := Notification{TaskID: res.TaskID, PRURLs: res.PRURLs}
	repos := strings.Join(task.RepoNames(), ", ")

	switch res.Status() {
	case domain.RunSucceeded:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("Task %s opened %d pull request(s)", res.TaskID, len(res.PRURLs))
	case domain.RunNoChanges:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("Task %s made no changes", res.TaskID)
	default:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Task %s failed", res.TaskID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Repositories: %s\n", repos)
	fmt.Fprintf(&b, "Duration: %s\n", res.ExecutionTime.Round(time.Second))
	if res.Usage.InputTokens > 0 || res.Usage.OutputTokens > 0 {
		fmt.Fprintf(&b, "Tokens: %s in / %s out\n",
			humanize.Comma(int64(res.Usage.InputTokens)), humanize.Comma(int64(res.Usage.OutputTokens)))
	}
	if len(res.FilesChanged) > 0 {
		fmt.Fprintf(&b, "Files changed: %d\n", len(res.FilesChanged))
	}
	for _, url := range res.PRURLs {
		fmt.Fprintf(&b, "%s\n", url)
	}
	if res.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", res.Error)
	}
	n.Message = strings.TrimRight(b.String(), "\n")
	return n
}
