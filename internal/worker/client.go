// Package worker connects the task pipeline to a coordinator over a WebSocket.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
	"github.com/hochfrequenz/claude-coding-worker/internal/protocol"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long we wait for a ping from the coordinator before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a control message
const writeWait = 10 * time.Second

// Messages returned to the coordinator for tasks this worker refuses
const (
	noSlotsMessage  = "no slots available"
	drainingMessage = "worker is shutting down"
)

var errNotConnected = errors.New("not connected")

// Runner executes one task and always produces a Result
type Runner interface {
	Run(ctx context.Context, task *domain.Task) *domain.Result
}

// ResultStore persists finished tasks
type ResultStore interface {
	SaveResult(ctx context.Context, task *domain.Task, result *domain.Result) error
}

// Notifier announces finished tasks
type Notifier interface {
	NotifyResult(ctx context.Context, task *domain.Task, result *domain.Result) error
}

// Config configures the worker client
type Config struct {
	ServerURL string
	WorkerID  string
	MaxJobs   int

	// Optional hooks run after every task
	Store    ResultStore
	Notifier Notifier

	Logger *zap.Logger
}

// Validate checks the config is valid
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("max_jobs must be positive")
	}
	return nil
}

// Worker receives tasks from a coordinator, runs them and reports results
type Worker struct {
	config Config
	pool   *Pool
	runner Runner
	log    *zap.Logger

	conn *websocket.Conn
	mu   sync.Mutex

	// For graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc

	// Task tracking for cancellation and duplicate deliveries
	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc

	// Results that could not be delivered, resent after the next register
	pendingMu sync.Mutex
	pending   []protocol.ResultMessage
}

// NewWorker creates a new worker client
func NewWorker(config Config, runner Runner) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		config: config,
		pool:   NewPool(config.MaxJobs),
		runner: runner,
		log:    config.Logger.Named("worker").With(zap.String("worker_id", config.WorkerID)),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]context.CancelFunc),
	}, nil
}

// Connect establishes connection to the coordinator
func (w *Worker) Connect() error {
	conn, _, err := websocket.DefaultDialer.DialContext(w.ctx, w.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	// Extend the read deadline whenever the coordinator pings us
	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		// Overriding the default handler means we answer ourselves
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err != nil {
			w.log.Debug("failed to send pong", zap.Error(err))
		}
		return err
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.send(protocol.TypeRegister, protocol.RegisterMessage{
		WorkerID: w.config.WorkerID,
		MaxJobs:  w.config.MaxJobs,
	}); err != nil {
		return err
	}

	w.flushPending()
	return nil
}

// Run reads coordinator messages until the connection drops or the worker stops
func (w *Worker) Run() error {
	if err := w.sendReady(); err != nil {
		return err
	}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	for {
		select {
		case <-w.ctx.Done():
			return nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(pingWait))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			w.log.Warn("invalid message", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.TypeTask:
			var msg protocol.TaskMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				w.log.Warn("invalid task message", zap.Error(err))
				continue
			}
			go w.handleTask(msg.ToTask())

		case protocol.TypeCancel:
			var msg protocol.CancelMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				w.log.Warn("invalid cancel message", zap.Error(err))
				continue
			}
			w.log.Info("cancelling task", zap.String("task_id", msg.TaskID))
			w.CancelJob(msg.TaskID)

		case protocol.TypePing:
			// Application-level ping from older coordinators
			w.send(protocol.TypePong, nil)

		default:
			w.log.Debug("ignoring message", zap.String("type", env.Type))
		}
	}
}

func (w *Worker) handleTask(task *domain.Task) {
	log := w.log.With(zap.String("task_id", task.ID))

	if w.pool.Closed() {
		w.refuse(task, drainingMessage)
		return
	}

	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()

	if !w.TrackJob(task.ID, cancel) {
		// The coordinator redelivered a task that is still running here; the
		// running instance will report the single result
		log.Warn("ignoring duplicate task delivery")
		return
	}
	// Drain may close the pool between the check above and here; Acquire
	// fails on a closed pool, so no task starts after Drain's Wait.
	if !w.pool.Acquire() {
		w.UntrackJob(task.ID)
		if w.pool.Closed() {
			w.refuse(task, drainingMessage)
		} else {
			w.refuse(task, noSlotsMessage)
		}
		return
	}
	defer func() {
		w.pool.Release()
		w.UntrackJob(task.ID)
		w.sendReady()
	}()

	w.sendReady()
	log.Info("task accepted", zap.Int("free_slots", w.pool.Available()))

	result := w.runner.Run(ctx, task)
	w.finish(task, result)
}

func (w *Worker) refuse(task *domain.Task, reason string) {
	w.log.Warn("refusing task", zap.String("task_id", task.ID), zap.String("reason", reason))
	w.finish(task, &domain.Result{TaskID: task.ID, Error: reason})
}

// finish persists, announces and reports a result
func (w *Worker) finish(task *domain.Task, result *domain.Result) {
	// Hooks run even when the worker is stopping
	ctx := context.WithoutCancel(w.ctx)

	if w.config.Store != nil {
		if err := w.config.Store.SaveResult(ctx, task, result); err != nil {
			w.log.Error("saving result", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	if w.config.Notifier != nil {
		if err := w.config.Notifier.NotifyResult(ctx, task, result); err != nil {
			w.log.Warn("sending notification", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	msg := protocol.NewResultMessage(result)
	if err := w.send(protocol.TypeResult, msg); err != nil {
		w.log.Warn("result not delivered, queued for reconnect", zap.String("task_id", task.ID), zap.Error(err))
		w.pendingMu.Lock()
		w.pending = append(w.pending, msg)
		w.pendingMu.Unlock()
	}
}

func (w *Worker) flushPending() {
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = nil
	w.pendingMu.Unlock()

	for i, msg := range pending {
		if err := w.send(protocol.TypeResult, msg); err != nil {
			w.pendingMu.Lock()
			w.pending = append(pending[i:], w.pending...)
			w.pendingMu.Unlock()
			return
		}
		w.log.Info("delivered queued result", zap.String("task_id", msg.TaskID))
	}
}

// PendingResults returns the number of results waiting for a connection
func (w *Worker) PendingResults() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return len(w.pending)
}

// ReportState forwards a pipeline state transition to the coordinator.
// Progress updates are best-effort.
func (w *Worker) ReportState(taskID string, state domain.State) {
	if err := w.send(protocol.TypeState, protocol.StateMessage{TaskID: taskID, State: string(state)}); err != nil {
		w.log.Debug("state update not delivered", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (w *Worker) sendReady() error {
	return w.send(protocol.TypeReady, protocol.ReadyMessage{
		Slots: w.pool.Available(),
	})
}

func (w *Worker) send(msgType string, payload interface{}) error {
	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return errNotConnected
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *Worker) closeConn() {
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()
}

// Drain stops accepting tasks and waits for running ones to finish or ctx to end
func (w *Worker) Drain(ctx context.Context) error {
	w.pool.Close()
	return w.pool.Wait(ctx)
}

// Stop shuts down the worker, cancelling running tasks
func (w *Worker) Stop() {
	w.cancel()
	w.closeConn()
}

// RunWithReconnect runs the worker with automatic reconnection
func (w *Worker) RunWithReconnect() error {
	attempt := 0

	for {
		select {
		case <-w.ctx.Done():
			return nil
		default:
		}

		if err := w.Connect(); err != nil {
			delay := calculateBackoff(attempt)
			w.log.Warn("connection failed", zap.Error(err), zap.Duration("retry_in", delay))
			attempt++

			select {
			case <-w.ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		w.log.Info("connected to coordinator", zap.String("url", w.config.ServerURL))

		err := w.Run()

		// Close before reconnecting to avoid leaking file descriptors
		w.closeConn()

		if err != nil {
			w.log.Warn("disconnected", zap.Error(err))
		}
	}
}

// TrackJob registers a task's cancel function. It returns false if the task
// is already tracked.
func (w *Worker) TrackJob(taskID string, cancel context.CancelFunc) bool {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	if _, ok := w.jobs[taskID]; ok {
		return false
	}
	w.jobs[taskID] = cancel
	return true
}

// UntrackJob removes a task from tracking
func (w *Worker) UntrackJob(taskID string) {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	delete(w.jobs, taskID)
}

// HasJob checks if a task is being tracked
func (w *Worker) HasJob(taskID string) bool {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	_, ok := w.jobs[taskID]
	return ok
}

// CancelJob cancels a running task. The task stays tracked until its
// pipeline returns, so a redelivery cannot start it twice.
func (w *Worker) CancelJob(taskID string) {
	w.jobsMu.Lock()
	cancel, ok := w.jobs[taskID]
	w.jobsMu.Unlock()

	if ok && cancel != nil {
		cancel()
	}
}
