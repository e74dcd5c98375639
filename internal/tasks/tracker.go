// Package tasks supervises every background goroutine the conductor starts.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTrackerClosed is returned by Spawn once Shutdown has begun.
var ErrTrackerClosed = errors.New("task tracker is closed")

// Func is a unit of tracked work. It must return when ctx is cancelled.
type Func func(ctx context.Context) error

// TaskInfo describes a registered task.
type TaskInfo struct {
	CreatedAt      time.Time `json:"created_at"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// PanicError is the error recorded for a task that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Report summarizes a Shutdown.
type Report struct {
	Leaked    []TaskInfo
	Completed int
}

// Handle is the caller's reference to a spawned task.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	TaskInfo
}

// Cancel cancels the task context. It does not wait for the task to return.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the task has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's error. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task returns or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracker is a process-wide table of running tasks.
type Tracker struct {
	logger       *zap.Logger
	panicHandler PanicHandler
	tasks        map[string]*Handle
	onFinish     func(info TaskInfo, err error)
	mu           sync.Mutex
	closed       bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPanicHandler replaces the default logging panic handler.
func WithPanicHandler(h PanicHandler) Option {
	return func(t *Tracker) {
		if h != nil {
			t.panicHandler = h
		}
	}
}

// WithFinishHook registers a callback invoked after every task returns.
func WithFinishHook(fn func(info TaskInfo, err error)) Option {
	return func(t *Tracker) {
		t.onFinish = fn
	}
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("tasks")

	t := &Tracker{
		logger:       logger,
		panicHandler: NewLogPanicHandler(logger),
		tasks:        make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Spawn registers fn and runs it in a new goroutine. The task's context is
// derived from ctx and is additionally cancelled by Cancel, CancelConversation
// and Shutdown.
func (t *Tracker) Spawn(ctx context.Context, name, conversationID string, fn Func) (*Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("spawn %s: nil task func", name)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		TaskInfo: TaskInfo{
			ID:             uuid.NewString(),
			Name:           name,
			ConversationID: conversationID,
			CreatedAt:      time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return nil, ErrTrackerClosed
	}
	t.tasks[h.ID] = h
	t.mu.Unlock()

	go t.run(taskCtx, h, fn)
	return h, nil
}

func (t *Tracker) run(ctx context.Context, h *Handle, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			handleRecoveredPanic(h.TaskInfo, r, t.panicHandler)
			h.err = &PanicError{Value: r}
		}

		h.cancel()
		t.mu.Lock()
		delete(t.tasks, h.ID)
		t.mu.Unlock()
		close(h.done)

		if t.onFinish != nil {
			t.onFinish(h.TaskInfo, h.err)
		}
	}()

	h.err = fn(ctx)
	if h.err != nil && !errors.Is(h.err, context.Canceled) {
		t.logger.Debug("Task returned error",
			zap.String("task", h.Name),
			zap.String("conversation_id", h.ConversationID),
			zap.Error(h.err))
	}
}

// CancelConversation cancels every running task owned by conversationID and
// returns how many were cancelled.
func (t *Tracker) CancelConversation(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, h := range t.tasks {
		if h.ConversationID == conversationID {
			h.cancel()
			n++
		}
	}
	return n
}

// Len returns the number of running tasks.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// List returns the running tasks ordered by creation time.
func (t *Tracker) List() []TaskInfo {
	t.mu.Lock()
	infos := make([]TaskInfo, 0, len(t.tasks))
	for _, h := range t.tasks {
		infos = append(infos, h.TaskInfo)
	}
	t.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Shutdown closes the tracker to new work, cancels every registered task
// and waits up to grace for them to return. Tasks still running after grace
// are reported as leaked.
func (t *Tracker) Shutdown(grace time.Duration) Report {
	t.mu.Lock()
	t.closed = true
	handles := make([]*Handle, 0, len(t.tasks))
	for _, h := range t.tasks {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	var report Report
	expired := false
	for _, h := range handles {
		if !expired {
			select {
			case <-h.done:
				report.Completed++
				continue
			case <-deadline.C:
				expired = true
			}
		}
		select {
		case <-h.done:
			report.Completed++
		default:
			report.Leaked = append(report.Leaked, h.TaskInfo)
		}
	}

	for _, info := range report.Leaked {
		t.logger.Warn("Task leaked past shutdown grace period",
			zap.String("task_id", info.ID),
			zap.String("task", info.Name),
			zap.String("conversation_id", info.ConversationID),
			zap.Duration("age", time.Since(info.CreatedAt)))
	}

	t.logger.Info("Task tracker shut down",
		zap.Int("completed", report.Completed),
		zap.Int("leaked", len(report.Leaked)))
	return report
}
