// Package worker is a minimal task worker: it polls worker topics for
// dispatched tasks, runs registered handler functions and posts the
// results back as task updates. It is the canonical consumer of the
// dispatch side of the bus and is what the end-to-end tests drive.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/petrijr/sagaflow/internal/bus"
	"github.com/petrijr/sagaflow/pkg/api"
)

// Handler executes one task. The returned output goes into the Completed
// update; a non-nil error posts Failed with the error text in logs.
type Handler func(ctx context.Context, task *api.TaskInstance) (any, error)

// Worker polls one or more worker topics and runs handlers.
type Worker struct {
	bus    bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Worker. A nil logger falls back to slog.Default.
func New(b bus.Bus, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		bus:      b,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task name. Must be called before Start.
func (w *Worker) Register(taskName string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskName] = h
}

// RegisterCompensator binds a handler for the compensate variant of a task
// name. Without one, compensate tasks for that name fall back to the
// regular handler.
func (w *Worker) RegisterCompensator(taskName string, h Handler) {
	w.Register(compensateKey(taskName), h)
}

func compensateKey(taskName string) string { return taskName + "#compensate" }

// Start launches one polling goroutine per registered task name. It
// returns immediately; Stop shuts the loops down.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.mu.Lock()
	topics := make(map[string]struct{})
	for name := range w.handlers {
		if name == "" {
			continue
		}
		// Compensate registrations poll the same topic as the base name.
		topics[strings.TrimSuffix(name, "#compensate")] = struct{}{}
	}
	w.mu.Unlock()

	for topic := range topics {
		w.wg.Add(1)
		go w.poll(ctx, topic)
	}
}

// Stop cancels the polling loops and waits for in-flight tasks.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) poll(ctx context.Context, topic string) {
	defer w.wg.Done()
	for {
		task, err := w.bus.ReceiveDispatch(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("receive dispatch failed", "topic", topic, "error", err)
			continue
		}
		w.runTask(ctx, task)
	}
}

func (w *Worker) runTask(ctx context.Context, task *api.TaskInstance) {
	h := w.handlerFor(task)
	if h == nil {
		w.postUpdate(ctx, task, api.TaskFailed, nil, fmt.Sprintf("no handler registered for task %q", task.TaskName))
		return
	}

	w.postUpdate(ctx, task, api.TaskInprogress, nil, "")

	output, err := func() (out any, herr error) {
		defer func() {
			if r := recover(); r != nil {
				herr = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return h(ctx, task)
	}()
	if err != nil {
		w.logger.Warn("task failed", "task", task.TaskName, "taskId", task.TaskID, "error", err)
		w.postUpdate(ctx, task, api.TaskFailed, nil, err.Error())
		return
	}
	w.postUpdate(ctx, task, api.TaskCompleted, output, "")
}

func (w *Worker) handlerFor(task *api.TaskInstance) Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	if task.Type == api.TaskNodeCompensate {
		if h, ok := w.handlers[compensateKey(task.TaskName)]; ok {
			return h
		}
	}
	return w.handlers[task.TaskName]
}

func (w *Worker) postUpdate(ctx context.Context, task *api.TaskInstance, status api.TaskStatus, output any, logs string) {
	err := w.bus.SendUpdate(ctx, api.TaskUpdate{
		TransactionID: task.TransactionID,
		TaskID:        task.TaskID,
		Status:        status,
		Output:        output,
		Logs:          logs,
	})
	if err != nil && ctx.Err() == nil {
		w.logger.Error("posting update failed", "taskId", task.TaskID, "status", status, "error", err)
	}
}
