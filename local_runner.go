package sagaflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// LocalRunner bundles an in-memory Orchestrator, an in-memory bus and a
// Worker into a simple process-local runtime for development and tests.
//
// Typical usage:
//
//	runner := sagaflow.NewLocalRunner(sagaflow.Options{})
//	_ = runner.RegisterWorkflow(ctx, def)
//	runner.Handle("reserveStock", reserveStock)
//
//	runner.Start(ctx)
//	defer runner.Stop()
//
//	txn, err := runner.Run(ctx, "PlaceOrder", "1", input)
type LocalRunner struct {
	// Orchestrator is the in-memory orchestrator used by this runner.
	Orchestrator *Orchestrator

	// Worker processes dispatched tasks with the registered handlers.
	Worker *Worker

	bus *MemoryBus

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by in-memory stores and an
// in-memory bus. Nothing survives a process restart.
func NewLocalRunner(opts Options) *LocalRunner {
	b := NewMemoryBus()
	o := NewInMemoryOrchestrator(b, opts)
	return &LocalRunner{
		Orchestrator: o,
		Worker:       o.NewWorker(opts.Logger),
		bus:          b,
	}
}

// RegisterWorkflow registers a workflow definition.
func (r *LocalRunner) RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error {
	return r.Orchestrator.RegisterWorkflow(ctx, def)
}

// RegisterTask registers a task definition (timeouts and retry defaults).
func (r *LocalRunner) RegisterTask(ctx context.Context, def TaskDefinition) error {
	return r.Orchestrator.RegisterTask(ctx, def)
}

// Handle binds a handler to a task name. Must be called before Start.
func (r *LocalRunner) Handle(taskName string, h Handler) {
	r.Worker.Register(taskName, h)
}

// HandleCompensation binds the handler run for compensate tasks of a task
// name.
func (r *LocalRunner) HandleCompensation(taskName string, h Handler) {
	r.Worker.RegisterCompensator(taskName, h)
}

// Start launches the orchestrator pipeline and the worker. Calling Start on
// a running runner is a no-op.
func (r *LocalRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true
	r.Orchestrator.Start(ctx)
	r.Worker.Start(ctx)
}

// Stop shuts the worker and pipeline down and waits for in-flight work.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.Worker.Stop()
	r.Orchestrator.Stop()
	r.bus.Close()
}

// Run starts a transaction and blocks until it reaches a terminal status or
// ctx expires. The transaction id is generated.
func (r *LocalRunner) Run(ctx context.Context, name, rev string, input any) (*Transaction, error) {
	id, err := r.Orchestrator.StartTransaction(ctx, "", name, rev, input)
	if err != nil {
		return nil, err
	}
	return r.Await(ctx, id)
}

// Await blocks until the transaction reaches a terminal status or ctx
// expires, and returns its final state.
func (r *LocalRunner) Await(ctx context.Context, transactionID string) (*Transaction, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		txn, err := r.Orchestrator.GetTransaction(ctx, transactionID)
		if err != nil && !errors.Is(err, api.ErrTransactionNotFound) {
			return nil, err
		}
		if err == nil && txn.Status.IsTerminal() {
			return txn, nil
		}
		if perr := r.Orchestrator.Err(); perr != nil {
			return nil, perr
		}
		select {
		case <-ctx.Done():
			return txn, ctx.Err()
		case <-ticker.C:
		}
	}
}

// History returns the transaction's persisted event trail.
func (r *LocalRunner) History(ctx context.Context, transactionID string) ([]Event, error) {
	return r.Orchestrator.History(ctx, transactionID)
}
