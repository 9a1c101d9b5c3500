// Package sagaflow provides an embeddable saga orchestration engine for Go.
//
// Sagaflow coordinates distributed transactions as workflows of tasks. A
// transaction wraps one or more workflow instances; each workflow instance
// executes a tree of task nodes; worker tasks are dispatched to external
// workers over a message bus and their results flow back as status updates.
// When a task ultimately fails, the workflow's failure strategy decides what
// happens next: fail, retry, compensate, compensate then retry, or run a
// recovery workflow.
//
// # Core Concepts
//
//  1. Orchestrator
//  2. Worker
//  3. WorkflowBuilder
//  4. Handler
//  5. LocalRunner
//
// # Orchestrator
//
// The Orchestrator owns the update pipeline: it consumes task updates and
// commands from the bus, advances transactions through the engine, and
// publishes domain events, dispatches and timers. It also provides APIs to:
//   - register workflow and task definitions
//   - start, cancel, pause and resume transactions
//   - read transaction state and event history
//
// State can be persisted in different backends:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// The bus carries task dispatches, updates, commands and delayed timers; it
// comes in an in-memory flavor for single-process use and a Redis flavor for
// distributed deployments.
//
// # Worker
//
// A Worker polls the bus for dispatched tasks and runs registered Handler
// functions. Workers run asynchronously and can be scaled horizontally;
// updates they post are partitioned by transaction so each transaction is
// always advanced in order.
//
// # WorkflowBuilder
//
// WorkflowBuilder is the declarative API for defining workflows:
//
//	def, err := sagaflow.NewWorkflow("PlaceOrder", "1").
//	    OnFailure(sagaflow.StrategyCompensate).
//	    Task("reserveStock", "reserve", nil).
//	    Task("chargeCard", "charge", map[string]any{
//	        "reservation": "${reserve.output.reservationId}",
//	    }).
//	    Definition()
//
// Task inputs may reference earlier results with ${...} expressions, resolved
// against the workflow input and prior task inputs and outputs at the moment
// a task is scheduled.
//
// # Handler
//
// A Handler is the unit of business logic run by workers:
//
//	type Handler func(ctx context.Context, task *TaskInstance) (any, error)
//
// Handlers should be idempotent; a task may be re-dispatched after an ack
// timeout or retry. Compensation handlers receive the original task's output
// as their input.
//
// # LocalRunner
//
// LocalRunner bundles in-memory stores, an in-memory bus, the orchestrator
// and a worker into a single process-local helper for development and tests.
// It is intentionally not crash-durable.
//
// For examples, see the /examples directory or the project README.
package sagaflow
