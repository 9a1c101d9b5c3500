// Package store defines the persistence contracts the engine runs against,
// plus the reference in-memory implementation and the SQLite, Postgres,
// Redis and MongoDB backends.
//
// All operations are scoped by transactionId, which is also the partition
// key on the message bus. A conforming backend must provide read-your-writes
// within a single transaction-keyed partition; cross-partition consistency
// is not required.
package store

import (
	"context"
	"errors"

	"github.com/petrijr/sagaflow/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow instance is not found.
	ErrWorkflowNotFound = errors.New("workflow instance not found")

	// ErrWorkflowDefinitionNotFound is returned when a workflow definition
	// lookup misses.
	ErrWorkflowDefinitionNotFound = errors.New("workflow definition not found")

	// ErrTaskDefinitionNotFound is returned when a task definition lookup
	// misses.
	ErrTaskDefinitionNotFound = errors.New("task definition not found")

	// ErrDefinitionExists is returned when creating a definition that is
	// already registered under the same identity.
	ErrDefinitionExists = errors.New("definition already exists")
)

// TransactionStore persists transactions keyed by transactionId.
type TransactionStore interface {
	// Create persists a new transaction. It returns
	// api.ErrTransactionAlreadyExists if the id is taken.
	Create(ctx context.Context, tx *api.Transaction) error

	// Update overwrites an existing transaction. A status change that
	// violates the transition table returns api.ErrInvalidTransition.
	Update(ctx context.Context, tx *api.Transaction) error

	Get(ctx context.Context, transactionID string) (*api.Transaction, error)
	Delete(ctx context.Context, transactionID string) error
}

// WorkflowInstanceStore persists workflow instances keyed by workflowId.
type WorkflowInstanceStore interface {
	Create(ctx context.Context, wf *api.WorkflowInstance) error

	// Update overwrites an existing instance, enforcing the workflow
	// transition table.
	Update(ctx context.Context, wf *api.WorkflowInstance) error

	Get(ctx context.Context, workflowID string) (*api.WorkflowInstance, error)

	// GetByTransactionID returns all instances belonging to a transaction,
	// oldest first.
	GetByTransactionID(ctx context.Context, transactionID string) ([]*api.WorkflowInstance, error)

	Delete(ctx context.Context, workflowID string) error
}

// TaskInstanceStore persists task instances keyed by taskId.
type TaskInstanceStore interface {
	Create(ctx context.Context, t *api.TaskInstance) error

	// Update overwrites an existing task instance, enforcing the task
	// transition table.
	Update(ctx context.Context, t *api.TaskInstance) error

	// Reload atomically replaces the live instance for
	// (t.WorkflowID, t.TaskReferenceName) with t, which must carry a fresh
	// taskId. The superseded instance is removed; retries history lives on
	// the replacement. This is how task retries keep a single slot per
	// reference name instead of accumulating instances.
	Reload(ctx context.Context, t *api.TaskInstance) error

	Get(ctx context.Context, taskID string) (*api.TaskInstance, error)

	// GetAll returns all task instances of a workflow instance, oldest
	// first.
	GetAll(ctx context.Context, workflowID string) ([]*api.TaskInstance, error)

	Delete(ctx context.Context, taskID string) error
}

// WorkflowDefinitionStore is the registry of workflow definitions, keyed by
// (name, rev). Definitions are immutable per rev; Update replaces the stored
// document for an existing identity.
type WorkflowDefinitionStore interface {
	Create(ctx context.Context, def api.WorkflowDefinition) error
	Update(ctx context.Context, def api.WorkflowDefinition) error
	Get(ctx context.Context, name, rev string) (api.WorkflowDefinition, error)
	List(ctx context.Context) ([]api.WorkflowDefinition, error)
}

// TaskDefinitionStore is the registry of task definitions, keyed by name.
type TaskDefinitionStore interface {
	Create(ctx context.Context, def api.TaskDefinition) error
	Update(ctx context.Context, def api.TaskDefinition) error
	Get(ctx context.Context, name string) (api.TaskDefinition, error)
	List(ctx context.Context) ([]api.TaskDefinition, error)
}

// EventStore is an append-only history of published domain events.
type EventStore interface {
	Append(ctx context.Context, ev api.Event) error
	ListByTransactionID(ctx context.Context, transactionID string) ([]api.Event, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) Append(ctx context.Context, ev api.Event) error { return nil }
func (NoopEventStore) ListByTransactionID(ctx context.Context, transactionID string) ([]api.Event, error) {
	return nil, nil
}

// Stores bundles the capability set the engine binds at startup.
type Stores struct {
	Transactions TransactionStore
	Workflows    WorkflowInstanceStore
	Tasks        TaskInstanceStore
	WorkflowDefs WorkflowDefinitionStore
	TaskDefs     TaskDefinitionStore
	Events       EventStore
}
