package sagaflow

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/sagaflow/internal/bus"
	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/pipeline"
	"github.com/petrijr/sagaflow/internal/store"
	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	WorkflowDefinition  = api.WorkflowDefinition
	TaskDefinition      = api.TaskDefinition
	TaskNode            = api.TaskNode
	WorkflowRef         = api.WorkflowRef
	WorkflowRetryPolicy = api.WorkflowRetryPolicy
	TaskRetryPolicy     = api.TaskRetryPolicy
	FailureStrategy     = api.FailureStrategy

	Transaction      = api.Transaction
	WorkflowInstance = api.WorkflowInstance
	TaskInstance     = api.TaskInstance
	Event            = api.Event
	TaskUpdate       = api.TaskUpdate

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Handler = worker.Handler
	Worker  = worker.Worker

	Bus       = bus.Bus
	MemoryBus = bus.MemoryBus
	RedisBus  = bus.RedisBus
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export failure strategies for convenience.

const (
	StrategyFailed              = api.StrategyFailed
	StrategyRetry               = api.StrategyRetry
	StrategyCompensate          = api.StrategyCompensate
	StrategyCompensateThenRetry = api.StrategyCompensateThenRetry
	StrategyRecoveryWorkflow    = api.StrategyRecoveryWorkflow
)

// Re-export transaction statuses for convenience.

const (
	TransactionRunning     = api.TransactionRunning
	TransactionPaused      = api.TransactionPaused
	TransactionCompleted   = api.TransactionCompleted
	TransactionFailed      = api.TransactionFailed
	TransactionCancelled   = api.TransactionCancelled
	TransactionCompensated = api.TransactionCompensated
)

// Bus constructors
// These wrap the internal/bus package so external callers never need to
// import internal packages.

// NewMemoryBus returns a process-local Bus for tests and single-process
// deployments.
func NewMemoryBus() *MemoryBus {
	return bus.NewMemoryBus(0)
}

// NewRedisBus returns a Redis-backed Bus. All keys are placed under prefix;
// consumerID names this consumer's pending list for crash recovery. Both may
// be empty for sensible defaults.
func NewRedisBus(client *redis.Client, prefix, consumerID string) *RedisBus {
	return bus.NewRedisBus(client, prefix, consumerID)
}

// Options tunes an Orchestrator. The zero value is usable.
type Options struct {
	// Observer receives every published domain event.
	Observer Observer

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// StrictReferences makes unresolved ${...} input references fail the
	// task instead of substituting null/"".
	StrictReferences bool

	// Partitions is the number of concurrent apply workers; updates are
	// partitioned by transactionId.
	Partitions int

	// BatchSize bounds how many updates one consume round may take.
	BatchSize int
}

// Orchestrator bundles the engine and the update pipeline over a chosen
// store backend and bus.
type Orchestrator struct {
	stores   *store.Stores
	bus      Bus
	engine   *engine.Engine
	pipeline *pipeline.Pipeline
}

func newOrchestrator(stores *store.Stores, b Bus, opts Options) *Orchestrator {
	eng := engine.New(engine.Config{
		Stores:           stores,
		Logger:           opts.Logger,
		StrictReferences: opts.StrictReferences,
	})
	return &Orchestrator{
		stores: stores,
		bus:    b,
		engine: eng,
		pipeline: pipeline.New(pipeline.Config{
			Bus:        b,
			Engine:     eng,
			Stores:     stores,
			Observer:   opts.Observer,
			Logger:     opts.Logger,
			Partitions: opts.Partitions,
			BatchSize:  opts.BatchSize,
		}),
	}
}

// NewInMemoryOrchestrator returns an Orchestrator backed entirely by
// in-memory stores.
func NewInMemoryOrchestrator(b Bus, opts Options) *Orchestrator {
	return newOrchestrator(store.NewMemoryStores(), b, opts)
}

// NewSQLiteOrchestrator returns an Orchestrator that persists state in a
// SQLite database. The schema is created if missing.
func NewSQLiteOrchestrator(db *sql.DB, b Bus, opts Options) (*Orchestrator, error) {
	stores, err := store.NewSQLiteStores(db)
	if err != nil {
		return nil, err
	}
	return newOrchestrator(stores, b, opts), nil
}

// NewPostgresOrchestrator returns an Orchestrator that persists state in
// PostgreSQL. The schema is created if missing.
func NewPostgresOrchestrator(db *sql.DB, b Bus, opts Options) (*Orchestrator, error) {
	stores, err := store.NewPostgresStores(db)
	if err != nil {
		return nil, err
	}
	return newOrchestrator(stores, b, opts), nil
}

// NewRedisOrchestrator returns an Orchestrator that persists state in Redis
// under the given key prefix (empty for the default).
func NewRedisOrchestrator(client *redis.Client, prefix string, b Bus, opts Options) *Orchestrator {
	return newOrchestrator(store.NewRedisStores(client, prefix), b, opts)
}

// NewMongoOrchestrator returns an Orchestrator that persists state in
// MongoDB (dbName empty for the default database).
func NewMongoOrchestrator(client *mongo.Client, dbName string, b Bus, opts Options) *Orchestrator {
	return newOrchestrator(store.NewMongoStores(client, dbName), b, opts)
}

// Start launches the update pipeline and, when the bus keeps its timers
// server-side, the timer promotion loop. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	o.pipeline.Start(ctx)
	if tl, ok := o.bus.(interface {
		StartTimerLoop(ctx context.Context, interval time.Duration)
	}); ok {
		tl.StartTimerLoop(ctx, 0)
	}
}

// Stop shuts the pipeline down and waits for in-flight work.
func (o *Orchestrator) Stop() {
	o.pipeline.Stop()
}

// Err reports the failure that stopped the pipeline, if any.
func (o *Orchestrator) Err() error {
	return o.pipeline.Err()
}

// RegisterWorkflow validates and registers a workflow definition under its
// (name, rev) identity.
func (o *Orchestrator) RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error {
	if err := api.ValidateWorkflowDefinition(def); err != nil {
		return err
	}
	return o.stores.WorkflowDefs.Create(ctx, def)
}

// RegisterTask validates and registers a task definition under its name.
func (o *Orchestrator) RegisterTask(ctx context.Context, def TaskDefinition) error {
	if err := api.ValidateTaskDefinition(def); err != nil {
		return err
	}
	return o.stores.TaskDefs.Create(ctx, def)
}

// StartTransaction starts a transaction running the registered workflow
// (name, rev) with the given input. An empty transactionID gets a generated
// one; the used id is returned. Definition problems surface synchronously.
func (o *Orchestrator) StartTransaction(ctx context.Context, transactionID, name, rev string, input any) (string, error) {
	def, err := o.stores.WorkflowDefs.Get(ctx, name, rev)
	if err != nil {
		return "", err
	}
	if transactionID == "" {
		transactionID = uuid.NewString()
	}
	eff, err := o.engine.StartTransaction(ctx, transactionID, def, input)
	if err != nil {
		return "", err
	}
	return transactionID, o.pipeline.PublishEffects(ctx, eff)
}

// Cancel requests cancellation of a transaction. Live tasks are failed,
// results arriving afterwards are rejected.
func (o *Orchestrator) Cancel(ctx context.Context, transactionID string) error {
	return o.bus.SendCommand(ctx, api.Command{
		TransactionID: transactionID,
		Type:          api.CommandCancelTransaction,
	})
}

// Pause freezes dispatching for a transaction; in-flight results are still
// recorded.
func (o *Orchestrator) Pause(ctx context.Context, transactionID string) error {
	return o.bus.SendCommand(ctx, api.Command{
		TransactionID: transactionID,
		Type:          api.CommandPauseTransaction,
	})
}

// Resume lifts a pause and picks up deferred work.
func (o *Orchestrator) Resume(ctx context.Context, transactionID string) error {
	return o.bus.SendCommand(ctx, api.Command{
		TransactionID: transactionID,
		Type:          api.CommandResumeTransaction,
	})
}

// GetTransaction fetches a transaction by id.
func (o *Orchestrator) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	return o.stores.Transactions.Get(ctx, transactionID)
}

// GetWorkflows lists a transaction's workflow instances, oldest first.
func (o *Orchestrator) GetWorkflows(ctx context.Context, transactionID string) ([]*WorkflowInstance, error) {
	return o.stores.Workflows.GetByTransactionID(ctx, transactionID)
}

// History returns the persisted event trail of a transaction.
func (o *Orchestrator) History(ctx context.Context, transactionID string) ([]Event, error) {
	return o.stores.Events.ListByTransactionID(ctx, transactionID)
}

// NewWorker returns a Worker polling this orchestrator's bus.
func (o *Orchestrator) NewWorker(logger *slog.Logger) *Worker {
	return worker.New(o.bus, logger)
}
