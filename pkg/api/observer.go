package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives a callback for every domain event the pipeline publishes.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay update processing.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEvent(ctx context.Context, ev Event) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEvent(ctx context.Context, ev Event) {
	for _, o := range c.observers {
		o.OnEvent(ctx, ev)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs domain events using the
// provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEvent(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	if ev.IsError {
		level = slog.LevelError
	}

	attrs := []any{
		slog.String("transaction_id", ev.TransactionID),
		slog.String("event_type", string(ev.Type)),
	}
	switch d := ev.Details.(type) {
	case *Transaction:
		attrs = append(attrs, slog.String("status", string(d.Status)))
	case *WorkflowInstance:
		attrs = append(attrs,
			slog.String("workflow_id", d.WorkflowID),
			slog.String("workflow_type", string(d.Type)),
			slog.String("status", string(d.Status)),
		)
	case *TaskInstance:
		attrs = append(attrs,
			slog.String("task_id", d.TaskID),
			slog.String("task_ref", d.TaskReferenceName),
			slog.String("status", string(d.Status)),
		)
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}

	o.Logger.Log(ctx, level, "event", attrs...)
}

// BasicMetrics collects simple counters over the event stream.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	transactionsStarted     atomic.Int64
	transactionsCompleted   atomic.Int64
	transactionsFailed      atomic.Int64
	transactionsCompensated atomic.Int64
	tasksScheduled          atomic.Int64
	tasksCompleted          atomic.Int64
	tasksFailed             atomic.Int64
	errorEvents             atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TransactionsStarted     int64
	TransactionsCompleted   int64
	TransactionsFailed      int64
	TransactionsCompensated int64
	PendingTransactions     int64

	TasksScheduled int64
	TasksCompleted int64
	TasksFailed    int64

	ErrorEvents int64
}

func (m *BasicMetrics) OnEvent(ctx context.Context, ev Event) {
	if ev.IsError {
		m.errorEvents.Add(1)
		return
	}

	switch d := ev.Details.(type) {
	case *Transaction:
		switch d.Status {
		case TransactionRunning:
			m.transactionsStarted.Add(1)
		case TransactionCompleted:
			m.transactionsCompleted.Add(1)
		case TransactionFailed:
			m.transactionsFailed.Add(1)
		case TransactionCompensated:
			m.transactionsCompensated.Add(1)
		}
	case *TaskInstance:
		switch d.Status {
		case TaskScheduled:
			m.tasksScheduled.Add(1)
		case TaskCompleted:
			m.tasksCompleted.Add(1)
		case TaskFailed, TaskAckTimeout, TaskTimeout:
			m.tasksFailed.Add(1)
		}
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.transactionsStarted.Load()
	completed := m.transactionsCompleted.Load()
	failed := m.transactionsFailed.Load()
	compensated := m.transactionsCompensated.Load()

	return BasicMetricsSnapshot{
		TransactionsStarted:     started,
		TransactionsCompleted:   completed,
		TransactionsFailed:      failed,
		TransactionsCompensated: compensated,
		PendingTransactions:     started - completed - failed - compensated,
		TasksScheduled:          m.tasksScheduled.Load(),
		TasksCompleted:          m.tasksCompleted.Load(),
		TasksFailed:             m.tasksFailed.Load(),
		ErrorEvents:             m.errorEvents.Load(),
	}
}
