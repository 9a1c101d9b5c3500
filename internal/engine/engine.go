// Package engine advances transactions: it applies task status updates,
// walks workflow definitions to find the next runnable task, applies
// failure strategies, and runs system tasks in process. The engine is
// synchronous and holds no state between calls; everything it decides is
// persisted through the store and returned as Effects for the pipeline to
// publish.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/sagaflow/internal/store"
	"github.com/petrijr/sagaflow/pkg/api"
)

// Effects is everything an engine call wants published: domain events,
// task dispatches to worker topics, delayed timers, and synthetic updates
// to feed back through the pipeline (system-task results, sub-workflow
// completions). The pipeline publishes them only after the store writes
// they describe have succeeded.
type Effects struct {
	Events     []api.Event
	Dispatches []*api.TaskInstance
	Timers     []api.Timer
	FollowUps  []api.TaskUpdate
}

// Config describes how to construct an Engine.
type Config struct {
	Stores *store.Stores
	Logger *slog.Logger

	// StrictReferences makes unresolved ${...} paths an error instead of
	// substituting null/"".
	StrictReferences bool

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Engine is the state engine. It is safe for concurrent use as long as
// callers never run two Apply calls for the same transaction concurrently;
// the pipeline's partitioning guarantees that.
type Engine struct {
	stores *store.Stores
	logger *slog.Logger
	strict bool
	now    func() time.Time
	newID  func() string
}

// New creates an Engine.
func New(cfg Config) *Engine {
	e := &Engine{
		stores: cfg.Stores,
		logger: cfg.Logger,
		strict: cfg.StrictReferences,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// StartTransaction validates the definition, snapshots it into a new
// transaction and starts the main workflow. InvalidDefinition and
// TransactionAlreadyExists surface synchronously; no instance state is
// created for an invalid definition.
func (e *Engine) StartTransaction(ctx context.Context, transactionID string, def api.WorkflowDefinition, input any) (*Effects, error) {
	if err := api.ValidateWorkflowDefinition(def); err != nil {
		return nil, err
	}
	if transactionID == "" {
		transactionID = e.newID()
	}

	txn := &api.Transaction{
		TransactionID:      transactionID,
		Status:             api.TransactionRunning,
		Input:              input,
		WorkflowDefinition: def,
		CreateTime:         e.now().UTC(),
	}
	if err := e.stores.Transactions.Create(ctx, txn); err != nil {
		return nil, err
	}

	eff := &Effects{}
	e.transactionEvent(eff, txn)
	if _, err := e.startWorkflow(ctx, eff, txn, def, input, api.WorkflowTypeWorkflow, 0, ""); err != nil {
		return nil, err
	}
	return eff, nil
}

// Apply processes an ordered group of updates for one partition. Domain
// errors (unknown task, illegal transition) become error events and the
// offending update is dropped; only infrastructure errors are returned.
func (e *Engine) Apply(ctx context.Context, updates []api.TaskUpdate) (*Effects, error) {
	eff := &Effects{}
	for i := range updates {
		if err := e.applyOne(ctx, eff, updates[i]); err != nil {
			return eff, err
		}
	}
	return eff, nil
}

// ApplyCommand handles one administrative command.
func (e *Engine) ApplyCommand(ctx context.Context, cmd api.Command) (*Effects, error) {
	switch cmd.Type {
	case api.CommandStartTransaction:
		if cmd.Workflow == nil {
			return nil, fmt.Errorf("%w: start command without workflow ref", api.ErrInvalidDefinition)
		}
		def, err := e.stores.WorkflowDefs.Get(ctx, cmd.Workflow.Name, cmd.Workflow.Rev)
		if err != nil {
			return nil, err
		}
		return e.StartTransaction(ctx, cmd.TransactionID, def, cmd.Input)
	case api.CommandCancelTransaction:
		return e.cancelTransaction(ctx, cmd.TransactionID)
	case api.CommandPauseTransaction:
		return e.pauseTransaction(ctx, cmd.TransactionID)
	case api.CommandResumeTransaction:
		return e.resumeTransaction(ctx, cmd.TransactionID)
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (e *Engine) applyOne(ctx context.Context, eff *Effects, u api.TaskUpdate) error {
	task, err := e.stores.Tasks.Get(ctx, u.TaskID)
	if err != nil {
		if errors.Is(err, api.ErrTaskNotFound) {
			e.errorEvent(eff, u.TransactionID, err, u)
			return nil
		}
		return err
	}
	if task.TransactionID != u.TransactionID {
		e.errorEvent(eff, u.TransactionID, fmt.Errorf("%w: %s belongs to another transaction", api.ErrTaskNotFound, u.TaskID), u)
		return nil
	}

	// Idempotent resubmission: same status and same output is a silent
	// no-op; same status with a different output is rejected.
	if u.Status == task.Status {
		if outputsEqual(task.Output, u.Output) {
			return nil
		}
		e.errorEvent(eff, u.TransactionID, fmt.Errorf("%w: task %s resubmitted %s with different output", api.ErrInvalidTransition, task.TaskID, u.Status), u)
		return nil
	}

	// Stale expiry timers: the ack timer fires after the task moved on, or
	// the run timer fires after the task already ended. Both drop silently.
	if u.Status == api.TaskAckTimeout && task.Status != api.TaskScheduled {
		return nil
	}
	if u.Status == api.TaskTimeout && task.Status.IsTerminal() {
		return nil
	}

	if !task.Status.CanTransitionTo(u.Status) {
		e.errorEvent(eff, u.TransactionID, fmt.Errorf("%w: task %s %s -> %s", api.ErrInvalidTransition, task.TaskID, task.Status, u.Status), u)
		return nil
	}

	wf, err := e.stores.Workflows.Get(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	txn, err := e.stores.Transactions.Get(ctx, task.TransactionID)
	if err != nil {
		return err
	}

	// A terminal update straight from Scheduled passed through Inprogress
	// implicitly; emit that event first so the trail stays monotone.
	if task.Status == api.TaskScheduled && u.Status.IsTerminal() {
		ghost := *task
		ghost.Status = api.TaskInprogress
		e.taskEvent(eff, &ghost)
	}

	task.Status = u.Status
	if u.Output != nil {
		task.Output = u.Output
	}
	if u.Logs != "" {
		task.Logs = u.Logs
	}
	if u.Status.IsTerminal() {
		end := e.now().UTC()
		task.EndTime = &end
	}
	if err := e.stores.Tasks.Update(ctx, task); err != nil {
		return err
	}
	e.taskEvent(eff, task)

	// Run timeout starts counting when the worker acknowledges.
	if u.Status == api.TaskInprogress && task.Type == api.TaskNodeTask {
		if def, derr := e.stores.TaskDefs.Get(ctx, task.TaskName); derr == nil && def.TimeoutSecond > 0 {
			eff.Timers = append(eff.Timers, api.Timer{
				ScheduledAt: e.now().Add(time.Duration(def.TimeoutSecond) * time.Second),
				Update: &api.TaskUpdate{
					TransactionID: task.TransactionID,
					TaskID:        task.TaskID,
					Status:        api.TaskTimeout,
					IsSystem:      true,
				},
			})
		}
	}

	if !u.Status.IsTerminal() {
		return nil
	}

	// A late lane result for a workflow that already ended is recorded in
	// the task row but advances nothing; terminal state stays immutable.
	if wf.Status.IsTerminal() || txn.Status.IsTerminal() {
		return nil
	}

	// Paused transactions absorb results but defer all advancement until
	// resume.
	if wf.Status == api.WorkflowPaused || txn.Status == api.TransactionPaused {
		return nil
	}

	if u.Status == api.TaskCompleted {
		return e.advance(ctx, eff, txn, wf, task)
	}
	return e.handleFailure(ctx, eff, txn, wf, task)
}

// advance schedules whatever becomes runnable after a completed task, or
// completes the workflow.
func (e *Engine) advance(ctx context.Context, eff *Effects, txn *api.Transaction, wf *api.WorkflowInstance, task *api.TaskInstance) error {
	switch task.Type {
	case api.TaskNodeParallel:
		node := taskAsNode(task)
		heads := laneHeads(node)
		if len(heads) == 0 {
			return e.advancePast(ctx, eff, txn, wf, task.TaskReferenceName)
		}
		for _, head := range heads {
			if err := e.scheduleNode(ctx, eff, txn, wf, head, scheduleOpts{}); err != nil {
				return err
			}
		}
		return nil
	case api.TaskNodeDecision:
		node := taskAsNode(task)
		branch := branchFor(node, chosenCase(task))
		if len(branch) == 0 {
			return e.advancePast(ctx, eff, txn, wf, task.TaskReferenceName)
		}
		return e.scheduleNode(ctx, eff, txn, wf, &branch[0], scheduleOpts{})
	default:
		return e.advancePast(ctx, eff, txn, wf, task.TaskReferenceName)
	}
}

func (e *Engine) advancePast(ctx context.Context, eff *Effects, txn *api.Transaction, wf *api.WorkflowInstance, ref string) error {
	tasks, err := e.stores.Tasks.GetAll(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}
	idx := buildTaskIndex(tasks)

	next, done := nextAfter(wf.WorkflowDefinition.Tasks, ref, idx)
	switch {
	case next != nil:
		return e.scheduleNode(ctx, eff, txn, wf, next, scheduleOpts{})
	case done:
		return e.completeWorkflow(ctx, eff, txn, wf)
	default:
		// Other parallel lanes are still running.
		return nil
	}
}

type scheduleOpts struct {
	// reload replaces the live slot instead of creating a new one (task
	// retry).
	reload  bool
	retries int

	// literalInput bypasses reference resolution (compensate tasks carry
	// the original output verbatim).
	literalInput any
	hasLiteral   bool

	// delay defers the dispatch through a timer; the Scheduled event is
	// still emitted immediately.
	delay time.Duration
}

func (e *Engine) scheduleNode(ctx context.Context, eff *Effects, txn *api.Transaction, wf *api.WorkflowInstance, node *api.TaskNode, opts scheduleOpts) error {
	task := &api.TaskInstance{
		TaskID:            e.newID(),
		TaskName:          node.Name,
		TaskReferenceName: node.TaskReferenceName,
		WorkflowID:        wf.WorkflowID,
		TransactionID:     txn.TransactionID,
		Type:              node.Type,
		Status:            api.TaskScheduled,
		Retries:           opts.retries,
		StartTime:         e.now().UTC(),
		ParallelTasks:     node.ParallelTasks,
		Decisions:         node.Decisions,
		DefaultDecision:   node.DefaultDecision,
	}

	// Effective retry policy: node override first, then the registered
	// task definition.
	var ackTimeout int
	if def, err := e.stores.TaskDefs.Get(ctx, node.Name); err == nil {
		task.RetryLimit = def.Retry.Limit
		task.RetryDelaySecond = def.Retry.Delay
		ackTimeout = def.AckTimeoutSecond
	}
	if node.Retry != nil {
		task.RetryLimit = node.Retry.Limit
		task.RetryDelaySecond = node.Retry.Delay
	}

	if opts.hasLiteral {
		task.Input = opts.literalInput
	} else if node.Type == api.TaskNodeCompensate {
		// Compensate inputs are prior outputs, carried verbatim; they are
		// data, not templates, so they skip reference resolution.
		task.Input = node.InputParameters[compensationInputKey]
	} else if len(node.InputParameters) > 0 {
		tasks, err := e.stores.Tasks.GetAll(ctx, wf.WorkflowID)
		if err != nil {
			return err
		}
		input, err := resolveValue(node.InputParameters, buildReferenceContext(wf, tasks), e.strict)
		if err != nil {
			if errors.Is(err, api.ErrUnknownReference) {
				e.errorEvent(eff, txn.TransactionID, err, node.TaskReferenceName)
				return e.failScheduledTask(ctx, eff, txn, wf, task, err)
			}
			return err
		}
		task.Input = input
	}

	if opts.reload {
		if err := e.stores.Tasks.Reload(ctx, task); err != nil {
			return err
		}
	} else {
		if err := e.stores.Tasks.Create(ctx, task); err != nil {
			return err
		}
	}
	e.taskEvent(eff, task)

	if task.Type.IsSystem() {
		return e.executeSystemTask(ctx, eff, txn, wf, node, task)
	}

	if opts.delay > 0 {
		eff.Timers = append(eff.Timers, api.Timer{
			ScheduledAt: e.now().Add(opts.delay),
			Dispatch:    task,
		})
	} else {
		eff.Dispatches = append(eff.Dispatches, task)
	}
	if ackTimeout > 0 {
		eff.Timers = append(eff.Timers, api.Timer{
			ScheduledAt: e.now().Add(opts.delay + time.Duration(ackTimeout)*time.Second),
			Update: &api.TaskUpdate{
				TransactionID: task.TransactionID,
				TaskID:        task.TaskID,
				Status:        api.TaskAckTimeout,
				IsSystem:      true,
			},
		})
	}
	return nil
}

// failScheduledTask marks a task that could never be dispatched as Failed
// and runs the normal failure path.
func (e *Engine) failScheduledTask(ctx context.Context, eff *Effects, txn *api.Transaction, wf *api.WorkflowInstance, task *api.TaskInstance, cause error) error {
	if err := e.stores.Tasks.Create(ctx, task); err != nil {
		return err
	}
	task.Status = api.TaskFailed
	task.Logs = cause.Error()
	end := e.now().UTC()
	task.EndTime = &end
	if err := e.stores.Tasks.Update(ctx, task); err != nil {
		return err
	}
	e.taskEvent(eff, task)
	return e.handleFailure(ctx, eff, txn, wf, task)
}

func (e *Engine) startWorkflow(ctx context.Context, eff *Effects, txn *api.Transaction, def api.WorkflowDefinition, input any, wfType api.WorkflowType, retries int, parentTaskID string) (*api.WorkflowInstance, error) {
	wf := &api.WorkflowInstance{
		TransactionID:      txn.TransactionID,
		WorkflowID:         e.newID(),
		Type:               wfType,
		Status:             api.WorkflowRunning,
		WorkflowDefinition: def,
		Input:              input,
		Retries:            retries,
		ParentTaskID:       parentTaskID,
		CreateTime:         e.now().UTC(),
	}
	if err := e.stores.Workflows.Create(ctx, wf); err != nil {
		return nil, err
	}
	e.workflowEvent(eff, wf)

	if len(def.Tasks) == 0 {
		return wf, e.completeWorkflow(ctx, eff, txn, wf)
	}
	return wf, e.scheduleNode(ctx, eff, txn, wf, &def.Tasks[0], scheduleOpts{})
}

func (e *Engine) completeWorkflow(ctx context.Context, eff *Effects, txn *api.Transaction, wf *api.WorkflowInstance) error {
	tasks, err := e.stores.Tasks.GetAll(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}

	if len(wf.WorkflowDefinition.OutputParameters) > 0 {
		output, rerr := resolveValue(wf.WorkflowDefinition.OutputParameters, buildReferenceContext(wf, tasks), e.strict)
		if rerr != nil {
			if !errors.Is(rerr, api.ErrUnknownReference) {
				return rerr
			}
			e.errorEvent(eff, txn.TransactionID, rerr, wf.WorkflowID)
		} else {
			wf.Output = output
		}
	} else if last := lastLiveTask(tasks); last != nil {
		wf.Output = last.Output
	}

	wf.Status = api.WorkflowCompleted
	end := e.now().UTC()
	wf.EndTime = &end
	if err := e.stores.Workflows.Update(ctx, wf); err != nil {
		return err
	}
	e.workflowEvent(eff, wf)

	if wf.ParentTaskID != "" {
		eff.FollowUps = append(eff.FollowUps, api.TaskUpdate{
			TransactionID: txn.TransactionID,
			TaskID:        wf.ParentTaskID,
			Status:        api.TaskCompleted,
			Output:        wf.Output,
			IsSystem:      true,
		})
		return nil
	}

	switch wf.Type {
	case api.WorkflowTypeCompensate:
		return e.endTransaction(ctx, eff, txn, api.TransactionCompensated, txn.Output)
	case api.WorkflowTypeCompensateThenRetry:
		// Compensation done; start over from the snapshotted definition.
		_, err := e.startWorkflow(ctx, eff, txn, txn.WorkflowDefinition, txn.Input, api.WorkflowTypeWorkflow, 0, "")
		return err
	default:
		return e.endTransaction(ctx, eff, txn, api.TransactionCompleted, wf.Output)
	}
}

func (e *Engine) endTransaction(ctx context.Context, eff *Effects, txn *api.Transaction, status api.TransactionStatus, output any) error {
	txn.Status = status
	txn.Output = output
	end := e.now().UTC()
	txn.EndTime = &end
	if err := e.stores.Transactions.Update(ctx, txn); err != nil {
		return err
	}
	e.transactionEvent(eff, txn)
	return nil
}

func (e *Engine) cancelTransaction(ctx context.Context, transactionID string) (*Effects, error) {
	txn, err := e.stores.Transactions.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	eff := &Effects{}
	if txn.Status.IsTerminal() {
		return eff, nil
	}

	workflows, err := e.stores.Workflows.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	end := e.now().UTC()
	for _, wf := range workflows {
		if wf.Status.IsTerminal() {
			continue
		}
		// Live tasks have no Cancelled state; they are forced Failed with
		// an explanatory log line and no strategy handling.
		tasks, terr := e.stores.Tasks.GetAll(ctx, wf.WorkflowID)
		if terr != nil {
			return nil, terr
		}
		for _, task := range tasks {
			if task.IsRetried || task.Status.IsTerminal() {
				continue
			}
			task.Status = api.TaskFailed
			task.Logs = "transaction cancelled"
			taskEnd := e.now().UTC()
			task.EndTime = &taskEnd
			if uerr := e.stores.Tasks.Update(ctx, task); uerr != nil {
				return nil, uerr
			}
			e.taskEvent(eff, task)
		}

		wf.Status = api.WorkflowCancelled
		wf.EndTime = &end
		if uerr := e.stores.Workflows.Update(ctx, wf); uerr != nil {
			return nil, uerr
		}
		e.workflowEvent(eff, wf)
	}

	if err := e.endTransaction(ctx, eff, txn, api.TransactionCancelled, txn.Output); err != nil {
		return nil, err
	}
	return eff, nil
}

func (e *Engine) pauseTransaction(ctx context.Context, transactionID string) (*Effects, error) {
	txn, err := e.stores.Transactions.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	eff := &Effects{}
	if txn.Status != api.TransactionRunning {
		e.errorEvent(eff, transactionID, fmt.Errorf("%w: transaction %s -> %s", api.ErrInvalidTransition, txn.Status, api.TransactionPaused), nil)
		return eff, nil
	}

	workflows, err := e.stores.Workflows.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		if wf.Status != api.WorkflowRunning {
			continue
		}
		wf.Status = api.WorkflowPaused
		if uerr := e.stores.Workflows.Update(ctx, wf); uerr != nil {
			return nil, uerr
		}
		e.workflowEvent(eff, wf)
	}

	txn.Status = api.TransactionPaused
	if err := e.stores.Transactions.Update(ctx, txn); err != nil {
		return nil, err
	}
	e.transactionEvent(eff, txn)
	return eff, nil
}

func (e *Engine) resumeTransaction(ctx context.Context, transactionID string) (*Effects, error) {
	txn, err := e.stores.Transactions.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	eff := &Effects{}
	if txn.Status != api.TransactionPaused {
		e.errorEvent(eff, transactionID, fmt.Errorf("%w: transaction %s -> %s", api.ErrInvalidTransition, txn.Status, api.TransactionRunning), nil)
		return eff, nil
	}

	txn.Status = api.TransactionRunning
	if err := e.stores.Transactions.Update(ctx, txn); err != nil {
		return nil, err
	}
	e.transactionEvent(eff, txn)

	workflows, err := e.stores.Workflows.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		if wf.Status != api.WorkflowPaused {
			continue
		}
		wf.Status = api.WorkflowRunning
		if uerr := e.stores.Workflows.Update(ctx, wf); uerr != nil {
			return nil, uerr
		}
		e.workflowEvent(eff, wf)

		if err := e.resumeWorkflow(ctx, eff, txn, wf); err != nil {
			return nil, err
		}
	}
	return eff, nil
}

// resumeWorkflow recomputes where a workflow stands after a pause:
// re-dispatch a waiting task, or pick up the advancement that was deferred
// while paused.
func (e *Engine) resumeWorkflow(ctx context.Context, eff *Effects, txn *api.Transaction, wf *api.WorkflowInstance) error {
	tasks, err := e.stores.Tasks.GetAll(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}

	var lastTerminal *api.TaskInstance
	live := false
	for _, task := range tasks {
		if task.IsRetried {
			continue
		}
		switch task.Status {
		case api.TaskScheduled:
			live = true
			if !task.Type.IsSystem() {
				eff.Dispatches = append(eff.Dispatches, task)
			}
		case api.TaskInprogress:
			live = true
		default:
			lastTerminal = task
		}
	}
	if live || lastTerminal == nil {
		return nil
	}

	if lastTerminal.Status == api.TaskCompleted {
		return e.advance(ctx, eff, txn, wf, lastTerminal)
	}
	return e.handleFailure(ctx, eff, txn, wf, lastTerminal)
}

// --- event helpers

func (e *Engine) transactionEvent(eff *Effects, txn *api.Transaction) {
	snap := *txn
	eff.Events = append(eff.Events, api.Event{
		TransactionID: txn.TransactionID,
		Type:          api.EventTransaction,
		Timestamp:     e.now().UTC(),
		Details:       &snap,
	})
}

func (e *Engine) workflowEvent(eff *Effects, wf *api.WorkflowInstance) {
	snap := *wf
	eff.Events = append(eff.Events, api.Event{
		TransactionID: wf.TransactionID,
		Type:          api.EventWorkflow,
		Timestamp:     e.now().UTC(),
		Details:       &snap,
	})
}

func (e *Engine) taskEvent(eff *Effects, task *api.TaskInstance) {
	snap := *task
	eff.Events = append(eff.Events, api.Event{
		TransactionID: task.TransactionID,
		Type:          api.EventTask,
		Timestamp:     e.now().UTC(),
		Details:       &snap,
	})
}

func (e *Engine) errorEvent(eff *Effects, transactionID string, cause error, details any) {
	e.logger.Warn("update dropped", "transactionId", transactionID, "error", cause)
	eff.Events = append(eff.Events, api.Event{
		TransactionID: transactionID,
		Type:          api.EventSystem,
		Timestamp:     e.now().UTC(),
		IsError:       true,
		Details:       details,
		Error:         cause.Error(),
	})
}

// --- small helpers

func taskAsNode(task *api.TaskInstance) *api.TaskNode {
	return &api.TaskNode{
		Type:              task.Type,
		Name:              task.TaskName,
		TaskReferenceName: task.TaskReferenceName,
		ParallelTasks:     task.ParallelTasks,
		Decisions:         task.Decisions,
		DefaultDecision:   task.DefaultDecision,
	}
}

func lastLiveTask(tasks []*api.TaskInstance) *api.TaskInstance {
	for i := len(tasks) - 1; i >= 0; i-- {
		if !tasks[i].IsRetried {
			return tasks[i]
		}
	}
	return nil
}

func outputsEqual(a, b any) bool {
	da, err := json.Marshal(a)
	if err != nil {
		return false
	}
	db, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(da) == string(db)
}
