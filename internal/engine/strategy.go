package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// compensationInputKey carries the failed run's original task output
// through the synthesized definition node; the compensate task receives it
// unwrapped as its input.
const compensationInputKey = "_originalOutput"

// handleFailure runs the recovery ladder for a task that ended Failed,
// AckTimeout or Timeout: task-level retry first, then the workflow-level
// failure strategy once retries are exhausted.
func (e *Engine) handleFailure(ctx context.Context, eff *Effects, txn *api.Transaction, wf *api.WorkflowInstance, task *api.TaskInstance) error {
	if task.Retries < task.RetryLimit {
		return e.retryTask(ctx, eff, txn, wf, task)
	}
	return e.failWorkflow(ctx, eff, txn, wf)
}

// retryTask replaces the failed instance in its reference-name slot with a
// fresh Scheduled one. The Scheduled event is emitted immediately; the
// dispatch is deferred through a timer when the policy carries a delay.
func (e *Engine) retryTask(ctx context.Context, eff *Effects, txn *api.Transaction, wf *api.WorkflowInstance, task *api.TaskInstance) error {
	node := taskAsNode(task)
	if task.Type == api.TaskNodeSubWorkflow {
		// Re-resolve nothing; a sub-workflow retry spawns a fresh child
		// from the same definition ref carried by the original node.
		def := wf.WorkflowDefinition
		if path, ok := findPath(def.Tasks, task.TaskReferenceName); ok {
			copied := *path[len(path)-1].node()
			node = &copied
		}
	}
	// The replacement runs under the policy the failed instance carried;
	// re-deriving it from the registry would lose a node-level override.
	node.Retry = &api.TaskRetryPolicy{Limit: task.RetryLimit, Delay: task.RetryDelaySecond}

	return e.scheduleNode(ctx, eff, txn, wf, node, scheduleOpts{
		reload:       true,
		retries:      task.Retries + 1,
		literalInput: task.Input,
		hasLiteral:   true,
		delay:        time.Duration(task.RetryDelaySecond) * time.Second,
	})
}

// failWorkflow marks the workflow Failed and applies the definition's
// failure strategy, or reports the failure upward for synthesized and
// child workflows.
func (e *Engine) failWorkflow(ctx context.Context, eff *Effects, txn *api.Transaction, wf *api.WorkflowInstance) error {
	wf.Status = api.WorkflowFailed
	end := e.now().UTC()
	wf.EndTime = &end
	if err := e.stores.Workflows.Update(ctx, wf); err != nil {
		return err
	}
	e.workflowEvent(eff, wf)

	// A failed child reports to its parent task, which then goes through
	// its own retry/strategy ladder.
	if wf.ParentTaskID != "" {
		eff.FollowUps = append(eff.FollowUps, api.TaskUpdate{
			TransactionID: txn.TransactionID,
			TaskID:        wf.ParentTaskID,
			Status:        api.TaskFailed,
			Logs:          "sub-workflow failed",
			IsSystem:      true,
		})
		return nil
	}

	switch wf.Type {
	case api.WorkflowTypeCompensate, api.WorkflowTypeCompensateThenRetry:
		// A failed compensation fails the transaction outright.
		return e.endTransaction(ctx, eff, txn, api.TransactionFailed, txn.Output)
	}

	def := wf.WorkflowDefinition
	switch def.FailureStrategy {
	case api.StrategyRetry:
		limit := 0
		if def.Retry != nil {
			limit = def.Retry.Limit
		}
		if wf.Retries < limit {
			_, err := e.startWorkflow(ctx, eff, txn, def, wf.Input, api.WorkflowTypeRetry, wf.Retries+1, "")
			return err
		}
		return e.endTransaction(ctx, eff, txn, api.TransactionFailed, txn.Output)

	case api.StrategyCompensate:
		return e.startCompensation(ctx, eff, txn, wf, api.WorkflowTypeCompensate)

	case api.StrategyCompensateThenRetry:
		return e.startCompensation(ctx, eff, txn, wf, api.WorkflowTypeCompensateThenRetry)

	case api.StrategyRecoveryWorkflow:
		if def.RecoveryWorkflow == nil {
			e.errorEvent(eff, txn.TransactionID, fmt.Errorf("%w: recovery strategy without recoveryWorkflow ref", api.ErrInvalidDefinition), wf.WorkflowID)
			return e.endTransaction(ctx, eff, txn, api.TransactionFailed, txn.Output)
		}
		recovery, err := e.stores.WorkflowDefs.Get(ctx, def.RecoveryWorkflow.Name, def.RecoveryWorkflow.Rev)
		if err != nil {
			e.errorEvent(eff, txn.TransactionID, err, wf.WorkflowID)
			return e.endTransaction(ctx, eff, txn, api.TransactionFailed, txn.Output)
		}
		_, err = e.startWorkflow(ctx, eff, txn, recovery, txn.Input, api.WorkflowTypeRecovery, 0, "")
		return err

	default: // StrategyFailed
		return e.endTransaction(ctx, eff, txn, api.TransactionFailed, txn.Output)
	}
}

// startCompensation synthesizes a workflow of Compensate tasks, one per
// Completed worker task of the failed workflow, in reverse completion
// order. Container nodes contribute their completed children, never
// themselves. Each compensate task's input is the original task's output.
func (e *Engine) startCompensation(ctx context.Context, eff *Effects, txn *api.Transaction, failed *api.WorkflowInstance, wfType api.WorkflowType) error {
	tasks, err := e.stores.Tasks.GetAll(ctx, failed.WorkflowID)
	if err != nil {
		return err
	}

	var nodes []api.TaskNode
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if t.IsRetried || t.Status != api.TaskCompleted || t.Type != api.TaskNodeTask {
			continue
		}
		nodes = append(nodes, api.TaskNode{
			Type:              api.TaskNodeCompensate,
			Name:              t.TaskName,
			TaskReferenceName: t.TaskReferenceName,
			InputParameters:   map[string]any{compensationInputKey: t.Output},
		})
	}

	def := api.WorkflowDefinition{
		Name:            failed.WorkflowDefinition.Name,
		Rev:             failed.WorkflowDefinition.Rev,
		Tasks:           nodes,
		FailureStrategy: api.StrategyFailed,
	}
	_, err = e.startWorkflow(ctx, eff, txn, def, txn.Input, wfType, 0, "")
	return err
}
