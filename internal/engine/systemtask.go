package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// executeSystemTask runs a just-scheduled system task in process. Results
// never touch a worker topic; they come back as synthetic updates on the
// task-update topic so the partition's ordering discipline still applies.
func (e *Engine) executeSystemTask(ctx context.Context, eff *Effects, txn *api.Transaction, wf *api.WorkflowInstance, node *api.TaskNode, task *api.TaskInstance) error {
	switch task.Type {
	case api.TaskNodeDecision:
		return e.executeDecision(eff, task)
	case api.TaskNodeParallel:
		e.systemFollowUp(eff, task, api.TaskCompleted, nil)
		return nil
	case api.TaskNodeSubWorkflow:
		return e.executeSubWorkflow(ctx, eff, txn, node, task)
	case api.TaskNodeSchedule:
		return e.executeSchedule(eff, task)
	default:
		e.errorEvent(eff, task.TransactionID, fmt.Errorf("task %s: %s is not a system task", task.TaskID, task.Type), task.TaskReferenceName)
		return nil
	}
}

// executeDecision picks the branch key from the resolved "case" input and
// completes immediately; the engine descends into the branch when the
// completion update lands.
func (e *Engine) executeDecision(eff *Effects, task *api.TaskInstance) error {
	key := ""
	if in, ok := task.Input.(map[string]any); ok {
		if v, present := in["case"]; present && v != nil {
			key = stringifyRef(v)
		}
	}
	e.systemFollowUp(eff, task, api.TaskCompleted, map[string]any{"case": key})
	return nil
}

// executeSubWorkflow materializes the child workflow instance. The parent
// task completes (or fails) later via the follow-up the child emits when it
// reaches a terminal status.
func (e *Engine) executeSubWorkflow(ctx context.Context, eff *Effects, txn *api.Transaction, node *api.TaskNode, task *api.TaskInstance) error {
	if node.Workflow == nil {
		e.errorEvent(eff, task.TransactionID, fmt.Errorf("%w: sub-workflow node %s without workflow ref", api.ErrInvalidDefinition, task.TaskReferenceName), task.TaskReferenceName)
		e.systemFollowUp(eff, task, api.TaskFailed, nil)
		return nil
	}
	def, err := e.stores.WorkflowDefs.Get(ctx, node.Workflow.Name, node.Workflow.Rev)
	if err != nil {
		e.errorEvent(eff, task.TransactionID, err, task.TaskReferenceName)
		e.systemFollowUp(eff, task, api.TaskFailed, nil)
		return nil
	}

	child, err := e.startWorkflow(ctx, eff, txn, def, task.Input, api.WorkflowTypeSubWorkflow, 0, task.TaskID)
	if err != nil {
		return err
	}

	// The child workflow may already be terminal (empty definition); the
	// link still has to be persisted before its follow-up is applied.
	fresh, err := e.stores.Tasks.Get(ctx, task.TaskID)
	if err != nil {
		return err
	}
	fresh.SubWorkflowID = child.WorkflowID
	return e.stores.Tasks.Update(ctx, fresh)
}

// executeSchedule parks the workflow until the timer fires: the delayed
// Completed update resumes traversal at redelivery.
func (e *Engine) executeSchedule(eff *Effects, task *api.TaskInstance) error {
	var delay time.Duration
	if in, ok := task.Input.(map[string]any); ok {
		if v, ok := in["delaySeconds"].(float64); ok && v > 0 {
			delay = time.Duration(v * float64(time.Second))
		}
	}
	eff.Timers = append(eff.Timers, api.Timer{
		ScheduledAt: e.now().Add(delay),
		Update: &api.TaskUpdate{
			TransactionID: task.TransactionID,
			TaskID:        task.TaskID,
			Status:        api.TaskCompleted,
			IsSystem:      true,
		},
	})
	return nil
}

func (e *Engine) systemFollowUp(eff *Effects, task *api.TaskInstance, status api.TaskStatus, output any) {
	eff.FollowUps = append(eff.FollowUps, api.TaskUpdate{
		TransactionID: task.TransactionID,
		TaskID:        task.TaskID,
		Status:        status,
		Output:        output,
		IsSystem:      true,
	})
}
