package sagaflow

import (
	"fmt"

	"github.com/petrijr/sagaflow/pkg/api"
)

// WorkflowBuilder provides a fluent API for defining workflows:
//
//	def, err := sagaflow.NewWorkflow("PlaceOrder", "1").
//	    OnFailure(sagaflow.StrategyCompensate).
//	    Task("reserveStock", "reserve", nil).
//	    Task("chargeCard", "charge", map[string]any{
//	        "reservation": "${reserve.output.reservationId}",
//	    }).
//	    Definition()
//
//	if err := orchestrator.RegisterWorkflow(ctx, def); err != nil {
//	    log.Fatal(err)
//	}
type WorkflowBuilder struct {
	def api.WorkflowDefinition
}

// NewWorkflow creates a builder for the workflow identity (name, rev). The
// failure strategy defaults to FAILED.
func NewWorkflow(name, rev string) *WorkflowBuilder {
	return &WorkflowBuilder{
		def: api.WorkflowDefinition{
			Name:            name,
			Rev:             rev,
			FailureStrategy: api.StrategyFailed,
		},
	}
}

// Name returns the workflow name.
func (b *WorkflowBuilder) Name() string {
	return b.def.Name
}

// Description sets the human-readable description.
func (b *WorkflowBuilder) Description(desc string) *WorkflowBuilder {
	b.def.Description = desc
	return b
}

// OnFailure sets the failure strategy applied once a task's retries are
// exhausted.
func (b *WorkflowBuilder) OnFailure(strategy FailureStrategy) *WorkflowBuilder {
	b.def.FailureStrategy = strategy
	return b
}

// RetryPolicy sets the workflow-level retry policy used by the RETRY and
// COMPENSATE_THEN_RETRY strategies.
func (b *WorkflowBuilder) RetryPolicy(limit, delaySecond int) *WorkflowBuilder {
	b.def.Retry = &api.WorkflowRetryPolicy{Limit: limit, DelaySecond: delaySecond}
	return b
}

// RecoverWith names the workflow started by the RECOVERY_WORKFLOW strategy.
func (b *WorkflowBuilder) RecoverWith(name, rev string) *WorkflowBuilder {
	b.def.RecoveryWorkflow = &api.WorkflowRef{Name: name, Rev: rev}
	return b
}

// Output declares the workflow's output parameters; ${...} references are
// resolved when the workflow completes. Without it the output of the last
// task is used.
func (b *WorkflowBuilder) Output(params map[string]any) *WorkflowBuilder {
	b.def.OutputParameters = params
	return b
}

// Task appends a worker task. taskName selects the worker topic and the
// registered task definition; ref must be unique within the workflow.
func (b *WorkflowBuilder) Task(taskName, ref string, input map[string]any) *WorkflowBuilder {
	return b.Add(Step(taskName, ref, input))
}

// TaskWithRetry appends a worker task with a retry policy overriding the
// registered task definition's.
func (b *WorkflowBuilder) TaskWithRetry(taskName, ref string, input map[string]any, limit, delaySecond int) *WorkflowBuilder {
	node := Step(taskName, ref, input)
	node.Retry = &api.TaskRetryPolicy{Limit: limit, Delay: delaySecond}
	return b.Add(node)
}

// Parallel appends a fork/join over the given lanes. Traversal continues
// past it only when every lane has completed.
func (b *WorkflowBuilder) Parallel(ref string, lanes ...[]TaskNode) *WorkflowBuilder {
	return b.Add(api.TaskNode{
		Type:              api.TaskNodeParallel,
		TaskReferenceName: ref,
		ParallelTasks:     lanes,
	})
}

// Decision appends a branch point. caseExpr is resolved when the node is
// scheduled and its string value selects a branch; an unmatched value takes
// the default branch.
func (b *WorkflowBuilder) Decision(ref string, caseExpr any, branches map[string][]TaskNode, defaultBranch []TaskNode) *WorkflowBuilder {
	return b.Add(api.TaskNode{
		Type:              api.TaskNodeDecision,
		TaskReferenceName: ref,
		InputParameters:   map[string]any{"case": caseExpr},
		Decisions:         branches,
		DefaultDecision:   defaultBranch,
	})
}

// SubWorkflow appends a child workflow call. The parent task completes with
// the child's output, or fails when the child fails.
func (b *WorkflowBuilder) SubWorkflow(ref, name, rev string, input map[string]any) *WorkflowBuilder {
	return b.Add(api.TaskNode{
		Type:              api.TaskNodeSubWorkflow,
		TaskReferenceName: ref,
		InputParameters:   input,
		Workflow:          &api.WorkflowRef{Name: name, Rev: rev},
	})
}

// Wait appends a delay of delaySeconds before the next task runs.
func (b *WorkflowBuilder) Wait(ref string, delaySeconds int) *WorkflowBuilder {
	return b.Add(api.TaskNode{
		Type:              api.TaskNodeSchedule,
		TaskReferenceName: ref,
		InputParameters:   map[string]any{"delaySeconds": float64(delaySeconds)},
	})
}

// Add appends an arbitrary task node; the structured helpers above cover the
// common shapes.
func (b *WorkflowBuilder) Add(node TaskNode) *WorkflowBuilder {
	if node.TaskReferenceName == "" {
		panic("sagaflow: task reference name must not be empty")
	}
	b.def.Tasks = append(b.def.Tasks, node)
	return b
}

// Definition validates and returns the built definition.
func (b *WorkflowBuilder) Definition() (WorkflowDefinition, error) {
	if err := api.ValidateWorkflowDefinition(b.def); err != nil {
		return WorkflowDefinition{}, err
	}
	return b.def, nil
}

// MustDefinition is like Definition but panics on error. Useful for
// initialization in main().
func (b *WorkflowBuilder) MustDefinition() WorkflowDefinition {
	def, err := b.Definition()
	if err != nil {
		panic(fmt.Sprintf("sagaflow: invalid workflow %q: %v", b.def.Name, err))
	}
	return def
}

// Step builds a worker task node for use inside Parallel lanes and Decision
// branches.
func Step(taskName, ref string, input map[string]any) TaskNode {
	return api.TaskNode{
		Type:              api.TaskNodeTask,
		Name:              taskName,
		TaskReferenceName: ref,
		InputParameters:   input,
	}
}
