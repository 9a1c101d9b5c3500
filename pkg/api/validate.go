package api

import (
	"fmt"
	"regexp"
)

var (
	nameRe = regexp.MustCompile(`^[a-zA-Z0-9-_]{1,64}$`)
	revRe  = regexp.MustCompile(`^[a-zA-Z0-9-_.]{1,64}$`)
)

// ValidateWorkflowDefinition checks a workflow definition for structural and
// semantic problems and returns a *ValidationError listing every violation,
// or nil if the definition is valid.
//
// It is pure: no I/O, no registry lookups. Referential integrity against the
// task-definition registry is deliberately not checked because the registry
// may be eventually consistent.
func ValidateWorkflowDefinition(def WorkflowDefinition) error {
	v := &validator{seenRefs: map[string]string{}}

	if !nameRe.MatchString(def.Name) {
		v.addf("workflowDefinition.name", "invalid name %q", def.Name)
	}
	if !revRe.MatchString(def.Rev) {
		v.addf("workflowDefinition.rev", "invalid rev %q", def.Rev)
	}

	switch def.FailureStrategy {
	case StrategyFailed, StrategyCompensate, StrategyCompensateThenRetry:
	case StrategyRetry:
		if def.Retry == nil {
			v.addf("workflowDefinition.retry", "retry policy is required for strategy %s", def.FailureStrategy)
		} else {
			if def.Retry.Limit < 0 {
				v.addf("workflowDefinition.retry.limit", "must be non-negative")
			}
			if def.Retry.DelaySecond < 0 {
				v.addf("workflowDefinition.retry.delaySecond", "must be non-negative")
			}
		}
	case StrategyRecoveryWorkflow:
		if def.RecoveryWorkflow == nil {
			v.addf("workflowDefinition.recoveryWorkflow", "recovery workflow is required for strategy %s", def.FailureStrategy)
		} else {
			if !nameRe.MatchString(def.RecoveryWorkflow.Name) {
				v.addf("workflowDefinition.recoveryWorkflow.name", "invalid name %q", def.RecoveryWorkflow.Name)
			}
			if !revRe.MatchString(def.RecoveryWorkflow.Rev) {
				v.addf("workflowDefinition.recoveryWorkflow.rev", "invalid rev %q", def.RecoveryWorkflow.Rev)
			}
		}
	default:
		v.addf("workflowDefinition.failureStrategy", "unknown strategy %q", def.FailureStrategy)
	}

	if len(def.Tasks) == 0 {
		v.addf("workflowDefinition.tasks", "must not be empty")
	}
	v.validateTaskList(def.Tasks, "workflowDefinition.tasks")

	if len(v.problems) > 0 {
		return &ValidationError{Problems: v.problems}
	}
	return nil
}

// ValidateTaskDefinition checks a task definition.
func ValidateTaskDefinition(def TaskDefinition) error {
	v := &validator{}

	if !nameRe.MatchString(def.Name) {
		v.addf("taskDefinition.name", "invalid name %q", def.Name)
	}
	if def.Retry.Limit < 0 {
		v.addf("taskDefinition.retry.limit", "must be non-negative")
	}
	if def.Retry.Delay < 0 {
		v.addf("taskDefinition.retry.delay", "must be non-negative")
	}
	if def.TimeoutSecond < 0 {
		v.addf("taskDefinition.timeoutSecond", "must be non-negative")
	}
	if def.AckTimeoutSecond < 0 {
		v.addf("taskDefinition.ackTimeoutSecond", "must be non-negative")
	}

	if len(v.problems) > 0 {
		return &ValidationError{Problems: v.problems}
	}
	return nil
}

type validator struct {
	problems []string
	seenRefs map[string]string // taskReferenceName -> path of first use
}

func (v *validator) addf(path, format string, args ...any) {
	v.problems = append(v.problems, path+": "+fmt.Sprintf(format, args...))
}

func (v *validator) validateTaskList(tasks []TaskNode, path string) {
	for i, task := range tasks {
		v.validateTaskNode(task, fmt.Sprintf("%s[%d]", path, i))
	}
}

func (v *validator) validateTaskNode(task TaskNode, path string) {
	if !nameRe.MatchString(task.TaskReferenceName) {
		v.addf(path+".taskReferenceName", "invalid reference name %q", task.TaskReferenceName)
	} else if prev, dup := v.seenRefs[task.TaskReferenceName]; dup {
		v.addf(path+".taskReferenceName", "duplicate reference name %q (first used at %s)", task.TaskReferenceName, prev)
	} else {
		v.seenRefs[task.TaskReferenceName] = path
	}

	switch task.Type {
	case TaskNodeTask, TaskNodeCompensate:
		if !nameRe.MatchString(task.Name) {
			v.addf(path+".name", "invalid task name %q", task.Name)
		}
		if task.Retry != nil {
			if task.Retry.Limit < 0 {
				v.addf(path+".retry.limit", "must be non-negative")
			}
			if task.Retry.Delay < 0 {
				v.addf(path+".retry.delay", "must be non-negative")
			}
		}

	case TaskNodeParallel:
		if len(task.ParallelTasks) == 0 {
			// Zero lanes is legal; the node completes on creation.
			return
		}
		for lane, tasks := range task.ParallelTasks {
			lanePath := fmt.Sprintf("%s.parallelTasks[%d]", path, lane)
			if len(tasks) == 0 {
				v.addf(lanePath, "lane must not be empty")
			}
			v.validateTaskList(tasks, lanePath+".tasks")
		}

	case TaskNodeDecision:
		if len(task.DefaultDecision) == 0 {
			v.addf(path+".defaultDecision", "must not be empty")
		}
		v.validateTaskList(task.DefaultDecision, path+".defaultDecision.tasks")
		for key, branch := range task.Decisions {
			branchPath := fmt.Sprintf("%s.decisions[%q]", path, key)
			if len(branch) == 0 {
				v.addf(branchPath, "branch must not be empty")
			}
			v.validateTaskList(branch, branchPath+".tasks")
		}

	case TaskNodeSubWorkflow:
		if task.Workflow == nil {
			v.addf(path+".workflow", "sub-workflow reference is required")
			return
		}
		if !nameRe.MatchString(task.Workflow.Name) {
			v.addf(path+".workflow.name", "invalid name %q", task.Workflow.Name)
		}
		if !revRe.MatchString(task.Workflow.Rev) {
			v.addf(path+".workflow.rev", "invalid rev %q", task.Workflow.Rev)
		}

	case TaskNodeSchedule:
		// Synthesized internally; nothing beyond the reference name.

	default:
		v.addf(path+".type", "unknown task type %q", task.Type)
	}
}
