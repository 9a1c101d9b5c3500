package api

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	TransactionRunning     TransactionStatus = "RUNNING"
	TransactionPaused      TransactionStatus = "PAUSED"
	TransactionCompleted   TransactionStatus = "COMPLETED"
	TransactionFailed      TransactionStatus = "FAILED"
	TransactionCancelled   TransactionStatus = "CANCELLED"
	TransactionCompensated TransactionStatus = "COMPENSATED"
)

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowPaused    WorkflowStatus = "PAUSED"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
	WorkflowTimeout   WorkflowStatus = "TIMEOUT"
)

// TaskStatus is the lifecycle state of a task instance.
type TaskStatus string

const (
	TaskScheduled  TaskStatus = "SCHEDULED"
	TaskInprogress TaskStatus = "INPROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskAckTimeout TaskStatus = "ACK_TIMEOUT"
	TaskTimeout    TaskStatus = "TIMEOUT"
)

// WorkflowType distinguishes a plain run from the synthesized recovery variants.
type WorkflowType string

const (
	WorkflowTypeWorkflow            WorkflowType = "WORKFLOW"
	WorkflowTypeCompensate          WorkflowType = "COMPENSATE_WORKFLOW"
	WorkflowTypeCompensateThenRetry WorkflowType = "COMPENSATE_THEN_RETRY_WORKFLOW"
	WorkflowTypeRetry               WorkflowType = "RETRY_WORKFLOW"
	WorkflowTypeRecovery            WorkflowType = "RECOVERY_WORKFLOW"
	WorkflowTypeSubWorkflow         WorkflowType = "SUB_WORKFLOW"
)

// TaskNodeType discriminates the task-node sum type.
type TaskNodeType string

const (
	TaskNodeTask        TaskNodeType = "TASK"
	TaskNodeParallel    TaskNodeType = "PARALLEL"
	TaskNodeDecision    TaskNodeType = "DECISION"
	TaskNodeSubWorkflow TaskNodeType = "SUB_WORKFLOW"
	TaskNodeCompensate  TaskNodeType = "COMPENSATE"
	TaskNodeSchedule    TaskNodeType = "SCHEDULE"
)

// IsSystem reports whether tasks of this type are executed in-process by the
// engine rather than dispatched to external workers.
func (t TaskNodeType) IsSystem() bool {
	switch t {
	case TaskNodeParallel, TaskNodeDecision, TaskNodeSubWorkflow, TaskNodeSchedule:
		return true
	}
	return false
}

// FailureStrategy selects what the engine does when a workflow's task retries
// are exhausted.
type FailureStrategy string

const (
	StrategyFailed              FailureStrategy = "FAILED"
	StrategyRetry               FailureStrategy = "RETRY"
	StrategyCompensate          FailureStrategy = "COMPENSATE"
	StrategyCompensateThenRetry FailureStrategy = "COMPENSATE_THEN_RETRY"
	StrategyRecoveryWorkflow    FailureStrategy = "RECOVERY_WORKFLOW"
)

// taskTransitions is the allowed status-transition table for task instances.
// A terminal status has no outgoing transitions.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskScheduled:  {TaskInprogress, TaskCompleted, TaskFailed, TaskAckTimeout, TaskTimeout},
	TaskInprogress: {TaskCompleted, TaskFailed, TaskTimeout},
}

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowRunning: {WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowTimeout},
	WorkflowPaused:  {WorkflowRunning, WorkflowCancelled, WorkflowFailed},
}

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionRunning: {TransactionPaused, TransactionCompleted, TransactionFailed, TransactionCancelled, TransactionCompensated},
	TransactionPaused:  {TransactionRunning, TransactionCancelled, TransactionFailed},
}

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool { return len(taskTransitions[s]) == 0 }

// CanTransitionTo reports whether s -> next is an allowed transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s WorkflowStatus) IsTerminal() bool { return len(workflowTransitions[s]) == 0 }

// CanTransitionTo reports whether s -> next is an allowed transition.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	for _, allowed := range workflowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s TransactionStatus) IsTerminal() bool { return len(transactionTransitions[s]) == 0 }

// CanTransitionTo reports whether s -> next is an allowed transition.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
