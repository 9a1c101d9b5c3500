package api

// WorkflowRef identifies a workflow definition by name and revision.
type WorkflowRef struct {
	Name string `json:"name"`
	Rev  string `json:"rev"`
}

// WorkflowRetryPolicy controls workflow-level retries for the RETRY and
// COMPENSATE_THEN_RETRY failure strategies.
type WorkflowRetryPolicy struct {
	Limit       int `json:"limit"`
	DelaySecond int `json:"delaySecond"`
}

// TaskRetryPolicy controls task-level retries.
// Limit is the number of retries after the initial attempt; Limit = 0 means
// the task fails on its first terminal failure.
type TaskRetryPolicy struct {
	Limit int `json:"limit"`
	Delay int `json:"delay"`
}

// WorkflowDefinition describes a workflow as an ordered tree of task nodes.
// Definitions are read-only once created; publishing a change bumps Rev and
// produces a new definition.
type WorkflowDefinition struct {
	Name            string          `json:"name"`
	Rev             string          `json:"rev"`
	Description     string          `json:"description,omitempty"`
	Tasks           []TaskNode      `json:"tasks"`
	FailureStrategy FailureStrategy `json:"failureStrategy"`

	// Retry applies when FailureStrategy is RETRY.
	Retry *WorkflowRetryPolicy `json:"retry,omitempty"`

	// RecoveryWorkflow applies when FailureStrategy is RECOVERY_WORKFLOW.
	RecoveryWorkflow *WorkflowRef `json:"recoveryWorkflow,omitempty"`

	// OutputParameters maps output keys to values; string values may contain
	// ${...} reference expressions resolved against the finished run.
	OutputParameters map[string]any `json:"outputParameters,omitempty"`
}

// Ref returns the (name, rev) identity of the definition.
func (d WorkflowDefinition) Ref() WorkflowRef {
	return WorkflowRef{Name: d.Name, Rev: d.Rev}
}

// TaskDefinition describes a worker task type shared across workflows.
type TaskDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Retry TaskRetryPolicy `json:"retry"`

	// TimeoutSecond bounds the time between dispatch and a terminal update.
	// Zero disables the timeout.
	TimeoutSecond int `json:"timeoutSecond"`

	// AckTimeoutSecond bounds the time the task may sit in SCHEDULED before
	// a worker acknowledges it by posting INPROGRESS. Zero disables it.
	AckTimeoutSecond int `json:"ackTimeoutSecond"`
}

// TaskNode is one node in a workflow definition's task tree. It is a tagged
// variant discriminated by Type; only the fields of the active variant are
// populated.
type TaskNode struct {
	Type TaskNodeType `json:"type"`

	// TaskReferenceName is the node's identity within the workflow; it must
	// be unique across the whole definition including nested branches.
	TaskReferenceName string `json:"taskReferenceName"`

	// Name references a TaskDefinition (TASK, COMPENSATE).
	Name string `json:"name,omitempty"`

	// InputParameters are the task's input template; string values may
	// contain ${...} reference expressions resolved at scheduling time.
	InputParameters map[string]any `json:"inputParameters,omitempty"`

	// ParallelTasks holds the independent lanes of a PARALLEL node.
	ParallelTasks [][]TaskNode `json:"parallelTasks,omitempty"`

	// Decisions and DefaultDecision hold the branches of a DECISION node.
	// The branch is selected at runtime by the resolved "case" input value.
	Decisions       map[string][]TaskNode `json:"decisions,omitempty"`
	DefaultDecision []TaskNode            `json:"defaultDecision,omitempty"`

	// Workflow references the child definition of a SUB_WORKFLOW node.
	Workflow *WorkflowRef `json:"workflow,omitempty"`

	// Retry overrides the task definition's retry policy when set.
	Retry *TaskRetryPolicy `json:"retry,omitempty"`
}
