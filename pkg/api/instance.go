package api

import "time"

// Transaction is the top-level unit of work. It is created by a client
// request and wraps one or more workflow instances through its lifecycle.
// A terminal transaction is immutable.
type Transaction struct {
	TransactionID string            `json:"transactionId"`
	Status        TransactionStatus `json:"status"`
	Input         any               `json:"input,omitempty"`
	Output        any               `json:"output,omitempty"`

	// WorkflowDefinition is a snapshot of the definition the transaction was
	// started with. COMPENSATE_THEN_RETRY restarts from this snapshot, so it
	// must survive definition updates.
	WorkflowDefinition WorkflowDefinition `json:"workflowDefinition"`

	CreateTime time.Time  `json:"createTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

// WorkflowInstance is a single run of a workflow definition, or of one of
// the synthesized compensate/retry/recovery variants.
type WorkflowInstance struct {
	TransactionID string         `json:"transactionId"`
	WorkflowID    string         `json:"workflowId"`
	Type          WorkflowType   `json:"type"`
	Status        WorkflowStatus `json:"status"`

	// WorkflowDefinition is the effective definition snapshot this instance
	// runs; for compensate workflows it is synthesized, not registered.
	WorkflowDefinition WorkflowDefinition `json:"workflowDefinition"`

	Input   any `json:"input,omitempty"`
	Output  any `json:"output,omitempty"`
	Retries int `json:"retries"`

	// ParentTaskID is set on SUB_WORKFLOW instances and points at the task
	// in the parent workflow that spawned this instance.
	ParentTaskID string `json:"parentTaskId,omitempty"`

	CreateTime time.Time  `json:"createTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

// TaskInstance is a single scheduled unit of work, carried out by an
// external worker or in-process by the system-task executor.
type TaskInstance struct {
	TaskID            string `json:"taskId"`
	TaskName          string `json:"taskName,omitempty"`
	TaskReferenceName string `json:"taskReferenceName"`
	WorkflowID        string `json:"workflowId"`
	TransactionID     string `json:"transactionId"`

	Type   TaskNodeType `json:"type"`
	Status TaskStatus   `json:"status"`

	Input  any    `json:"input,omitempty"`
	Output any    `json:"output,omitempty"`
	Logs   string `json:"logs,omitempty"`

	// Retries counts how many times this reference name has been retried;
	// IsRetried marks a superseded instance that was replaced via reload.
	Retries   int  `json:"retries"`
	IsRetried bool `json:"isRetried,omitempty"`

	// RetryLimit and RetryDelaySecond are snapshotted from the effective
	// retry policy at scheduling time so failure handling needs no registry
	// lookup.
	RetryLimit       int `json:"retryLimit"`
	RetryDelaySecond int `json:"retryDelaySecond"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	// Structure carried over from the definition node so traversal can
	// proceed without re-reading the definition.
	ParallelTasks   [][]TaskNode          `json:"parallelTasks,omitempty"`
	Decisions       map[string][]TaskNode `json:"decisions,omitempty"`
	DefaultDecision []TaskNode            `json:"defaultDecision,omitempty"`

	// SubWorkflowID links a SUB_WORKFLOW task to the child instance it
	// spawned.
	SubWorkflowID string `json:"subWorkflowId,omitempty"`
}
