package api

import "time"

// EventType identifies which entity a domain event describes.
type EventType string

const (
	EventTransaction EventType = "TRANSACTION"
	EventWorkflow    EventType = "WORKFLOW"
	EventTask        EventType = "TASK"
	EventSystem      EventType = "SYSTEM"
)

// Event is the engine's outward-facing change record. Events for the same
// transaction carry monotonically non-decreasing timestamps in dispatch
// order; across transactions there is no ordering guarantee.
type Event struct {
	TransactionID string    `json:"transactionId"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	IsError       bool      `json:"isError"`

	// Details is a snapshot of the entity the event describes: a
	// *Transaction, *WorkflowInstance or *TaskInstance for regular events,
	// or the offending payload for error events.
	Details any `json:"details,omitempty"`

	Error string `json:"error,omitempty"`
}

// TaskUpdate is the wire-level status update consumed from the task-update
// topic. Workers post them to report progress; the system-task executor and
// the timer topic feed synthetic ones back into the pipeline.
type TaskUpdate struct {
	TransactionID string     `json:"transactionId"`
	TaskID        string     `json:"taskId"`
	Status        TaskStatus `json:"status"`
	Output        any        `json:"output,omitempty"`
	Logs          string     `json:"logs,omitempty"`
	IsSystem      bool       `json:"isSystem,omitempty"`
}

// CommandType identifies an administrative command.
type CommandType string

const (
	CommandStartTransaction  CommandType = "START"
	CommandCancelTransaction CommandType = "CANCEL"
	CommandPauseTransaction  CommandType = "PAUSE"
	CommandResumeTransaction CommandType = "RESUME"
)

// Command is an administrative message consumed from the command topic.
type Command struct {
	TransactionID string      `json:"transactionId"`
	Type          CommandType `json:"type"`

	// Workflow and Input are set on START commands.
	Workflow *WorkflowRef `json:"workflow,omitempty"`
	Input    any          `json:"input,omitempty"`
}

// Timer is a delayed message. At ScheduledAt the bus redelivers it: Update
// timers re-enter the task-update topic as synthetic updates (ack/timeout
// expiry, schedule-task completion); Dispatch timers dispatch a task to its
// worker topic (delayed retry).
type Timer struct {
	ScheduledAt time.Time     `json:"scheduledAt"`
	Update      *TaskUpdate   `json:"update,omitempty"`
	Dispatch    *TaskInstance `json:"dispatch,omitempty"`
}
