// Package bus carries the engine's message traffic: task dispatches to
// worker topics, task updates and commands into the pipeline, domain events
// out to subscribers, and delayed timer redelivery.
package bus

import (
	"context"

	"github.com/petrijr/sagaflow/pkg/api"
)

// Bus is the transport the pipeline and the workers share.
//
// Producer side: Dispatch publishes a task to its worker topic (keyed by
// task name; system tasks go to the internal system topic). SendUpdate,
// SendCommand and SendEvent publish to the task-update, command and event
// topics. SendTimer schedules a delayed message; at Timer.ScheduledAt the
// bus feeds Timer.Update back into the task-update topic, or Timer.Dispatch
// into its worker topic.
//
// Consumer side: ReceiveUpdates blocks for the next batch of task updates
// and returns it with a commit handle; the batch is redelivered if the
// consumer dies before Commit. ReceiveCommand and ReceiveDispatch block for
// a single message.
type Bus interface {
	Dispatch(ctx context.Context, task *api.TaskInstance) error
	SendUpdate(ctx context.Context, update api.TaskUpdate) error
	SendCommand(ctx context.Context, cmd api.Command) error
	SendEvent(ctx context.Context, ev api.Event) error
	SendTimer(ctx context.Context, tm api.Timer) error

	ReceiveUpdates(ctx context.Context, max int) (*UpdateBatch, error)
	ReceiveCommand(ctx context.Context) (*api.Command, error)
	ReceiveDispatch(ctx context.Context, taskName string) (*api.TaskInstance, error)
}

// UpdateBatch is a consumed batch of task updates. Commit acknowledges the
// batch; an uncommitted batch is eligible for redelivery on restart.
type UpdateBatch struct {
	Updates []api.TaskUpdate

	commit func(ctx context.Context) error
}

// Commit acknowledges the batch. Safe to call on an empty batch.
func (b *UpdateBatch) Commit(ctx context.Context) error {
	if b == nil || b.commit == nil {
		return nil
	}
	return b.commit(ctx)
}

// TopicFor returns the worker topic a task is dispatched to. System tasks
// never reach the bus; the pipeline runs them in process.
func TopicFor(task *api.TaskInstance) string {
	return task.TaskName
}
