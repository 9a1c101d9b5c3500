package bus

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// MemoryBus is a channel-backed Bus for tests and in-process deployments.
// Worker topics are created lazily on first use. Timers fire from a
// time.AfterFunc, so delayed redelivery works without a poller goroutine.
//
// Events are retained in order so tests can assert on the exact published
// sequence.
type MemoryBus struct {
	updates  chan api.TaskUpdate
	commands chan api.Command

	mu     sync.Mutex
	topics map[string]chan *api.TaskInstance
	events []api.Event
	timers []*time.Timer
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a bus whose topics hold up to capacity messages.
func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryBus{
		updates:  make(chan api.TaskUpdate, capacity),
		commands: make(chan api.Command, capacity),
		topics:   make(map[string]chan *api.TaskInstance),
	}
}

// Close stops pending timers. Queued messages stay readable.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
}

func (b *MemoryBus) topic(name string) chan *api.TaskInstance {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan *api.TaskInstance, cap(b.updates))
		b.topics[name] = ch
	}
	return ch
}

func (b *MemoryBus) Dispatch(ctx context.Context, task *api.TaskInstance) error {
	select {
	case b.topic(TopicFor(task)) <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) SendUpdate(ctx context.Context, update api.TaskUpdate) error {
	select {
	case b.updates <- update:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) SendCommand(ctx context.Context, cmd api.Command) error {
	select {
	case b.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) SendEvent(ctx context.Context, ev api.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *MemoryBus) SendTimer(ctx context.Context, tm api.Timer) error {
	delay := time.Until(tm.ScheduledAt)
	if delay < 0 {
		delay = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	timer := time.AfterFunc(delay, func() {
		ctx := context.Background()
		switch {
		case tm.Update != nil:
			_ = b.SendUpdate(ctx, *tm.Update)
		case tm.Dispatch != nil:
			_ = b.Dispatch(ctx, tm.Dispatch)
		}
	})
	b.timers = append(b.timers, timer)
	return nil
}

// ReceiveUpdates blocks for the first update, then drains without blocking
// up to max. Commit is a no-op; consuming from the channel is the removal.
func (b *MemoryBus) ReceiveUpdates(ctx context.Context, max int) (*UpdateBatch, error) {
	if max <= 0 {
		max = 1
	}

	var first api.TaskUpdate
	select {
	case first = <-b.updates:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	batch := &UpdateBatch{Updates: []api.TaskUpdate{first}}
	for len(batch.Updates) < max {
		select {
		case u := <-b.updates:
			batch.Updates = append(batch.Updates, u)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (b *MemoryBus) ReceiveCommand(ctx context.Context) (*api.Command, error) {
	select {
	case cmd := <-b.commands:
		return &cmd, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) ReceiveDispatch(ctx context.Context, taskName string) (*api.TaskInstance, error) {
	select {
	case task := <-b.topic(taskName):
		return task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events returns a snapshot of everything published so far.
func (b *MemoryBus) Events() []api.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]api.Event, len(b.events))
	copy(out, b.events)
	return out
}
