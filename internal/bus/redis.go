package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/sagaflow/pkg/api"
)

// RedisBus is a Redis-backed Bus. Key structure:
//
//	<prefix>q:update                 LIST of JSON TaskUpdate
//	<prefix>q:update:pending:<id>    LIST, in-flight batch for consumer <id>
//	<prefix>q:command                LIST of JSON Command
//	<prefix>q:dispatch:<taskName>    LIST of JSON TaskInstance
//	<prefix>q:event                  LIST of JSON Event, append-only
//	<prefix>delayed                  ZSET of JSON Timer scored by due time
//
// Updates are consumed with LMOVE into the consumer's pending list and only
// removed on Commit, so an uncommitted batch survives a consumer crash;
// RecoverPending re-queues it on restart. Delayed timers are promoted by a
// poller goroutine started with StartTimerLoop.
type RedisBus struct {
	client     *redis.Client
	prefix     string
	consumerID string
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a bus over the given client. The prefix defaults to
// "sagaflow:" and the consumerID to "c0"; give each pipeline consumer a
// distinct ID when running more than one.
func NewRedisBus(client *redis.Client, prefix, consumerID string) *RedisBus {
	if prefix == "" {
		prefix = "sagaflow:"
	}
	if consumerID == "" {
		consumerID = "c0"
	}
	return &RedisBus{client: client, prefix: prefix, consumerID: consumerID}
}

func (b *RedisBus) key(parts ...string) string {
	k := b.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (b *RedisBus) pendingKey() string {
	return b.key("q", "update", "pending", b.consumerID)
}

func marshalMessage(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", api.ErrSerialization, err)
	}
	return string(data), nil
}

func unmarshalMessage(data string, dst any) error {
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("%w: %v", api.ErrSerialization, err)
	}
	return nil
}

func (b *RedisBus) push(ctx context.Context, key string, v any) error {
	data, err := marshalMessage(v)
	if err != nil {
		return err
	}
	if err := b.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", api.ErrBusUnavailable, err)
	}
	return nil
}

func (b *RedisBus) Dispatch(ctx context.Context, task *api.TaskInstance) error {
	return b.push(ctx, b.key("q", "dispatch", TopicFor(task)), task)
}

func (b *RedisBus) SendUpdate(ctx context.Context, update api.TaskUpdate) error {
	return b.push(ctx, b.key("q", "update"), update)
}

func (b *RedisBus) SendCommand(ctx context.Context, cmd api.Command) error {
	return b.push(ctx, b.key("q", "command"), cmd)
}

func (b *RedisBus) SendEvent(ctx context.Context, ev api.Event) error {
	return b.push(ctx, b.key("q", "event"), ev)
}

func (b *RedisBus) SendTimer(ctx context.Context, tm api.Timer) error {
	data, err := marshalMessage(tm)
	if err != nil {
		return err
	}
	member := redis.Z{
		Score:  float64(tm.ScheduledAt.UnixMilli()),
		Member: data,
	}
	if err := b.client.ZAdd(ctx, b.key("delayed"), member).Err(); err != nil {
		return fmt.Errorf("%w: %v", api.ErrBusUnavailable, err)
	}
	return nil
}

// ReceiveUpdates blocks for the first update, then drains without blocking
// up to max. Everything received sits in the pending list until Commit.
func (b *RedisBus) ReceiveUpdates(ctx context.Context, max int) (*UpdateBatch, error) {
	if max <= 0 {
		max = 1
	}
	src := b.key("q", "update")
	pending := b.pendingKey()

	first, err := b.client.BLMove(ctx, src, pending, "LEFT", "RIGHT", 0).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", api.ErrBusUnavailable, err)
	}

	raw := []string{first}
	for len(raw) < max {
		next, err := b.client.LMove(ctx, src, pending, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrBusUnavailable, err)
		}
		raw = append(raw, next)
	}

	batch := &UpdateBatch{
		commit: func(ctx context.Context) error {
			if err := b.client.Del(ctx, pending).Err(); err != nil {
				return fmt.Errorf("%w: %v", api.ErrBusUnavailable, err)
			}
			return nil
		},
	}
	for _, data := range raw {
		var u api.TaskUpdate
		if err := unmarshalMessage(data, &u); err != nil {
			return nil, err
		}
		batch.Updates = append(batch.Updates, u)
	}
	return batch, nil
}

// RecoverPending moves an earlier consumer generation's uncommitted batch
// back to the head of the update queue. Call once before consuming.
func (b *RedisBus) RecoverPending(ctx context.Context) error {
	pending := b.pendingKey()
	for {
		_, err := b.client.LMove(ctx, pending, b.key("q", "update"), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", api.ErrBusUnavailable, err)
		}
	}
}

func (b *RedisBus) ReceiveCommand(ctx context.Context) (*api.Command, error) {
	res, err := b.client.BLPop(ctx, 0, b.key("q", "command")).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", api.ErrBusUnavailable, err)
	}

	var cmd api.Command
	if err := unmarshalMessage(res[1], &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (b *RedisBus) ReceiveDispatch(ctx context.Context, taskName string) (*api.TaskInstance, error) {
	res, err := b.client.BLPop(ctx, 0, b.key("q", "dispatch", taskName)).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", api.ErrBusUnavailable, err)
	}

	var task api.TaskInstance
	if err := unmarshalMessage(res[1], &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// StartTimerLoop promotes due timers until ctx is cancelled. Promotion is
// at-least-once: a crash between push and ZRem redelivers the timer, which
// the engine's transition checks absorb.
func (b *RedisBus) StartTimerLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = b.promoteDue(ctx)
			}
		}
	}()
}

func (b *RedisBus) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, b.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrBusUnavailable, err)
	}

	for _, data := range due {
		var tm api.Timer
		if err := unmarshalMessage(data, &tm); err != nil {
			// Unreadable timers are dropped from the set, not retried forever.
			_ = b.client.ZRem(ctx, b.key("delayed"), data).Err()
			continue
		}
		switch {
		case tm.Update != nil:
			if err := b.SendUpdate(ctx, *tm.Update); err != nil {
				return err
			}
		case tm.Dispatch != nil:
			if err := b.Dispatch(ctx, tm.Dispatch); err != nil {
				return err
			}
		}
		if err := b.client.ZRem(ctx, b.key("delayed"), data).Err(); err != nil {
			return fmt.Errorf("%w: %v", api.ErrBusUnavailable, err)
		}
	}
	return nil
}
