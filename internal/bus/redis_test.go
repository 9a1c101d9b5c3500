package bus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/internal/testutil"
	"github.com/petrijr/sagaflow/pkg/api"
)

func newTestRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	addr := testutil.GetRedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.Close()
	})
	require.NoError(t, client.Ping(context.Background()).Err())

	// Unique prefix per test so parallel runs never share queues.
	return NewRedisBus(client, "sagaflow-bus-test:"+uuid.NewString()+":", "c0")
}

func TestRedisBus_UpdateBatchCommit(t *testing.T) {
	b := newTestRedisBus(t)
	ctx := context.Background()

	for _, id := range []string{"t-a", "t-b", "t-c"} {
		require.NoError(t, b.SendUpdate(ctx, api.TaskUpdate{
			TransactionID: "txn-1", TaskID: id, Status: api.TaskCompleted,
		}))
	}

	batch, err := b.ReceiveUpdates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch.Updates, 3)
	require.Equal(t, "t-a", batch.Updates[0].TaskID)

	// Before commit the batch sits in the pending list; recovery would
	// re-queue it in order.
	require.NoError(t, b.RecoverPending(ctx))
	batch, err = b.ReceiveUpdates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch.Updates, 3)
	require.Equal(t, "t-a", batch.Updates[0].TaskID)
	require.NoError(t, batch.Commit(ctx))

	// After commit nothing is left.
	require.NoError(t, b.RecoverPending(ctx))
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = b.ReceiveUpdates(shortCtx, 1)
	require.Error(t, err)
}

func TestRedisBus_DispatchRoundTrip(t *testing.T) {
	b := newTestRedisBus(t)
	ctx := context.Background()

	task := &api.TaskInstance{
		TaskID:            "t-1",
		TaskName:          "charge",
		TaskReferenceName: "charge_ref",
		Type:              api.TaskNodeTask,
		Status:            api.TaskScheduled,
		Input:             map[string]any{"amount": 12.5},
	}
	require.NoError(t, b.Dispatch(ctx, task))

	got, err := b.ReceiveDispatch(ctx, "charge")
	require.NoError(t, err)
	require.Equal(t, task.TaskID, got.TaskID)
	require.Equal(t, map[string]any{"amount": 12.5}, got.Input)
}

func TestRedisBus_TimerPromotion(t *testing.T) {
	b := newTestRedisBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.StartTimerLoop(ctx, 20*time.Millisecond)

	require.NoError(t, b.SendTimer(ctx, api.Timer{
		ScheduledAt: time.Now().Add(50 * time.Millisecond),
		Update: &api.TaskUpdate{
			TransactionID: "txn-1", TaskID: "t-1", Status: api.TaskTimeout,
		},
	}))

	recvCtx, cancelRecv := context.WithTimeout(ctx, 5*time.Second)
	defer cancelRecv()
	batch, err := b.ReceiveUpdates(recvCtx, 1)
	require.NoError(t, err)
	require.Len(t, batch.Updates, 1)
	require.Equal(t, api.TaskTimeout, batch.Updates[0].Status)
	require.NoError(t, batch.Commit(ctx))
}

func TestRedisBus_Commands(t *testing.T) {
	b := newTestRedisBus(t)
	ctx := context.Background()

	require.NoError(t, b.SendCommand(ctx, api.Command{
		TransactionID: "txn-1",
		Type:          api.CommandPauseTransaction,
	}))

	cmd, err := b.ReceiveCommand(ctx)
	require.NoError(t, err)
	require.Equal(t, api.CommandPauseTransaction, cmd.Type)
	require.Equal(t, "txn-1", cmd.TransactionID)
}
