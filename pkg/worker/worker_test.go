package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/internal/bus"
	"github.com/petrijr/sagaflow/pkg/api"
)

func dispatchTask(name, ref string) *api.TaskInstance {
	return &api.TaskInstance{
		TaskID:            "task-" + ref,
		TaskName:          name,
		TaskReferenceName: ref,
		TransactionID:     "txn-1",
		WorkflowID:        "wf-1",
		Type:              api.TaskNodeTask,
		Status:            api.TaskScheduled,
		Input:             map[string]any{"n": float64(1)},
	}
}

// collectUpdates drains n updates from the bus or fails the test.
func collectUpdates(t *testing.T, b bus.Bus, n int) []api.TaskUpdate {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []api.TaskUpdate
	for len(out) < n {
		batch, err := b.ReceiveUpdates(ctx, n-len(out))
		require.NoError(t, err)
		out = append(out, batch.Updates...)
		require.NoError(t, batch.Commit(ctx))
	}
	return out
}

func TestWorkerRunsHandler(t *testing.T) {
	b := bus.NewMemoryBus(0)
	defer b.Close()

	w := New(b, nil)
	w.Register("charge", func(ctx context.Context, task *api.TaskInstance) (any, error) {
		in := task.Input.(map[string]any)
		return map[string]any{"n": in["n"].(float64) + 1}, nil
	})
	w.Start(context.Background())
	defer w.Stop()

	require.NoError(t, b.Dispatch(context.Background(), dispatchTask("charge", "t1")))

	updates := collectUpdates(t, b, 2)
	require.Equal(t, api.TaskInprogress, updates[0].Status)
	require.Equal(t, "task-t1", updates[0].TaskID)
	require.Equal(t, api.TaskCompleted, updates[1].Status)
	require.Equal(t, map[string]any{"n": float64(2)}, updates[1].Output)
}

func TestWorkerHandlerError(t *testing.T) {
	b := bus.NewMemoryBus(0)
	defer b.Close()

	w := New(b, nil)
	w.Register("charge", func(ctx context.Context, task *api.TaskInstance) (any, error) {
		return nil, errors.New("card declined")
	})
	w.Start(context.Background())
	defer w.Stop()

	require.NoError(t, b.Dispatch(context.Background(), dispatchTask("charge", "t1")))

	updates := collectUpdates(t, b, 2)
	require.Equal(t, api.TaskInprogress, updates[0].Status)
	require.Equal(t, api.TaskFailed, updates[1].Status)
	require.Equal(t, "card declined", updates[1].Logs)
}

func TestWorkerHandlerPanic(t *testing.T) {
	b := bus.NewMemoryBus(0)
	defer b.Close()

	w := New(b, nil)
	w.Register("charge", func(ctx context.Context, task *api.TaskInstance) (any, error) {
		panic("boom")
	})
	w.Start(context.Background())
	defer w.Stop()

	require.NoError(t, b.Dispatch(context.Background(), dispatchTask("charge", "t1")))

	updates := collectUpdates(t, b, 2)
	require.Equal(t, api.TaskFailed, updates[1].Status)
	require.Contains(t, updates[1].Logs, "boom")
}

func TestWorkerCompensator(t *testing.T) {
	b := bus.NewMemoryBus(0)
	defer b.Close()

	w := New(b, nil)
	w.Register("charge", func(ctx context.Context, task *api.TaskInstance) (any, error) {
		return "charged", nil
	})
	w.RegisterCompensator("charge", func(ctx context.Context, task *api.TaskInstance) (any, error) {
		return "refunded", nil
	})
	w.Start(context.Background())
	defer w.Stop()

	comp := dispatchTask("charge", "t1")
	comp.Type = api.TaskNodeCompensate
	require.NoError(t, b.Dispatch(context.Background(), comp))

	updates := collectUpdates(t, b, 2)
	require.Equal(t, api.TaskCompleted, updates[1].Status)
	require.Equal(t, "refunded", updates[1].Output)
}

func TestWorkerCompensateFallsBackToRegularHandler(t *testing.T) {
	b := bus.NewMemoryBus(0)
	defer b.Close()

	w := New(b, nil)
	w.Register("notify", func(ctx context.Context, task *api.TaskInstance) (any, error) {
		return "ok", nil
	})
	w.Start(context.Background())
	defer w.Stop()

	comp := dispatchTask("notify", "t1")
	comp.Type = api.TaskNodeCompensate
	require.NoError(t, b.Dispatch(context.Background(), comp))

	updates := collectUpdates(t, b, 2)
	require.Equal(t, api.TaskCompleted, updates[1].Status)
	require.Equal(t, "ok", updates[1].Output)
}

func TestWorkerStopWaitsForPollers(t *testing.T) {
	b := bus.NewMemoryBus(0)
	defer b.Close()

	w := New(b, nil)
	w.Register("charge", func(ctx context.Context, task *api.TaskInstance) (any, error) {
		return nil, nil
	})
	w.Start(context.Background())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
