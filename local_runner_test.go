package sagaflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sagaflow "github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/pkg/api"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLocalRunnerHappyPath(t *testing.T) {
	ctx := testContext(t)
	runner := sagaflow.NewLocalRunner(sagaflow.Options{})

	def := sagaflow.NewWorkflow("PlaceOrder", "1").
		Task("reserveStock", "reserve", nil).
		Task("chargeCard", "charge", map[string]any{
			"reservation": "${reserve.output.reservationId}",
			"amount":      "${workflow.input.amount}",
		}).
		Output(map[string]any{"chargeId": "${charge.output.chargeId}"}).
		MustDefinition()
	require.NoError(t, runner.RegisterWorkflow(ctx, def))

	runner.Handle("reserveStock", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		return map[string]any{"reservationId": "r-1"}, nil
	})
	runner.Handle("chargeCard", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		in := task.Input.(map[string]any)
		require.Equal(t, "r-1", in["reservation"])
		require.Equal(t, float64(25), in["amount"])
		return map[string]any{"chargeId": "ch-1"}, nil
	})

	runner.Start(ctx)
	defer runner.Stop()

	txn, err := runner.Run(ctx, "PlaceOrder", "1", map[string]any{"amount": float64(25)})
	require.NoError(t, err)
	require.Equal(t, sagaflow.TransactionCompleted, txn.Status)
	require.Equal(t, map[string]any{"chargeId": "ch-1"}, txn.Output)

	history, err := runner.History(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	require.Equal(t, api.EventTransaction, history[0].Type)
	require.Equal(t, api.EventTransaction, history[len(history)-1].Type)
	for i := 1; i < len(history); i++ {
		require.False(t, history[i].Timestamp.Before(history[i-1].Timestamp))
	}

	wfs, err := runner.Orchestrator.GetWorkflows(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.Len(t, wfs, 1)
	require.True(t, wfs[0].Status.IsTerminal())
	require.NotNil(t, wfs[0].EndTime)
	require.NotNil(t, txn.EndTime)
	require.False(t, txn.EndTime.Before(*wfs[0].EndTime))
}

func TestLocalRunnerTaskRetry(t *testing.T) {
	ctx := testContext(t)
	runner := sagaflow.NewLocalRunner(sagaflow.Options{})

	def := sagaflow.NewWorkflow("Flaky", "1").
		TaskWithRetry("flaky", "flaky", nil, 2, 0).
		MustDefinition()
	require.NoError(t, runner.RegisterWorkflow(ctx, def))

	var attempts atomic.Int32
	runner.Handle("flaky", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	runner.Start(ctx)
	defer runner.Stop()

	txn, err := runner.Run(ctx, "Flaky", "1", nil)
	require.NoError(t, err)
	require.Equal(t, sagaflow.TransactionCompleted, txn.Status)
	require.Equal(t, int32(3), attempts.Load())
}

func TestLocalRunnerRetriesExhausted(t *testing.T) {
	ctx := testContext(t)
	runner := sagaflow.NewLocalRunner(sagaflow.Options{})

	def := sagaflow.NewWorkflow("Doomed", "1").
		TaskWithRetry("doomed", "doomed", nil, 1, 0).
		MustDefinition()
	require.NoError(t, runner.RegisterWorkflow(ctx, def))

	var attempts atomic.Int32
	runner.Handle("doomed", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		attempts.Add(1)
		return nil, errors.New("permanent")
	})

	runner.Start(ctx)
	defer runner.Stop()

	txn, err := runner.Run(ctx, "Doomed", "1", nil)
	require.NoError(t, err)
	require.Equal(t, sagaflow.TransactionFailed, txn.Status)
	require.Equal(t, int32(2), attempts.Load())
}

func TestLocalRunnerCompensation(t *testing.T) {
	ctx := testContext(t)
	runner := sagaflow.NewLocalRunner(sagaflow.Options{})

	def := sagaflow.NewWorkflow("PlaceOrder", "1").
		OnFailure(sagaflow.StrategyCompensate).
		Task("reserveStock", "reserve", nil).
		Task("chargeCard", "charge", nil).
		MustDefinition()
	require.NoError(t, runner.RegisterWorkflow(ctx, def))

	var released atomic.Value
	runner.Handle("reserveStock", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		return map[string]any{"reservationId": "r-1"}, nil
	})
	runner.Handle("chargeCard", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		return nil, errors.New("card declined")
	})
	runner.HandleCompensation("reserveStock", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		released.Store(task.Input)
		return "released", nil
	})

	runner.Start(ctx)
	defer runner.Stop()

	txn, err := runner.Run(ctx, "PlaceOrder", "1", nil)
	require.NoError(t, err)
	require.Equal(t, sagaflow.TransactionCompensated, txn.Status)

	// The compensation handler received the original task's output.
	require.Equal(t, map[string]any{"reservationId": "r-1"}, released.Load())
}

func TestLocalRunnerCompensationFailure(t *testing.T) {
	ctx := testContext(t)
	runner := sagaflow.NewLocalRunner(sagaflow.Options{})

	def := sagaflow.NewWorkflow("PlaceOrder", "1").
		OnFailure(sagaflow.StrategyCompensate).
		Task("reserveStock", "reserve", nil).
		Task("chargeCard", "charge", nil).
		MustDefinition()
	require.NoError(t, runner.RegisterWorkflow(ctx, def))

	runner.Handle("reserveStock", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		return map[string]any{"reservationId": "r-1"}, nil
	})
	runner.Handle("chargeCard", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		return nil, errors.New("card declined")
	})
	runner.HandleCompensation("reserveStock", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		return nil, errors.New("release failed too")
	})

	runner.Start(ctx)
	defer runner.Stop()

	// A failed compensation fails the transaction, not COMPENSATED.
	txn, err := runner.Run(ctx, "PlaceOrder", "1", nil)
	require.NoError(t, err)
	require.Equal(t, sagaflow.TransactionFailed, txn.Status)
}

func TestLocalRunnerCompensateThenRetry(t *testing.T) {
	ctx := testContext(t)
	runner := sagaflow.NewLocalRunner(sagaflow.Options{})

	def := sagaflow.NewWorkflow("PlaceOrder", "1").
		OnFailure(sagaflow.StrategyCompensateThenRetry).
		RetryPolicy(1, 0).
		Task("reserveStock", "reserve", nil).
		Task("chargeCard", "charge", nil).
		MustDefinition()
	require.NoError(t, runner.RegisterWorkflow(ctx, def))

	var reservations, releases, charges atomic.Int32
	runner.Handle("reserveStock", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		reservations.Add(1)
		return map[string]any{"reservationId": "r-1"}, nil
	})
	runner.Handle("chargeCard", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		if charges.Add(1) == 1 {
			return nil, errors.New("card declined")
		}
		return map[string]any{"chargeId": "ch-1"}, nil
	})
	runner.HandleCompensation("reserveStock", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		releases.Add(1)
		return "released", nil
	})

	runner.Start(ctx)
	defer runner.Stop()

	// First pass fails and is compensated, then the whole workflow reruns
	// from the original snapshot and succeeds.
	txn, err := runner.Run(ctx, "PlaceOrder", "1", nil)
	require.NoError(t, err)
	require.Equal(t, sagaflow.TransactionCompleted, txn.Status)
	require.Equal(t, int32(2), reservations.Load())
	require.Equal(t, int32(1), releases.Load())
	require.Equal(t, int32(2), charges.Load())
}

func TestLocalRunnerDecisionAndParallel(t *testing.T) {
	ctx := testContext(t)
	runner := sagaflow.NewLocalRunner(sagaflow.Options{})

	def := sagaflow.NewWorkflow("Fulfil", "1").
		Parallel("fanout",
			[]sagaflow.TaskNode{sagaflow.Step("pickItems", "pick", nil)},
			[]sagaflow.TaskNode{sagaflow.Step("printLabel", "label", nil)},
		).
		Decision("route", "${workflow.input.carrier}",
			map[string][]sagaflow.TaskNode{
				"ups": {sagaflow.Step("bookUps", "ups", nil)},
			},
			[]sagaflow.TaskNode{sagaflow.Step("bookFallback", "fallback", nil)},
		).
		MustDefinition()
	require.NoError(t, runner.RegisterWorkflow(ctx, def))

	var booked atomic.Value
	for _, name := range []string{"pickItems", "printLabel"} {
		runner.Handle(name, func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
			return "done", nil
		})
	}
	runner.Handle("bookUps", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		booked.Store("ups")
		return "booked", nil
	})
	runner.Handle("bookFallback", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		booked.Store("fallback")
		return "booked", nil
	})

	runner.Start(ctx)
	defer runner.Stop()

	txn, err := runner.Run(ctx, "Fulfil", "1", map[string]any{"carrier": "ups"})
	require.NoError(t, err)
	require.Equal(t, sagaflow.TransactionCompleted, txn.Status)
	require.Equal(t, "ups", booked.Load())

	txn, err = runner.Run(ctx, "Fulfil", "1", map[string]any{"carrier": "dhl"})
	require.NoError(t, err)
	require.Equal(t, sagaflow.TransactionCompleted, txn.Status)
	require.Equal(t, "fallback", booked.Load())
}

func TestLocalRunnerCancel(t *testing.T) {
	ctx := testContext(t)
	runner := sagaflow.NewLocalRunner(sagaflow.Options{})

	def := sagaflow.NewWorkflow("Stuck", "1").
		Task("block", "block", nil).
		MustDefinition()
	require.NoError(t, runner.RegisterWorkflow(ctx, def))

	started := make(chan struct{}, 1)
	runner.Handle("block", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	runner.Start(ctx)
	defer runner.Stop()

	id, err := runner.Orchestrator.StartTransaction(ctx, "", "Stuck", "1", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, runner.Orchestrator.Cancel(ctx, id))
	txn, err := runner.Await(ctx, id)
	require.NoError(t, err)
	require.Equal(t, sagaflow.TransactionCancelled, txn.Status)
}

func TestLocalRunnerPauseResume(t *testing.T) {
	ctx := testContext(t)
	runner := sagaflow.NewLocalRunner(sagaflow.Options{})

	def := sagaflow.NewWorkflow("TwoStep", "1").
		Task("first", "first", nil).
		Task("second", "second", nil).
		MustDefinition()
	require.NoError(t, runner.RegisterWorkflow(ctx, def))

	firstDone := make(chan struct{})
	gate := make(chan struct{})
	runner.Handle("first", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		<-gate
		defer close(firstDone)
		return "one", nil
	})
	var secondRan atomic.Bool
	runner.Handle("second", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		secondRan.Store(true)
		return "two", nil
	})

	runner.Start(ctx)
	defer runner.Stop()

	id, err := runner.Orchestrator.StartTransaction(ctx, "", "TwoStep", "1", nil)
	require.NoError(t, err)

	require.NoError(t, runner.Orchestrator.Pause(ctx, id))
	waitForStatus(t, runner, id, sagaflow.TransactionPaused)

	// The in-flight result lands while paused; nothing new is dispatched.
	close(gate)
	<-firstDone
	time.Sleep(50 * time.Millisecond)
	require.False(t, secondRan.Load())

	require.NoError(t, runner.Orchestrator.Resume(ctx, id))
	txn, err := runner.Await(ctx, id)
	require.NoError(t, err)
	require.Equal(t, sagaflow.TransactionCompleted, txn.Status)
	require.True(t, secondRan.Load())
}

func waitForStatus(t *testing.T, runner *sagaflow.LocalRunner, id string, status api.TransactionStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		txn, err := runner.Orchestrator.GetTransaction(context.Background(), id)
		if err == nil && txn.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("transaction %s never reached %s", id, status)
}
