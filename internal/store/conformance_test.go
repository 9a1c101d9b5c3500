package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/pkg/api"
)

// runStoreConformance exercises the full store contract against a backend.
// Every backend test file funnels through this so memory, SQLite, Postgres,
// Mongo and Redis all honor the same semantics.
func runStoreConformance(t *testing.T, stores *Stores) {
	t.Run("TransactionLifecycle", func(t *testing.T) { testTransactionLifecycle(t, stores) })
	t.Run("TransactionDuplicateCreate", func(t *testing.T) { testTransactionDuplicateCreate(t, stores) })
	t.Run("TransactionInvalidTransition", func(t *testing.T) { testTransactionInvalidTransition(t, stores) })
	t.Run("WorkflowInstancesByTransaction", func(t *testing.T) { testWorkflowInstancesByTransaction(t, stores) })
	t.Run("WorkflowInvalidTransition", func(t *testing.T) { testWorkflowInvalidTransition(t, stores) })
	t.Run("TaskLifecycleAndReload", func(t *testing.T) { testTaskLifecycleAndReload(t, stores) })
	t.Run("TaskInvalidTransition", func(t *testing.T) { testTaskInvalidTransition(t, stores) })
	t.Run("WorkflowDefinitions", func(t *testing.T) { testWorkflowDefinitions(t, stores) })
	t.Run("TaskDefinitions", func(t *testing.T) { testTaskDefinitions(t, stores) })
	t.Run("EventLog", func(t *testing.T) { testEventLog(t, stores) })
}

func sampleDefinition(name string) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: name,
		Rev:  "1",
		Tasks: []api.TaskNode{
			{Type: api.TaskNodeTask, Name: "charge", TaskReferenceName: "charge_" + name},
		},
		FailureStrategy: api.StrategyFailed,
	}
}

func newTransaction(def api.WorkflowDefinition) *api.Transaction {
	return &api.Transaction{
		TransactionID:      uuid.NewString(),
		Status:             api.TransactionRunning,
		Input:              map[string]any{"orderId": "o-1"},
		WorkflowDefinition: def,
		CreateTime:         time.Now().UTC(),
	}
}

func testTransactionLifecycle(t *testing.T, stores *Stores) {
	ctx := context.Background()
	tx := newTransaction(sampleDefinition("txn-life"))

	require.NoError(t, stores.Transactions.Create(ctx, tx))

	got, err := stores.Transactions.Get(ctx, tx.TransactionID)
	require.NoError(t, err)
	require.Equal(t, tx.TransactionID, got.TransactionID)
	require.Equal(t, api.TransactionRunning, got.Status)
	require.Equal(t, "txn-life", got.WorkflowDefinition.Name)

	end := time.Now().UTC()
	got.Status = api.TransactionCompleted
	got.Output = map[string]any{"receipt": "r-9"}
	got.EndTime = &end
	require.NoError(t, stores.Transactions.Update(ctx, got))

	done, err := stores.Transactions.Get(ctx, tx.TransactionID)
	require.NoError(t, err)
	require.Equal(t, api.TransactionCompleted, done.Status)
	require.NotNil(t, done.EndTime)

	require.NoError(t, stores.Transactions.Delete(ctx, tx.TransactionID))
	_, err = stores.Transactions.Get(ctx, tx.TransactionID)
	require.ErrorIs(t, err, api.ErrTransactionNotFound)
}

func testTransactionDuplicateCreate(t *testing.T, stores *Stores) {
	ctx := context.Background()
	tx := newTransaction(sampleDefinition("txn-dup"))

	require.NoError(t, stores.Transactions.Create(ctx, tx))
	err := stores.Transactions.Create(ctx, tx)
	require.ErrorIs(t, err, api.ErrTransactionAlreadyExists)
}

func testTransactionInvalidTransition(t *testing.T, stores *Stores) {
	ctx := context.Background()
	tx := newTransaction(sampleDefinition("txn-bad"))
	require.NoError(t, stores.Transactions.Create(ctx, tx))

	tx.Status = api.TransactionCompleted
	require.NoError(t, stores.Transactions.Update(ctx, tx))

	// Terminal transactions are immutable.
	tx.Status = api.TransactionRunning
	err := stores.Transactions.Update(ctx, tx)
	require.ErrorIs(t, err, api.ErrInvalidTransition)

	// Same-status writes stay legal.
	tx.Status = api.TransactionCompleted
	tx.Output = map[string]any{"amended": true}
	require.NoError(t, stores.Transactions.Update(ctx, tx))
}

func testWorkflowInstancesByTransaction(t *testing.T, stores *Stores) {
	ctx := context.Background()
	txnID := uuid.NewString()

	var created []string
	for i := 0; i < 3; i++ {
		wf := &api.WorkflowInstance{
			TransactionID:      txnID,
			WorkflowID:         uuid.NewString(),
			Type:               api.WorkflowTypeWorkflow,
			Status:             api.WorkflowRunning,
			WorkflowDefinition: sampleDefinition(fmt.Sprintf("wf-%d", i)),
			CreateTime:         time.Now().UTC(),
		}
		require.NoError(t, stores.Workflows.Create(ctx, wf))
		created = append(created, wf.WorkflowID)
	}

	got, err := stores.Workflows.GetByTransactionID(ctx, txnID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, wf := range got {
		require.Equal(t, created[i], wf.WorkflowID, "creation order must be preserved")
	}

	_, err = stores.Workflows.Get(ctx, "no-such-workflow")
	require.ErrorIs(t, err, ErrWorkflowNotFound)

	none, err := stores.Workflows.GetByTransactionID(ctx, uuid.NewString())
	require.NoError(t, err)
	require.Empty(t, none)
}

func testWorkflowInvalidTransition(t *testing.T, stores *Stores) {
	ctx := context.Background()
	wf := &api.WorkflowInstance{
		TransactionID:      uuid.NewString(),
		WorkflowID:         uuid.NewString(),
		Type:               api.WorkflowTypeWorkflow,
		Status:             api.WorkflowRunning,
		WorkflowDefinition: sampleDefinition("wf-bad"),
		CreateTime:         time.Now().UTC(),
	}
	require.NoError(t, stores.Workflows.Create(ctx, wf))

	wf.Status = api.WorkflowCompleted
	require.NoError(t, stores.Workflows.Update(ctx, wf))

	wf.Status = api.WorkflowRunning
	require.ErrorIs(t, stores.Workflows.Update(ctx, wf), api.ErrInvalidTransition)
}

func testTaskLifecycleAndReload(t *testing.T, stores *Stores) {
	ctx := context.Background()
	wfID := uuid.NewString()

	first := &api.TaskInstance{
		TaskID:            uuid.NewString(),
		TaskName:          "charge",
		TaskReferenceName: "charge_ref",
		WorkflowID:        wfID,
		TransactionID:     uuid.NewString(),
		Type:              api.TaskNodeTask,
		Status:            api.TaskScheduled,
		Input:             map[string]any{"amount": 10.0},
		StartTime:         time.Now().UTC(),
	}
	require.NoError(t, stores.Tasks.Create(ctx, first))

	first.Status = api.TaskInprogress
	require.NoError(t, stores.Tasks.Update(ctx, first))
	first.Status = api.TaskFailed
	first.Logs = "card declined"
	require.NoError(t, stores.Tasks.Update(ctx, first))

	// A retry replaces the failed instance in the (workflow, reference) slot.
	retry := &api.TaskInstance{
		TaskID:            uuid.NewString(),
		TaskName:          "charge",
		TaskReferenceName: "charge_ref",
		WorkflowID:        wfID,
		TransactionID:     first.TransactionID,
		Type:              api.TaskNodeTask,
		Status:            api.TaskScheduled,
		Retries:           1,
		StartTime:         time.Now().UTC(),
	}
	require.NoError(t, stores.Tasks.Reload(ctx, retry))

	prev, err := stores.Tasks.Get(ctx, first.TaskID)
	require.NoError(t, err)
	require.True(t, prev.IsRetried, "superseded instance stays as history")
	require.Equal(t, api.TaskFailed, prev.Status)

	all, err := stores.Tasks.GetAll(ctx, wfID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, first.TaskID, all[0].TaskID)
	require.Equal(t, retry.TaskID, all[1].TaskID)
	require.Equal(t, 1, all[1].Retries)
	require.False(t, all[1].IsRetried)

	require.NoError(t, stores.Tasks.Delete(ctx, retry.TaskID))
	require.NoError(t, stores.Tasks.Delete(ctx, first.TaskID))
	all, err = stores.Tasks.GetAll(ctx, wfID)
	require.NoError(t, err)
	require.Empty(t, all)
}

func testTaskInvalidTransition(t *testing.T, stores *Stores) {
	ctx := context.Background()
	task := &api.TaskInstance{
		TaskID:            uuid.NewString(),
		TaskReferenceName: "t_ref",
		WorkflowID:        uuid.NewString(),
		TransactionID:     uuid.NewString(),
		Type:              api.TaskNodeTask,
		Status:            api.TaskScheduled,
		StartTime:         time.Now().UTC(),
	}
	require.NoError(t, stores.Tasks.Create(ctx, task))

	task.Status = api.TaskCompleted
	require.NoError(t, stores.Tasks.Update(ctx, task))

	task.Status = api.TaskInprogress
	require.ErrorIs(t, stores.Tasks.Update(ctx, task), api.ErrInvalidTransition)
}

func testWorkflowDefinitions(t *testing.T, stores *Stores) {
	ctx := context.Background()
	name := "order-" + uuid.NewString()

	def := sampleDefinition(name)
	require.NoError(t, stores.WorkflowDefs.Create(ctx, def))
	require.ErrorIs(t, stores.WorkflowDefs.Create(ctx, def), ErrDefinitionExists)

	rev2 := def
	rev2.Rev = "2"
	rev2.Description = "second revision"
	require.NoError(t, stores.WorkflowDefs.Create(ctx, rev2))

	got, err := stores.WorkflowDefs.Get(ctx, name, "2")
	require.NoError(t, err)
	require.Equal(t, "second revision", got.Description)

	got.Description = "amended"
	require.NoError(t, stores.WorkflowDefs.Update(ctx, got))
	got, err = stores.WorkflowDefs.Get(ctx, name, "2")
	require.NoError(t, err)
	require.Equal(t, "amended", got.Description)

	_, err = stores.WorkflowDefs.Get(ctx, name, "9")
	require.ErrorIs(t, err, ErrWorkflowDefinitionNotFound)

	missing := sampleDefinition("never-registered-" + uuid.NewString())
	require.ErrorIs(t, stores.WorkflowDefs.Update(ctx, missing), ErrWorkflowDefinitionNotFound)

	all, err := stores.WorkflowDefs.List(ctx)
	require.NoError(t, err)
	var revs []string
	for _, d := range all {
		if d.Name == name {
			revs = append(revs, d.Rev)
		}
	}
	require.Equal(t, []string{"1", "2"}, revs)
}

func testTaskDefinitions(t *testing.T, stores *Stores) {
	ctx := context.Background()
	name := "charge-" + uuid.NewString()

	def := api.TaskDefinition{Name: name, TimeoutSecond: 30}
	require.NoError(t, stores.TaskDefs.Create(ctx, def))
	require.ErrorIs(t, stores.TaskDefs.Create(ctx, def), ErrDefinitionExists)

	def.TimeoutSecond = 60
	require.NoError(t, stores.TaskDefs.Update(ctx, def))

	got, err := stores.TaskDefs.Get(ctx, name)
	require.NoError(t, err)
	require.Equal(t, 60, got.TimeoutSecond)

	_, err = stores.TaskDefs.Get(ctx, "never-registered")
	require.ErrorIs(t, err, ErrTaskDefinitionNotFound)

	all, err := stores.TaskDefs.List(ctx)
	require.NoError(t, err)
	found := false
	for _, d := range all {
		if d.Name == name {
			found = true
		}
	}
	require.True(t, found)
}

func testEventLog(t *testing.T, stores *Stores) {
	ctx := context.Background()
	txnID := uuid.NewString()

	for i := 0; i < 4; i++ {
		ev := api.Event{
			TransactionID: txnID,
			Type:          api.EventTask,
			Timestamp:     time.Now().UTC(),
			Details:       map[string]any{"step": float64(i)},
		}
		require.NoError(t, stores.Events.Append(ctx, ev))
	}

	got, err := stores.Events.ListByTransactionID(ctx, txnID)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, ev := range got {
		require.Equal(t, txnID, ev.TransactionID)
		details, ok := ev.Details.(map[string]any)
		require.True(t, ok)
		require.Equal(t, float64(i), details["step"], "append order must be preserved")
	}

	none, err := stores.Events.ListByTransactionID(ctx, uuid.NewString())
	require.NoError(t, err)
	require.Empty(t, none)
}
