package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/pkg/api"
)

func TestMemoryStores_Conformance(t *testing.T) {
	runStoreConformance(t, NewMemoryStores())
}

// Stored values must be isolated from caller mutations, the same way a
// remote backend isolates them.
func TestMemoryStores_CloneIsolation(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	tx := newTransaction(sampleDefinition("clone"))
	require.NoError(t, stores.Transactions.Create(ctx, tx))

	tx.Status = api.TransactionCompleted
	tx.Input = map[string]any{"mutated": true}

	got, err := stores.Transactions.Get(ctx, tx.TransactionID)
	require.NoError(t, err)
	require.Equal(t, api.TransactionRunning, got.Status)
	require.Equal(t, map[string]any{"orderId": "o-1"}, got.Input)

	// Mutating a read copy must not leak back either.
	got.Status = api.TransactionFailed
	again, err := stores.Transactions.Get(ctx, tx.TransactionID)
	require.NoError(t, err)
	require.Equal(t, api.TransactionRunning, again.Status)
}

// Values come back through the same JSON round-trip a remote backend would
// apply, so ints inside input maps surface as float64.
func TestMemoryStores_JSONValueSpace(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	task := &api.TaskInstance{
		TaskID:            uuid.NewString(),
		TaskReferenceName: "t1",
		WorkflowID:        uuid.NewString(),
		TransactionID:     uuid.NewString(),
		Type:              api.TaskNodeTask,
		Status:            api.TaskScheduled,
		Input:             map[string]any{"count": 3},
		StartTime:         time.Now().UTC(),
	}
	require.NoError(t, stores.Tasks.Create(ctx, task))

	got, err := stores.Tasks.Get(ctx, task.TaskID)
	require.NoError(t, err)
	in, ok := got.Input.(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(3), in["count"])
}
