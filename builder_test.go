package sagaflow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	sagaflow "github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/pkg/api"
)

func TestBuilderLinearWorkflow(t *testing.T) {
	def, err := sagaflow.NewWorkflow("PlaceOrder", "1").
		Description("order placement saga").
		OnFailure(sagaflow.StrategyCompensate).
		Task("reserveStock", "reserve", nil).
		TaskWithRetry("chargeCard", "charge", map[string]any{
			"reservation": "${reserve.output.reservationId}",
		}, 2, 10).
		Output(map[string]any{"chargeId": "${charge.output.chargeId}"}).
		Definition()
	require.NoError(t, err)

	require.Equal(t, "PlaceOrder", def.Name)
	require.Equal(t, "1", def.Rev)
	require.Equal(t, sagaflow.StrategyCompensate, def.FailureStrategy)
	require.Len(t, def.Tasks, 2)
	require.Equal(t, api.TaskNodeTask, def.Tasks[0].Type)
	require.Equal(t, "reserve", def.Tasks[0].TaskReferenceName)
	require.Equal(t, &api.TaskRetryPolicy{Limit: 2, Delay: 10}, def.Tasks[1].Retry)
	require.Equal(t, map[string]any{"chargeId": "${charge.output.chargeId}"}, def.OutputParameters)
}

func TestBuilderContainers(t *testing.T) {
	def, err := sagaflow.NewWorkflow("Fulfil", "1").
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
		Wait("cooldown", 30).
		SubWorkflow("notify", "NotifyCustomer", "2", map[string]any{"orderId": "${workflow.input.orderId}"}).
		Definition()
	require.NoError(t, err)

	require.Equal(t, api.TaskNodeParallel, def.Tasks[0].Type)
	require.Len(t, def.Tasks[0].ParallelTasks, 2)
	require.Equal(t, api.TaskNodeDecision, def.Tasks[1].Type)
	require.Equal(t, "${workflow.input.carrier}", def.Tasks[1].InputParameters["case"])
	require.Equal(t, api.TaskNodeSchedule, def.Tasks[2].Type)
	require.Equal(t, api.TaskNodeSubWorkflow, def.Tasks[3].Type)
	require.Equal(t, &api.WorkflowRef{Name: "NotifyCustomer", Rev: "2"}, def.Tasks[3].Workflow)
}

func TestBuilderRetryAndRecoveryPolicies(t *testing.T) {
	def, err := sagaflow.NewWorkflow("Retrying", "1").
		OnFailure(sagaflow.StrategyRetry).
		RetryPolicy(3, 60).
		Task("doWork", "work", nil).
		Definition()
	require.NoError(t, err)
	require.Equal(t, &api.WorkflowRetryPolicy{Limit: 3, DelaySecond: 60}, def.Retry)

	def, err = sagaflow.NewWorkflow("Recovering", "1").
		OnFailure(sagaflow.StrategyRecoveryWorkflow).
		RecoverWith("Cleanup", "1").
		Task("doWork", "work", nil).
		Definition()
	require.NoError(t, err)
	require.Equal(t, &api.WorkflowRef{Name: "Cleanup", Rev: "1"}, def.RecoveryWorkflow)
}

func TestBuilderRejectsInvalidDefinition(t *testing.T) {
	_, err := sagaflow.NewWorkflow("Dup", "1").
		Task("a", "same", nil).
		Task("b", "same", nil).
		Definition()
	require.ErrorIs(t, err, api.ErrInvalidDefinition)

	_, err = sagaflow.NewWorkflow("Empty", "1").Definition()
	require.ErrorIs(t, err, api.ErrInvalidDefinition)

	require.Panics(t, func() {
		sagaflow.NewWorkflow("NoRetry", "1").
			OnFailure(sagaflow.StrategyRetry).
			Task("a", "a", nil).
			MustDefinition()
	})
}

func TestBuilderRejectsEmptyReferenceName(t *testing.T) {
	require.Panics(t, func() {
		sagaflow.NewWorkflow("Bad", "1").Task("taskName", "", nil)
	})
}
