package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/pkg/api"
)

func testRefContext() referenceContext {
	wf := &api.WorkflowInstance{
		Input: map[string]any{
			"orderId": "o-42",
			"amount":  float64(99.5),
			"lines":   []any{map[string]any{"sku": "a"}, map[string]any{"sku": "b"}},
		},
	}
	tasks := []*api.TaskInstance{
		{
			TaskReferenceName: "charge",
			Input:             map[string]any{"amount": float64(99.5)},
			Output:            map[string]any{"chargeId": "ch-1", "ok": true},
		},
		{
			TaskReferenceName: "charge",
			IsRetried:         true,
			Output:            map[string]any{"chargeId": "stale"},
		},
	}
	return buildReferenceContext(wf, tasks)
}

func TestResolveWholeStringKeepsType(t *testing.T) {
	refCtx := testRefContext()

	v, err := resolveValue("${workflow.input.amount}", refCtx, false)
	require.NoError(t, err)
	require.Equal(t, float64(99.5), v)

	v, err = resolveValue("${charge.output.ok}", refCtx, false)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = resolveValue("${workflow.input.lines.1.sku}", refCtx, false)
	require.NoError(t, err)
	require.Equal(t, "b", v)
}

func TestResolveRetriedInstanceIsInvisible(t *testing.T) {
	v, err := resolveValue("${charge.output.chargeId}", testRefContext(), false)
	require.NoError(t, err)
	require.Equal(t, "ch-1", v)
}

func TestResolveMixedStringifies(t *testing.T) {
	v, err := resolveValue("order ${workflow.input.orderId}: ${workflow.input.amount}", testRefContext(), false)
	require.NoError(t, err)
	require.Equal(t, "order o-42: 99.5", v)
}

func TestResolveNested(t *testing.T) {
	in := map[string]any{
		"id":   "${workflow.input.orderId}",
		"refs": []any{"${charge.output.chargeId}", "literal"},
	}
	v, err := resolveValue(in, testRefContext(), false)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"id":   "o-42",
		"refs": []any{"ch-1", "literal"},
	}, v)
}

func TestResolveUnresolvedLenient(t *testing.T) {
	refCtx := testRefContext()

	v, err := resolveValue("${nope.output.x}", refCtx, false)
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = resolveValue("got: ${nope.output.x}", refCtx, false)
	require.NoError(t, err)
	require.Equal(t, "got: ", v)
}

func TestResolveUnresolvedStrict(t *testing.T) {
	refCtx := testRefContext()

	_, err := resolveValue("${nope.output.x}", refCtx, true)
	require.ErrorIs(t, err, api.ErrUnknownReference)

	_, err = resolveValue("got: ${nope.output.x}", refCtx, true)
	require.ErrorIs(t, err, api.ErrUnknownReference)
}

func TestResolveNonStringPassthrough(t *testing.T) {
	refCtx := testRefContext()

	v, err := resolveValue(float64(7), refCtx, true)
	require.NoError(t, err)
	require.Equal(t, float64(7), v)

	v, err = resolveValue(nil, refCtx, true)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestStringifyRef(t *testing.T) {
	require.Equal(t, "", stringifyRef(nil))
	require.Equal(t, "x", stringifyRef("x"))
	require.Equal(t, "2", stringifyRef(float64(2)))
	require.Equal(t, "2.5", stringifyRef(float64(2.5)))
	require.Equal(t, "true", stringifyRef(true))
	require.Equal(t, `{"a":1}`, stringifyRef(map[string]any{"a": float64(1)}))
}
