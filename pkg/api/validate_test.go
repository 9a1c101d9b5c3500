package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validNode(name, ref string) TaskNode {
	return TaskNode{Type: TaskNodeTask, Name: name, TaskReferenceName: ref}
}

func TestValidateWorkflowDefinition(t *testing.T) {
	base := func(tasks ...TaskNode) WorkflowDefinition {
		return WorkflowDefinition{
			Name:            "order",
			Rev:             "1",
			FailureStrategy: StrategyFailed,
			Tasks:           tasks,
		}
	}

	tests := []struct {
		name     string
		def      WorkflowDefinition
		problems []string
	}{
		{
			name: "valid linear",
			def:  base(validNode("reserve", "t1"), validNode("charge", "t2")),
		},
		{
			name: "valid nested containers",
			def: base(
				TaskNode{
					Type:              TaskNodeDecision,
					TaskReferenceName: "route",
					Decisions: map[string][]TaskNode{
						"card": {validNode("charge", "c1")},
					},
					DefaultDecision: []TaskNode{validNode("manual", "m1")},
				},
				TaskNode{
					Type:              TaskNodeParallel,
					TaskReferenceName: "fork",
					ParallelTasks: [][]TaskNode{
						{validNode("ship", "s1")},
						{validNode("notify", "n1")},
					},
				},
				TaskNode{
					Type:              TaskNodeSubWorkflow,
					TaskReferenceName: "sub",
					Workflow:          &WorkflowRef{Name: "child", Rev: "2"},
				},
			),
		},
		{
			name: "bad name and rev",
			def: WorkflowDefinition{
				Name:            "no spaces allowed",
				Rev:             "a/b",
				FailureStrategy: StrategyFailed,
				Tasks:           []TaskNode{validNode("a", "t1")},
			},
			problems: []string{
				`workflowDefinition.name: invalid name "no spaces allowed"`,
				`workflowDefinition.rev: invalid rev "a/b"`,
			},
		},
		{
			name: "unknown strategy",
			def: WorkflowDefinition{
				Name:            "order",
				Rev:             "1",
				FailureStrategy: "EXPLODE",
				Tasks:           []TaskNode{validNode("a", "t1")},
			},
			problems: []string{
				`workflowDefinition.failureStrategy: unknown strategy "EXPLODE"`,
			},
		},
		{
			name: "retry strategy without policy",
			def: WorkflowDefinition{
				Name:            "order",
				Rev:             "1",
				FailureStrategy: StrategyRetry,
				Tasks:           []TaskNode{validNode("a", "t1")},
			},
			problems: []string{
				`workflowDefinition.retry: retry policy is required for strategy RETRY`,
			},
		},
		{
			name: "negative workflow retry fields",
			def: WorkflowDefinition{
				Name:            "order",
				Rev:             "1",
				FailureStrategy: StrategyRetry,
				Retry:           &WorkflowRetryPolicy{Limit: -1, DelaySecond: -2},
				Tasks:           []TaskNode{validNode("a", "t1")},
			},
			problems: []string{
				`workflowDefinition.retry.limit: must be non-negative`,
				`workflowDefinition.retry.delaySecond: must be non-negative`,
			},
		},
		{
			name: "recovery strategy without ref",
			def: WorkflowDefinition{
				Name:            "order",
				Rev:             "1",
				FailureStrategy: StrategyRecoveryWorkflow,
				Tasks:           []TaskNode{validNode("a", "t1")},
			},
			problems: []string{
				`workflowDefinition.recoveryWorkflow: recovery workflow is required for strategy RECOVERY_WORKFLOW`,
			},
		},
		{
			name: "recovery ref with bad names",
			def: WorkflowDefinition{
				Name:             "order",
				Rev:              "1",
				FailureStrategy:  StrategyRecoveryWorkflow,
				RecoveryWorkflow: &WorkflowRef{Name: "clean up", Rev: "v 2"},
				Tasks:            []TaskNode{validNode("a", "t1")},
			},
			problems: []string{
				`workflowDefinition.recoveryWorkflow.name: invalid name "clean up"`,
				`workflowDefinition.recoveryWorkflow.rev: invalid rev "v 2"`,
			},
		},
		{
			name: "empty task list",
			def: WorkflowDefinition{
				Name:            "order",
				Rev:             "1",
				FailureStrategy: StrategyFailed,
			},
			problems: []string{
				`workflowDefinition.tasks: must not be empty`,
			},
		},
		{
			name: "empty reference name",
			def:  base(validNode("a", "")),
			problems: []string{
				`workflowDefinition.tasks[0].taskReferenceName: invalid reference name ""`,
			},
		},
		{
			name: "duplicate reference across nesting",
			def: base(
				validNode("a", "dup"),
				TaskNode{
					Type:              TaskNodeParallel,
					TaskReferenceName: "fork",
					ParallelTasks: [][]TaskNode{
						{validNode("b", "dup")},
					},
				},
			),
			problems: []string{
				`workflowDefinition.tasks[1].parallelTasks[0].tasks[0].taskReferenceName: duplicate reference name "dup" (first used at workflowDefinition.tasks[0])`,
			},
		},
		{
			name: "bad task name inside decision branch",
			def: base(TaskNode{
				Type:              TaskNodeDecision,
				TaskReferenceName: "route",
				Decisions: map[string][]TaskNode{
					"express": {validNode("bad name", "e1")},
				},
				DefaultDecision: []TaskNode{validNode("manual", "m1")},
			}),
			problems: []string{
				`workflowDefinition.tasks[0].decisions["express"].tasks[0].name: invalid task name "bad name"`,
			},
		},
		{
			name: "empty decision branch and default",
			def: base(TaskNode{
				Type:              TaskNodeDecision,
				TaskReferenceName: "route",
				Decisions: map[string][]TaskNode{
					"never": {},
				},
			}),
			problems: []string{
				`workflowDefinition.tasks[0].defaultDecision: must not be empty`,
				`workflowDefinition.tasks[0].decisions["never"]: branch must not be empty`,
			},
		},
		{
			name: "empty parallel lane",
			def: base(TaskNode{
				Type:              TaskNodeParallel,
				TaskReferenceName: "fork",
				ParallelTasks: [][]TaskNode{
					{validNode("a", "t1")},
					{},
				},
			}),
			problems: []string{
				`workflowDefinition.tasks[0].parallelTasks[1]: lane must not be empty`,
			},
		},
		{
			name: "sub-workflow without ref",
			def: base(TaskNode{
				Type:              TaskNodeSubWorkflow,
				TaskReferenceName: "sub",
			}),
			problems: []string{
				`workflowDefinition.tasks[0].workflow: sub-workflow reference is required`,
			},
		},
		{
			name: "sub-workflow with bad rev",
			def: base(TaskNode{
				Type:              TaskNodeSubWorkflow,
				TaskReferenceName: "sub",
				Workflow:          &WorkflowRef{Name: "child", Rev: "v 2"},
			}),
			problems: []string{
				`workflowDefinition.tasks[0].workflow.rev: invalid rev "v 2"`,
			},
		},
		{
			name: "negative task retry fields",
			def: base(TaskNode{
				Type:              TaskNodeTask,
				Name:              "charge",
				TaskReferenceName: "t1",
				Retry:             &TaskRetryPolicy{Limit: -1, Delay: -1},
			}),
			problems: []string{
				`workflowDefinition.tasks[0].retry.limit: must be non-negative`,
				`workflowDefinition.tasks[0].retry.delay: must be non-negative`,
			},
		},
		{
			name: "unknown node type",
			def: base(TaskNode{
				Type:              "LOOP",
				TaskReferenceName: "t1",
			}),
			problems: []string{
				`workflowDefinition.tasks[0].type: unknown task type "LOOP"`,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateWorkflowDefinition(tc.def)
			if len(tc.problems) == 0 {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidDefinition)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.problems, verr.Problems)
		})
	}
}

func TestValidateTaskDefinition(t *testing.T) {
	require.NoError(t, ValidateTaskDefinition(TaskDefinition{Name: "charge"}))

	err := ValidateTaskDefinition(TaskDefinition{
		Name:             "bad name",
		Retry:            TaskRetryPolicy{Limit: -1, Delay: -2},
		TimeoutSecond:    -1,
		AckTimeoutSecond: -1,
	})
	require.ErrorIs(t, err, ErrInvalidDefinition)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{
		`taskDefinition.name: invalid name "bad name"`,
		`taskDefinition.retry.limit: must be non-negative`,
		`taskDefinition.retry.delay: must be non-negative`,
		`taskDefinition.timeoutSecond: must be non-negative`,
		`taskDefinition.ackTimeoutSecond: must be non-negative`,
	}, verr.Problems)
}
