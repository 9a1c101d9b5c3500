package engine

import (
	"sort"

	"github.com/petrijr/sagaflow/pkg/api"
)

// taskIndex holds the live (non-retried) task instance per reference name.
type taskIndex map[string]*api.TaskInstance

func buildTaskIndex(tasks []*api.TaskInstance) taskIndex {
	idx := make(taskIndex, len(tasks))
	for _, t := range tasks {
		if t.IsRetried {
			continue
		}
		idx[t.TaskReferenceName] = t
	}
	return idx
}

// pathFrame is one level of the location of a node in the task tree: the
// list it sits in and its index there. Frame 0 is always the definition's
// top-level task list; deeper frames are parallel lanes or decision
// branches of the node one frame up.
type pathFrame struct {
	list []api.TaskNode
	idx  int
}

func (f pathFrame) node() *api.TaskNode { return &f.list[f.idx] }

// childLists enumerates the nested task lists of a container node in a
// stable order.
func childLists(node *api.TaskNode) [][]api.TaskNode {
	switch node.Type {
	case api.TaskNodeParallel:
		return node.ParallelTasks
	case api.TaskNodeDecision:
		keys := make([]string, 0, len(node.Decisions))
		for k := range node.Decisions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lists := make([][]api.TaskNode, 0, len(keys)+1)
		for _, k := range keys {
			lists = append(lists, node.Decisions[k])
		}
		lists = append(lists, node.DefaultDecision)
		return lists
	default:
		return nil
	}
}

// findPath locates a node by reference name. Explicit-stack depth-first
// search; deep Decision/Parallel nesting must not grow the call stack.
func findPath(top []api.TaskNode, ref string) ([]pathFrame, bool) {
	type searchFrame struct {
		list  []api.TaskNode
		idx   int
		child int
	}

	stack := []searchFrame{{list: top}}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.idx >= len(f.list) {
			stack = stack[:len(stack)-1]
			continue
		}

		node := &f.list[f.idx]
		if f.child == 0 && node.TaskReferenceName == ref {
			path := make([]pathFrame, len(stack))
			for i, sf := range stack {
				path[i] = pathFrame{list: sf.list, idx: sf.idx}
			}
			return path, true
		}

		lists := childLists(node)
		if f.child < len(lists) {
			next := lists[f.child]
			f.child++
			stack = append(stack, searchFrame{list: next})
			continue
		}

		f.idx++
		f.child = 0
	}
	return nil, false
}

// nextAfter returns the node to schedule after the task with the given
// reference name completed. done reports that the whole workflow is
// complete; (nil, false) means other parallel lanes are still running and
// nothing is schedulable from here.
func nextAfter(tasks []api.TaskNode, ref string, idx taskIndex) (*api.TaskNode, bool) {
	path, ok := findPath(tasks, ref)
	if !ok {
		return nil, false
	}

	for depth := len(path) - 1; depth >= 0; depth-- {
		frame := path[depth]
		if frame.idx+1 < len(frame.list) {
			return &frame.list[frame.idx+1], false
		}

		if depth == 0 {
			return nil, true
		}

		parent := path[depth-1].node()
		switch parent.Type {
		case api.TaskNodeParallel:
			if !lanesComplete(parent, idx) {
				return nil, false
			}
		case api.TaskNodeDecision:
			// The chosen branch finished; the decision node is done.
		}
	}
	return nil, true
}

// laneHeads returns the first node of each non-empty lane of a Parallel
// node.
func laneHeads(node *api.TaskNode) []*api.TaskNode {
	var heads []*api.TaskNode
	for i := range node.ParallelTasks {
		if len(node.ParallelTasks[i]) > 0 {
			heads = append(heads, &node.ParallelTasks[i][0])
		}
	}
	return heads
}

// branchFor returns the decision branch for the resolved case key, falling
// back to the default branch when the key is absent.
func branchFor(node *api.TaskNode, key string) []api.TaskNode {
	if branch, ok := node.Decisions[key]; ok {
		return branch
	}
	return node.DefaultDecision
}

// chosenCase reads the case key a completed Decision task selected.
func chosenCase(inst *api.TaskInstance) string {
	out, ok := inst.Output.(map[string]any)
	if !ok {
		return ""
	}
	key, _ := out["case"].(string)
	return key
}

// lanesComplete reports whether every lane of a Parallel node has run to
// completion.
func lanesComplete(node *api.TaskNode, idx taskIndex) bool {
	for _, lane := range node.ParallelTasks {
		if !nodesComplete(lane, idx) {
			return false
		}
	}
	return true
}

// nodesComplete reports whether every node in a list is Completed,
// descending into container nodes.
func nodesComplete(nodes []api.TaskNode, idx taskIndex) bool {
	for i := range nodes {
		node := &nodes[i]
		inst, ok := idx[node.TaskReferenceName]
		if !ok || inst.Status != api.TaskCompleted {
			return false
		}
		switch node.Type {
		case api.TaskNodeParallel:
			if !lanesComplete(node, idx) {
				return false
			}
		case api.TaskNodeDecision:
			if !nodesComplete(branchFor(node, chosenCase(inst)), idx) {
				return false
			}
		}
	}
	return true
}
