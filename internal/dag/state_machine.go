package dag

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether s is a final state.
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped, TaskCached:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether s lets dependents run.
func IsSuccessful(s TaskState) bool {
	switch s {
	case TaskSucceeded, TaskCached:
		return true
	default:
		return false
	}
}

// Transition moves id from one state to another. state is only changed when
// id is currently in from and the move is allowed.
func Transition(state ExecutionState, id TaskID, from, to TaskState) error {
	cur, ok := state[id]
	if !ok {
		return fmt.Errorf("unknown task in state: %q", id)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", id, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", id, from, to)
	}
	state[id] = to
	return nil
}

// transitions lists the allowed successors of each non-terminal state.
// CACHED is reachable without RUNNING for hits found before dispatch.
var transitions = map[TaskState][]TaskState{
	TaskPending: {TaskReady, TaskCached, TaskSkipped},
	TaskReady:   {TaskRunning, TaskCached, TaskSkipped},
	TaskRunning: {TaskSucceeded, TaskFailed, TaskCached},
}

func isAllowedTransition(from, to TaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailAndPropagate marks id FAILED and transitively marks every downstream
// dependent SKIPPED. It returns the newly skipped tasks in traversal order.
//
// Traversal is in canonical index order, so the skipped set and its order
// depend only on reachability. A downstream task found RUNNING is an
// invariant violation: it could not have been dispatched before id succeeded.
func FailAndPropagate(g *TaskGraph, state ExecutionState, id TaskID) ([]TaskID, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByID[id]
	if !ok {
		return nil, fmt.Errorf("unknown task: %q", id)
	}

	cur, ok := state[id]
	if !ok {
		return nil, fmt.Errorf("unknown task in state: %q", id)
	}
	switch cur {
	case TaskRunning:
		state[id] = TaskFailed
	case TaskFailed:
	default:
		return nil, fmt.Errorf("cannot fail %q from state %s", id, cur)
	}

	start := node.canonicalIndex
	visited := make([]bool, len(g.nodes))
	visited[start] = true

	hq := &indexHeap{}
	heap.Init(hq)
	for _, d := range g.outgoing[start] {
		heap.Push(hq, d)
	}

	var skipped []TaskID
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		dep := g.nodes[u].ID
		st, ok := state[dep]
		if !ok {
			return skipped, fmt.Errorf("missing state for %q", dep)
		}

		switch st {
		case TaskPending, TaskReady:
			state[dep] = TaskSkipped
			skipped = append(skipped, dep)
		case TaskRunning:
			return skipped, fmt.Errorf("invariant violation: downstream task %q is RUNNING during failure propagation", dep)
		default:
			// Already terminal; leave unchanged.
		}

		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}

	return skipped, nil
}
