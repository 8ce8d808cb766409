package dag

import "sort"

// GetReadyTasks returns every PENDING task whose dependencies are all
// SUCCEEDED or CACHED, ordered by depth and then id. It does not mutate
// g or state.
func GetReadyTasks(g *TaskGraph, state ExecutionState) []TaskID {
	if g == nil {
		return nil
	}

	var ready []int
	for i, node := range g.nodes {
		if state[node.ID] == TaskPending && g.depsSatisfied(i, state) {
			ready = append(ready, i)
		}
	}
	sort.Slice(ready, func(a, b int) bool {
		ia, ib := ready[a], ready[b]
		if g.depth[ia] != g.depth[ib] {
			return g.depth[ia] < g.depth[ib]
		}
		return g.nodes[ia].ID < g.nodes[ib].ID
	})
	ids := make([]TaskID, len(ready))
	for i, idx := range ready {
		ids[i] = g.nodes[idx].ID
	}
	return ids
}

func (g *TaskGraph) depsSatisfied(idx int, state ExecutionState) bool {
	for _, p := range g.incoming[idx] {
		if !IsSuccessful(state[g.nodes[p].ID]) {
			return false
		}
	}
	return true
}
