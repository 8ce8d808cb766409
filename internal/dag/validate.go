package dag

import "container/heap"

// indexHeap pops node indices smallest first, so every traversal over it
// visits nodes in canonical order.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// kahn runs Kahn's algorithm and returns the emitted order together with the
// remaining in-degree of every node. Nodes left with a positive in-degree
// sit on, or downstream of, a cycle.
func (g *TaskGraph) kahn() ([]int, []int) {
	indeg := append([]int(nil), g.indeg...)

	ready := &indexHeap{}
	for i, d := range indeg {
		if d == 0 {
			*ready = append(*ready, i)
		}
	}
	heap.Init(ready)

	order := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		order = append(order, u)
		for _, v := range g.outgoing[u] {
			if indeg[v]--; indeg[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}
	return order, indeg
}

func (g *TaskGraph) topoOrderIndices() []int {
	order, _ := g.kahn()
	return order
}

// validateAcyclic returns a *CycleError when Kahn's algorithm cannot emit
// every node.
func (g *TaskGraph) validateAcyclic() error {
	order, indeg := g.kahn()
	if len(order) == len(g.nodes) {
		return nil
	}
	return newCycleError(g.cycleWitness(indeg))
}

// cycleWitness extracts one cycle from the nodes Kahn left behind.
//
// Every leftover node has at least one leftover predecessor, so walking
// predecessors from the smallest leftover index must revisit a node. The
// revisited segment, reversed, is a cycle in edge order closed on its first
// task.
func (g *TaskGraph) cycleWitness(indeg []int) []TaskID {
	start := -1
	for i, d := range indeg {
		if d > 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	seenAt := make(map[int]int)
	var walk []int
	for u := start; ; {
		if at, ok := seenAt[u]; ok {
			walk = append(walk[at:], u)
			break
		}
		seenAt[u] = len(walk)
		walk = append(walk, u)

		next := -1
		for _, p := range g.incoming[u] {
			if indeg[p] > 0 {
				next = p
				break
			}
		}
		if next < 0 {
			return nil
		}
		u = next
	}

	path := make([]TaskID, len(walk))
	for i, idx := range walk {
		path[len(walk)-1-i] = g.nodes[idx].ID
	}
	return path
}
