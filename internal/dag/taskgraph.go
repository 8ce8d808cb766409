package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

type edgeIndex struct {
	from int
	to   int
}

// TaskGraph is an immutable, validated DAG.
//
// It is safe for concurrent read access.
type TaskGraph struct {
	nodesByID map[TaskID]*TaskNode
	nodes     []*TaskNode // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, sorted ascending
	incoming [][]int // by canonical index, sorted ascending
	indeg    []int   // by canonical index
	depth    []int   // by canonical index (topological depth)

	files     map[string]*FileHandle
	filePaths []string // sorted

	hash GraphHash
}

func newTaskGraph(nodes []*TaskNode, edges []Edge, files map[string]*FileHandle) (*TaskGraph, error) {
	nodesByID := make(map[TaskID]*TaskNode, len(nodes))
	for _, n := range nodes {
		nodesByID[n.ID] = n
	}

	// Canonicalize nodes: sort by definition hash primarily, then by id as stable tie-breaker.
	sort.Slice(nodes, func(i, j int) bool {
		ai, aj := nodes[i], nodes[j]
		if ai.DefinitionHash != aj.DefinitionHash {
			return ai.DefinitionHash < aj.DefinitionHash
		}
		return ai.ID < aj.ID
	})
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	mapped := make([]edgeIndex, 0, len(edges))
	for _, e := range edges {
		from, okFrom := nodesByID[e.From]
		to, okTo := nodesByID[e.To]
		if !okFrom || !okTo {
			return nil, invalidf("edge references unknown task: %q -> %q", e.From, e.To)
		}
		if from == to {
			return nil, newCycleError([]TaskID{from.ID, from.ID})
		}
		mapped = append(mapped, edgeIndex{from: from.canonicalIndex, to: to.canonicalIndex})
	}
	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}

	filePaths := make([]string, 0, len(files))
	for p := range files {
		filePaths = append(filePaths, p)
	}
	sort.Strings(filePaths)

	g := &TaskGraph{
		nodesByID: nodesByID,
		nodes:     nodes,
		edges:     mapped,
		outgoing:  outgoing,
		incoming:  incoming,
		indeg:     indeg,
		files:     files,
		filePaths: filePaths,
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}

	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity for this graph.
func (g *TaskGraph) Hash() GraphHash { return g.hash }

// Len returns the number of tasks.
func (g *TaskGraph) Len() int { return len(g.nodes) }

// Node returns a node by id.
func (g *TaskGraph) Node(id TaskID) (*TaskNode, bool) {
	n, ok := g.nodesByID[id]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *TaskGraph) Nodes() []*TaskNode {
	out := make([]*TaskNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the dependency edges in canonical order.
func (g *TaskGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].ID, To: g.nodes[e.to].ID})
	}
	return out
}

// Dependencies returns the tasks id directly depends on, sorted by id.
func (g *TaskGraph) Dependencies(id TaskID) []TaskID {
	n, ok := g.nodesByID[id]
	if !ok {
		return nil
	}
	return g.idsOf(g.incoming[n.canonicalIndex])
}

// Dependents returns the tasks that directly depend on id, sorted by id.
func (g *TaskGraph) Dependents(id TaskID) []TaskID {
	n, ok := g.nodesByID[id]
	if !ok {
		return nil
	}
	return g.idsOf(g.outgoing[n.canonicalIndex])
}

func (g *TaskGraph) idsOf(indices []int) []TaskID {
	out := make([]TaskID, 0, len(indices))
	for _, i := range indices {
		out = append(out, g.nodes[i].ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Depth returns the length of the longest path from any root task to id.
func (g *TaskGraph) Depth(id TaskID) (int, bool) {
	n, ok := g.nodesByID[id]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

func (g *TaskGraph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		maxParent := 0
		for _, p := range g.incoming[u] {
			if cand := depth[p] + 1; cand > maxParent {
				maxParent = cand
			}
		}
		depth[u] = maxParent
	}
	return depth
}

// TopologicalOrder returns a deterministic topological ordering of task ids.
func (g *TaskGraph) TopologicalOrder() []TaskID {
	order := g.topoOrderIndices()
	ids := make([]TaskID, 0, len(order))
	for _, idx := range order {
		ids = append(ids, g.nodes[idx].ID)
	}
	return ids
}

// Files returns every file handle, sorted by path.
func (g *TaskGraph) Files() []FileHandle {
	out := make([]FileHandle, 0, len(g.filePaths))
	for _, p := range g.filePaths {
		h := *g.files[p]
		h.Consumers = append([]TaskID(nil), h.Consumers...)
		out = append(out, h)
	}
	return out
}

// RootInputs returns the consumed paths no task produces, sorted.
func (g *TaskGraph) RootInputs() []string {
	var out []string
	for _, p := range g.filePaths {
		if h := g.files[p]; h.IsRoot() {
			out = append(out, p)
		}
	}
	return out
}

// Outputs returns every declared output path, sorted.
func (g *TaskGraph) Outputs() []string {
	var out []string
	for _, p := range g.filePaths {
		if !g.files[p].IsRoot() {
			out = append(out, p)
		}
	}
	return out
}

// Producer returns the task that declares path as an output.
func (g *TaskGraph) Producer(path string) (TaskID, bool) {
	h, ok := g.files[path]
	if !ok || h.IsRoot() {
		return "", false
	}
	return h.Producer, true
}

func (g *TaskGraph) computeGraphHash() GraphHash {
	h := sha256.New()

	writeCount(h, len(g.nodes))
	for _, n := range g.nodes {
		writeField(h, []byte(n.DefinitionHash))
	}

	writeCount(h, len(g.edges))
	for _, e := range g.edges {
		writeCount(h, e.from)
		writeCount(h, e.to)
	}

	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}
