package dag

import (
	"fmt"
	"sort"

	"taskweave/internal/core"
)

// Builder collects task records and derives the dependency graph from their
// declared file relationships.
type Builder struct {
	root    string
	exclude []string
	tasks   []core.Task
	ids     map[TaskID]struct{}
}

// NewBuilder creates a Builder resolving input patterns under root.
func NewBuilder(root string) *Builder {
	return &Builder{root: root, ids: make(map[TaskID]struct{})}
}

// Exclude keeps input globs out of the given workspace-relative
// directories. Paths that are not under the workspace are ignored.
func (b *Builder) Exclude(dirs ...string) *Builder {
	for _, d := range dirs {
		if p, err := core.CleanPath(d); err == nil && p != "." {
			b.exclude = append(b.exclude, p)
		}
	}
	return b
}

// AddTask validates a task record and returns its id.
//
// A task without a name gets the id "task-<n>", n being its insertion index.
func (b *Builder) AddTask(t core.Task) (TaskID, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	id := TaskID(t.Name)
	if id == "" {
		id = TaskID(fmt.Sprintf("task-%d", len(b.tasks)))
	}
	if _, exists := b.ids[id]; exists {
		return "", invalidf("duplicate task name: %q", id)
	}
	b.ids[id] = struct{}{}
	t.Name = string(id)
	b.tasks = append(b.tasks, t)
	return id, nil
}

// Build derives edges and validates the graph.
//
// One pass over outputs builds the producer index; one pass over inputs
// builds the consumer index and the edges. Returns *CycleError when the
// derived edges form a cycle.
func (b *Builder) Build() (*TaskGraph, error) {
	if len(b.tasks) == 0 {
		return nil, invalidf("no tasks")
	}

	producers := make(map[string]TaskID)
	outputs := make([][]string, len(b.tasks))
	var allOutputs []string
	for i, t := range b.tasks {
		id := TaskID(t.Name)
		outs := make([]string, 0, len(t.Outputs))
		for _, o := range t.Outputs {
			p, err := core.CleanPath(o)
			if err != nil {
				return nil, invalidf("task %q output %q: %v", id, o, err)
			}
			if prev, ok := producers[p]; ok {
				return nil, invalidf("output %q is produced by both %q and %q", p, prev, id)
			}
			producers[p] = id
			outs = append(outs, p)
			allOutputs = append(allOutputs, p)
		}
		sort.Strings(outs)
		outputs[i] = outs
	}
	sort.Strings(allOutputs)

	resolver := core.NewInputResolver(b.root, b.exclude...)
	files := make(map[string]*FileHandle)
	handle := func(p string) *FileHandle {
		h, ok := files[p]
		if !ok {
			h = &FileHandle{Path: p}
			files[p] = h
		}
		return h
	}

	nodes := make([]*TaskNode, 0, len(b.tasks))
	var edges []Edge
	seenEdge := make(map[Edge]struct{})
	for i, t := range b.tasks {
		id := TaskID(t.Name)

		literal := make(map[string]struct{})
		for _, in := range t.Inputs {
			if core.IsPattern(in) {
				continue
			}
			if p, err := core.CleanPath(in); err == nil {
				literal[p] = struct{}{}
			}
		}

		resolved, err := resolver.Resolve(t.Inputs, allOutputs)
		if err != nil {
			return nil, invalidf("task %q inputs: %v", id, err)
		}
		inputs := make([]string, 0, len(resolved))
		for _, in := range resolved {
			if producers[in] == id {
				if _, ok := literal[in]; ok {
					return nil, invalidf("task %q consumes its own output %q", id, in)
				}
				continue
			}
			inputs = append(inputs, in)
			h := handle(in)
			h.Consumers = append(h.Consumers, id)
			if prod, ok := producers[in]; ok {
				e := Edge{From: prod, To: id}
				if _, dup := seenEdge[e]; !dup {
					seenEdge[e] = struct{}{}
					edges = append(edges, e)
				}
			}
		}
		for _, o := range outputs[i] {
			handle(o).Producer = id
		}

		nodes = append(nodes, &TaskNode{
			ID:             id,
			Task:           t,
			Inputs:         inputs,
			Outputs:        outputs[i],
			DefinitionHash: computeTaskDefHash(t, t.Inputs, outputs[i]),
		})
	}

	for _, h := range files {
		sort.Slice(h.Consumers, func(i, j int) bool { return h.Consumers[i] < h.Consumers[j] })
	}

	return newTaskGraph(nodes, edges, files)
}
