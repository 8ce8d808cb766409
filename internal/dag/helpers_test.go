package dag

import (
	"testing"

	"taskweave/internal/core"
)

func task(name string, inputs, outputs []string) core.Task {
	return core.Task{Name: name, Command: "run-" + name, Inputs: inputs, Outputs: outputs}
}

func buildGraph(t *testing.T, root string, tasks ...core.Task) *TaskGraph {
	t.Helper()
	g, err := tryBuild(root, tasks...)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	return g
}

func tryBuild(root string, tasks ...core.Task) (*TaskGraph, error) {
	b := NewBuilder(root)
	for _, tk := range tasks {
		if _, err := b.AddTask(tk); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// diamond: A -> B, A -> C, B -> D, C -> D.
func diamond(t *testing.T) *TaskGraph {
	return buildGraph(t, t.TempDir(),
		task("A", []string{"src"}, []string{"a"}),
		task("B", []string{"a"}, []string{"b"}),
		task("C", []string{"a"}, []string{"c"}),
		task("D", []string{"b", "c"}, []string{"d"}),
	)
}
