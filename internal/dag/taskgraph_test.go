package dag

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"taskweave/internal/core"
)

func TestGraphConstruction_SingleNode(t *testing.T) {
	g := buildGraph(t, t.TempDir(), task("A", []string{"in.txt"}, []string{"out.txt"}))

	if g.Hash() == "" {
		t.Fatalf("expected non-empty graph hash")
	}
	if got := g.TopologicalOrder(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("unexpected topo order: %v", got)
	}
	if got := g.RootInputs(); !reflect.DeepEqual(got, []string{"in.txt"}) {
		t.Fatalf("unexpected root inputs: %v", got)
	}
	if p, ok := g.Producer("out.txt"); !ok || p != "A" {
		t.Fatalf("unexpected producer: %q %v", p, ok)
	}
}

func TestGraphConstruction_EdgesFromFileOverlap(t *testing.T) {
	g := buildGraph(t, t.TempDir(),
		task("T2", []string{"b.txt"}, []string{"c.txt"}),
		task("T1", []string{"a.txt"}, []string{"b.txt"}),
	)

	if got, want := g.Edges(), []Edge{{From: "T1", To: "T2"}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("edges: got %v want %v", got, want)
	}
	if got := g.Dependencies("T2"); !reflect.DeepEqual(got, []TaskID{"T1"}) {
		t.Fatalf("dependencies: %v", got)
	}
	if got := g.Dependents("T1"); !reflect.DeepEqual(got, []TaskID{"T2"}) {
		t.Fatalf("dependents: %v", got)
	}
	if d, _ := g.Depth("T2"); d != 1 {
		t.Fatalf("expected T2 at depth 1, got %d", d)
	}
	if got := g.RootInputs(); !reflect.DeepEqual(got, []string{"a.txt"}) {
		t.Fatalf("b.txt is produced, only a.txt is a root: %v", got)
	}
}

func TestGraphConstruction_DiamondDependency(t *testing.T) {
	g := diamond(t)

	order := g.TopologicalOrder()
	pos := map[TaskID]int{}
	for i, n := range order {
		pos[n] = i
	}
	if !(pos["A"] < pos["B"] && pos["A"] < pos["C"]) {
		t.Fatalf("expected A before B and C, got %v", order)
	}
	if !(pos["B"] < pos["D"] && pos["C"] < pos["D"]) {
		t.Fatalf("expected D after B and C, got %v", order)
	}

	countToD := 0
	for _, e := range g.Edges() {
		if e.To == "D" {
			countToD++
		}
	}
	if countToD != 2 {
		t.Fatalf("expected D to have 2 incoming edges, got %d", countToD)
	}

	for _, fh := range g.Files() {
		if fh.Path == "a" && !reflect.DeepEqual(fh.Consumers, []TaskID{"B", "C"}) {
			t.Fatalf("a consumers: %v", fh.Consumers)
		}
	}
}

func TestGraphConstruction_GlobInputsMatchDeclaredOutputs(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "main.c"), []byte("int main;"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := buildGraph(t, root,
		task("compile", []string{"src/*.c"}, []string{"obj/main.o"}),
		task("link", []string{"obj/**/*.o"}, []string{"bin/app"}),
	)

	if got := g.Dependencies("link"); !reflect.DeepEqual(got, []TaskID{"compile"}) {
		t.Fatalf("glob input should depend on producer: %v", got)
	}
	n, _ := g.Node("compile")
	if !reflect.DeepEqual(n.Inputs, []string{"src/main.c"}) {
		t.Fatalf("compile inputs: %v", n.Inputs)
	}
}

func TestGraphConstruction_AutoNamesByInsertionOrder(t *testing.T) {
	b := NewBuilder(t.TempDir())
	id0, err := b.AddTask(core.Task{Command: "true"})
	if err != nil {
		t.Fatal(err)
	}
	id1, err := b.AddTask(core.Task{Command: "true", Outputs: []string{"x"}})
	if err != nil {
		t.Fatal(err)
	}
	if id0 != "task-0" || id1 != "task-1" {
		t.Fatalf("unexpected ids %q %q", id0, id1)
	}
}

func TestGraphConstruction_RejectsMalformed(t *testing.T) {
	cases := map[string][]core.Task{
		"duplicate name": {task("A", nil, []string{"a"}), task("A", nil, []string{"b"})},
		"two producers":  {task("A", nil, []string{"out"}), task("B", nil, []string{"out"})},
		"own output":     {task("A", []string{"out"}, []string{"out"})},
	}
	for name, tasks := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tryBuild(t.TempDir(), tasks...)
			if !errors.Is(err, ErrInvalidGraph) {
				t.Fatalf("expected invalid graph error, got %v", err)
			}
		})
	}

	_, err := tryBuild(t.TempDir(), core.Task{Name: "empty"})
	if !errors.Is(err, core.ErrInvalidTask) {
		t.Fatalf("expected invalid task error, got %v", err)
	}
}

func TestGraphHash_InvariantToInsertionOrder(t *testing.T) {
	a := task("A", []string{"b", "a"}, []string{"x", "y"})
	a.Env = map[string]string{"Z": "9", "A": "1"}
	g1 := buildGraph(t, t.TempDir(), a, task("B", []string{"x"}, nil), task("C", []string{"y"}, nil))

	a2 := task("A", []string{"a", "b"}, []string{"y", "x"})
	a2.Env = map[string]string{"A": "1", "Z": "9"}
	g2 := buildGraph(t, t.TempDir(), task("C", []string{"y"}, nil), task("B", []string{"x"}, nil), a2)

	if g1.Hash() != g2.Hash() {
		t.Fatalf("expected equal graph hashes, got %s vs %s", g1.Hash(), g2.Hash())
	}
}

func TestCycleDetection_TwoTaskCycleNamesBoth(t *testing.T) {
	_, err := tryBuild(t.TempDir(),
		task("X", []string{"f2"}, []string{"f1"}),
		task("Y", []string{"f1"}, []string{"f2"}),
	)
	if !errors.Is(err, ErrCycleFound) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if !reflect.DeepEqual(cyc.Tasks, []TaskID{"X", "Y"}) {
		t.Fatalf("cycle tasks: got %v want [X Y]", cyc.Tasks)
	}
}

func TestCycleDetection_IndirectCycleRejected(t *testing.T) {
	_, err := tryBuild(t.TempDir(),
		task("A", []string{"c"}, []string{"a"}),
		task("B", []string{"a"}, []string{"b"}),
		task("C", []string{"b"}, []string{"c"}),
		task("D", []string{"c"}, nil),
	)
	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if !reflect.DeepEqual(cyc.Tasks, []TaskID{"A", "B", "C"}) {
		t.Fatalf("cycle tasks: got %v, D is not on the cycle", cyc.Tasks)
	}
}
