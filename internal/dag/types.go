package dag

import "taskweave/internal/core"

// TaskID is the stable identity of a task within one graph.
type TaskID string

func (id TaskID) String() string { return string(id) }

// GraphHash is the deterministic identity of a TaskGraph.
//
// It is computed solely from task definition content and dependency structure
// and is stable across insertion orders.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// TaskDefHash is the identity of one task definition.
//
// It is distinct from the fingerprint: it covers the declared definition
// (patterns, not resolved digests) and is known before anything runs.
type TaskDefHash string

func (h TaskDefHash) String() string { return string(h) }

// Edge represents a dependency relation: To depends on From.
type Edge struct {
	From TaskID
	To   TaskID
}

// TaskNode is an immutable node in the TaskGraph.
type TaskNode struct {
	ID   TaskID
	Task core.Task

	// Inputs are the resolved workspace-relative input paths, sorted.
	Inputs []string

	// Outputs are the cleaned declared output paths, sorted.
	Outputs []string

	DefinitionHash TaskDefHash
	canonicalIndex int
}

// CanonicalIndex returns the node's deterministic position in the graph's canonical ordering.
func (n *TaskNode) CanonicalIndex() int { return n.canonicalIndex }

// FileHandle is a workspace path referenced by at least one task.
//
// Producer is empty for graph-root inputs, which must exist before the run.
type FileHandle struct {
	Path      string
	Producer  TaskID
	Consumers []TaskID
}

// IsRoot reports whether no task in the graph produces the file.
func (f FileHandle) IsRoot() bool { return f.Producer == "" }
