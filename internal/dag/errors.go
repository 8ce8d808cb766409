package dag

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidGraph  = errors.New("invalid task graph")
	ErrCycleFound    = errors.New("cycle detected")
	ErrMissingInputs = errors.New("missing input files")
)

// GraphError wraps deterministic graph validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

// CycleError reports a dependency cycle.
//
// Tasks holds every task on the cycle, sorted. Path is one witness walk of the
// cycle in edge order, closed on its first task.
type CycleError struct {
	Tasks []TaskID
	Path  []TaskID
}

func newCycleError(path []TaskID) *CycleError {
	seen := make(map[TaskID]struct{}, len(path))
	tasks := make([]TaskID, 0, len(path))
	for _, id := range path {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		tasks = append(tasks, id)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })
	return &CycleError{Tasks: tasks, Path: path}
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycleFound.Error()
	}
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = string(id)
	}
	return fmt.Sprintf("%s: %s", ErrCycleFound.Error(), strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleFound }

// MissingInputsError lists graph-root inputs absent from the workspace.
type MissingInputsError struct {
	Paths []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingInputs.Error(), strings.Join(e.Paths, ", "))
}

func (e *MissingInputsError) Unwrap() error { return ErrMissingInputs }
