// Package dag builds and executes the task graph.
//
// It is split into:
//   - Immutable graph definition (TaskGraph): tasks, file handles, derived
//     dependency edges and a stable GraphHash
//   - Mutable execution state (ExecutionState): per-task run state owned by
//     the executor's scheduling loop
//
// Edges are never declared. Task B depends on task A iff some output path of A
// is an input path of B.
package dag
