package dag

// TaskState is the runtime execution state of a node.
//
// It is kept apart from TaskGraph, which is immutable, so the same graph can
// be executed more than once.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskReady     TaskState = "READY"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
	TaskSkipped   TaskState = "SKIPPED"
	TaskCached    TaskState = "CACHED"
)

// ExecutionState maps task id to its current TaskState.
//
// Only the executor's scheduling loop mutates it.
type ExecutionState map[TaskID]TaskState

// NewExecutionState returns a state with every task of g Pending.
func NewExecutionState(g *TaskGraph) ExecutionState {
	state := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		state[n.ID] = TaskPending
	}
	return state
}

// Clone returns an independent copy.
func (s ExecutionState) Clone() ExecutionState {
	cp := make(ExecutionState, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}
