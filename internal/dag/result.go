package dag

import (
	"sort"

	"taskweave/internal/core"
)

// TaskOutcome is the final record for one task of a run.
type TaskOutcome struct {
	ID    TaskID
	State TaskState

	// Fingerprint is zero for tasks that never reached dispatch.
	Fingerprint core.Digest

	// Result is the executed or replayed result, when there is one.
	Result *core.ExecutionResult

	// Err is the execution error for tasks that failed without a usable
	// exit code.
	Err error

	// Cause is the failed upstream task of a Skipped task.
	Cause TaskID

	BestEffort   bool
	Deduplicated bool
}

// GraphResult is the summary of one graph execution.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the state of every task when the run ended. Tasks the
	// run never reached are left Pending or Ready.
	FinalState ExecutionState

	// ExecutionOrder lists tasks in dispatch order.
	ExecutionOrder []TaskID

	Tasks map[TaskID]*TaskOutcome

	Succeeded int
	Cached    int
	Failed    int
	Skipped   int
	NotRun    int

	// Success is set when every task succeeded, either directly or from
	// cache. Best-effort tasks may fail or be skipped without clearing it.
	Success bool
}

// Failures returns failed tasks sorted by id.
func (r *GraphResult) Failures() []*TaskOutcome {
	var out []*TaskOutcome
	for _, o := range r.Tasks {
		if o.State == TaskFailed {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// summarize fills the counters and Success from Tasks.
func (r *GraphResult) summarize() {
	r.Success = true
	for _, o := range r.Tasks {
		switch o.State {
		case TaskSucceeded:
			r.Succeeded++
		case TaskCached:
			r.Cached++
		case TaskFailed:
			r.Failed++
		case TaskSkipped:
			r.Skipped++
		default:
			r.NotRun++
		}
		if !IsSuccessful(o.State) && !o.BestEffort {
			r.Success = false
		}
	}
}
