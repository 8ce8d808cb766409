package manifest

import (
	"context"
	"errors"

	"taskweave/internal/backend"
	"taskweave/internal/cache"
	"taskweave/internal/core"
	"taskweave/internal/dag"
)

// ClassifyError maps a run-ending error into the failure taxonomy.
// Unknown errors are system failures.
func ClassifyError(err error) Failure {
	f := Failure{FailureClass: FailureClassSystem, ErrorCode: "UnknownError", ErrorMessage: err.Error()}

	var execErr *backend.ExecError
	switch {
	case errors.Is(err, dag.ErrCycleFound):
		f.FailureClass, f.ErrorCode = FailureClassGraph, "CycleDetected"
	case errors.Is(err, core.ErrInvalidTask):
		f.FailureClass, f.ErrorCode = FailureClassGraph, "InvalidTask"
	case errors.Is(err, dag.ErrInvalidGraph):
		f.FailureClass, f.ErrorCode = FailureClassGraph, "InvalidGraph"
	case errors.Is(err, dag.ErrMissingInputs):
		f.FailureClass, f.ErrorCode = FailureClassWorkspace, "MissingInputs"
	case errors.Is(err, cache.ErrCacheUnusable):
		f.FailureClass, f.ErrorCode = FailureClassSystem, "CacheUnusable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.FailureClass, f.ErrorCode = FailureClassSystem, "Cancelled"
	case errors.As(err, &execErr):
		f.FailureClass, f.ErrorCode = FailureClassExecution, ExecErrorCode(execErr)
		if execErr.Task != "" {
			task := execErr.Task
			f.TaskID = &task
		}
	}
	return f
}

// ExecErrorCode is the stable code for an execution error kind.
func ExecErrorCode(err *backend.ExecError) string {
	switch err.Kind {
	case backend.ErrSpawn:
		return "Spawn"
	case backend.ErrOutputMissing:
		return "OutputMissing"
	case backend.ErrTimeout:
		return "Timeout"
	case backend.ErrRemoteUnavailable:
		return "RemoteUnavailable"
	case backend.ErrRemoteRejected:
		return "RemoteRejected"
	default:
		return "ExecutionFailure"
	}
}
