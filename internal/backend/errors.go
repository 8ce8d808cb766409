package backend

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSpawn means the process could not be started.
	ErrSpawn = errors.New("spawn failed")

	// ErrOutputMissing means the task exited as expected but a declared
	// output does not exist.
	ErrOutputMissing = errors.New("declared output missing")

	// ErrTimeout means the task exceeded its per-task deadline.
	ErrTimeout = errors.New("task timed out")

	// ErrRemoteUnavailable is a transport-class failure of the remote
	// execution service. The attempt may be retried.
	ErrRemoteUnavailable = errors.New("remote execution unavailable")

	// ErrRemoteRejected means the remote service refused the action.
	// Retrying the same action will not help.
	ErrRemoteRejected = errors.New("remote execution rejected")
)

// ExecError describes a failed attempt for one task.
type ExecError struct {
	Kind   error
	Task   string
	Path   string
	Reason string
	Err    error
}

func (e *ExecError) Error() string {
	var b strings.Builder
	if e.Task != "" {
		fmt.Fprintf(&b, "task %q: ", e.Task)
	}
	b.WriteString(e.Kind.Error())
	if e.Path != "" {
		fmt.Fprintf(&b, ": %s", e.Path)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ExecError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func execErr(kind error, task string, err error) *ExecError {
	return &ExecError{Kind: kind, Task: task, Err: err}
}
