package cli

import (
	"context"
	"errors"

	"taskweave/internal/core"
	"taskweave/internal/dag"
)

const (
	ExitSuccess           = 0
	ExitGraphFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// ExitError carries the semantic exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func invalidInvocation(err error) error {
	return &ExitError{Code: ExitInvalidInvocation, Err: err}
}

func configError(err error) error {
	return &ExitError{Code: ExitConfigError, Err: err}
}

// ExitCode maps an error returned by a command to a process exit code.
//
// Graph definition problems and missing workspace inputs are configuration
// errors. Task failures and cancellation are graph failures. Anything
// unrecognized is internal.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr != nil {
		if exitErr.Code != 0 {
			return exitErr.Code
		}
		return ExitInternalError
	}
	switch {
	case errors.Is(err, dag.ErrInvalidGraph),
		errors.Is(err, dag.ErrCycleFound),
		errors.Is(err, dag.ErrMissingInputs),
		errors.Is(err, core.ErrInvalidTask):
		return ExitConfigError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitGraphFailure
	}
	return ExitInternalError
}
