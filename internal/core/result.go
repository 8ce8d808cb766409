package core

import "time"

// ExecutionResult is the outcome of one execution attempt on any backend.
//
// A result with an exit code that does not match the task's expectation is
// a normal task failure, not an error. Results are cached only when the exit
// code matches.
type ExecutionResult struct {
	// ExitCode is the process exit code.
	ExitCode int

	// Stdout and Stderr are the captured streams, bounded by the backend.
	Stdout []byte
	Stderr []byte

	// Truncated is set when either stream exceeded the capture bound.
	Truncated bool

	// Duration is the wall-clock time of the attempt.
	Duration time.Duration

	// Outputs are the declared outputs with their digests, sorted by path.
	// Only populated when the exit code matched the expectation.
	Outputs []OutputFile

	// Remote is set when the task ran on a remote execution service.
	Remote bool
}
