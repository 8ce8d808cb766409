// Package backend runs a single task attempt, either as a local child
// process or on a remote execution service.
//
// Every backend reports the task's exit code in the result and leaves the
// pass/fail decision to the caller: a mismatch with the expected exit code is
// a normal task failure, not an error. Errors are reserved for attempts that
// could not produce a trustworthy exit code, such as a spawn failure, a
// timeout, a missing declared output, or an unreachable service.
package backend
