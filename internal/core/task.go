package core

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidTask is returned for task records that cannot be turned into a graph node.
var ErrInvalidTask = errors.New("invalid task")

// Task is one command invocation with declared inputs and outputs.
//
// Includes in the fingerprint: WorkDir, Command, Args, Env, Outputs, and the
// digests of the resolved Inputs.
// Excludes: Name, ExpectedExitCode, BestEffort, Timeout.
type Task struct {
	// Name is the stable task id. An empty name is replaced at graph build
	// time with an insertion-order id.
	Name string `json:"name" yaml:"name"`

	// Command is the executable, resolved by the backend.
	Command string `json:"command" yaml:"command"`

	// Args are passed to Command verbatim, in order.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// WorkDir is the working directory relative to the workspace root.
	// Empty means the workspace root.
	WorkDir string `json:"workdir,omitempty" yaml:"workdir,omitempty"`

	// Inputs are workspace-relative file paths or doublestar glob patterns.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Outputs are workspace-relative file paths the task must produce.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Env holds environment overrides applied on top of the backend's
	// inherited allowlist.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// ExpectedExitCode is the exit code that counts as success.
	ExpectedExitCode int `json:"expected_exit_code,omitempty" yaml:"expected_exit_code,omitempty"`

	// BestEffort tasks may fail without failing the run.
	BestEffort bool `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`

	// Timeout bounds one execution attempt. Zero means no deadline.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Argv returns the full argument vector, command first.
func (t *Task) Argv() []string {
	argv := make([]string, 0, len(t.Args)+1)
	argv = append(argv, t.Command)
	return append(argv, t.Args...)
}

// CommandLine renders the argument vector for logs.
func (t *Task) CommandLine() string {
	return strings.Join(t.Argv(), " ")
}

// Succeeded reports whether exitCode satisfies the task's expectation.
func (t *Task) Succeeded(exitCode int) bool {
	return exitCode == t.ExpectedExitCode
}

// Validate rejects malformed task records before graph construction.
func (t *Task) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if t.Timeout < 0 {
		errs = append(errs, errors.New("timeout must be >= 0"))
	}
	if t.WorkDir != "" {
		if _, err := CleanPath(t.WorkDir); err != nil {
			errs = append(errs, fmt.Errorf("workdir: %w", err))
		}
	}
	for _, in := range t.Inputs {
		if strings.TrimSpace(in) == "" {
			errs = append(errs, errors.New("input path must not be empty"))
		}
	}
	seen := make(map[string]struct{}, len(t.Outputs))
	for _, out := range t.Outputs {
		p, err := CleanPath(out)
		if err != nil {
			errs = append(errs, fmt.Errorf("output %q: %w", out, err))
			continue
		}
		if _, dup := seen[p]; dup {
			errs = append(errs, fmt.Errorf("output %q declared twice", out))
		}
		seen[p] = struct{}{}
	}
	for k := range t.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			errs = append(errs, fmt.Errorf("invalid env name %q", k))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	label := t.Name
	if label == "" {
		label = t.Command
	}
	return fmt.Errorf("%w %q: %w", ErrInvalidTask, label, errors.Join(errs...))
}

// CleanPath normalizes a workspace-relative path to slash form.
//
// Absolute paths and paths escaping the workspace are rejected so file
// handle identity never depends on the host layout.
func CleanPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path must not be empty")
	}
	slashed := filepath.ToSlash(p)
	if path.IsAbs(slashed) || filepath.IsAbs(p) {
		return "", fmt.Errorf("path must be relative to the workspace: %q", p)
	}
	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path escapes the workspace: %q", p)
	}
	return clean, nil
}
