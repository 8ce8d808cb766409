// Package cache maps task fingerprints to recorded execution results and
// materializes cached outputs back into the workspace.
//
// Entries are write-once. Output content is stored once per digest, so
// identical outputs of different tasks share a blob.
package cache

import (
	"context"
	"errors"

	"taskweave/internal/core"
)

// ErrCacheUnusable reports that a required cache tier cannot be written.
var ErrCacheUnusable = errors.New("cache unusable")

// Store is one cache tier.
type Store interface {
	// Lookup returns the entry for fp, or nil on a miss.
	Lookup(ctx context.Context, fp core.Digest) (*Entry, error)

	// Materialize writes the entry's outputs under root at their recorded
	// paths. Files already holding the right content are left alone.
	Materialize(ctx context.Context, e *Entry, root string) error

	// Store records a successful result. Output content is read from root.
	Store(ctx context.Context, fp core.Digest, res *core.ExecutionResult, root string) error
}

// Entry is a recorded execution result.
type Entry struct {
	Fingerprint core.Digest       `json:"fingerprint"`
	ExitCode    int               `json:"exit_code"`
	Stdout      []byte            `json:"stdout,omitempty"`
	Stderr      []byte            `json:"stderr,omitempty"`
	Truncated   bool              `json:"truncated,omitempty"`
	Outputs     []core.OutputFile `json:"outputs"`

	// source is the tier that returned the entry from a Tiered lookup.
	source Store
}

// NewEntry builds the entry recorded for res.
func NewEntry(fp core.Digest, res *core.ExecutionResult) *Entry {
	outputs := make([]core.OutputFile, len(res.Outputs))
	copy(outputs, res.Outputs)
	return &Entry{
		Fingerprint: fp,
		ExitCode:    res.ExitCode,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		Truncated:   res.Truncated,
		Outputs:     outputs,
	}
}

// Result converts the entry back to an execution result.
func (e *Entry) Result() *core.ExecutionResult {
	outputs := make([]core.OutputFile, len(e.Outputs))
	copy(outputs, e.Outputs)
	return &core.ExecutionResult{
		ExitCode:  e.ExitCode,
		Stdout:    e.Stdout,
		Stderr:    e.Stderr,
		Truncated: e.Truncated,
		Outputs:   outputs,
	}
}

func (e *Entry) validate() error {
	if err := e.Fingerprint.Validate(); err != nil {
		return err
	}
	for _, o := range e.Outputs {
		if _, err := core.CleanPath(o.Path); err != nil {
			return err
		}
		if err := o.Digest.Validate(); err != nil {
			return err
		}
	}
	return nil
}
