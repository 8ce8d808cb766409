package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskweave/internal/dag"
)

type RunStatus string

const (
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
	StatusError     RunStatus = "error"
)

type FailureClass string

const (
	FailureClassGraph     FailureClass = "graph"
	FailureClassWorkspace FailureClass = "workspace"
	FailureClassExecution FailureClass = "execution"
	FailureClassSystem    FailureClass = "system"
)

// NewRunID returns a time-ordered run id, so sorted ids are chronological.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Manifest is the durable record of one run.
type Manifest struct {
	RunID         string    `json:"run_id"`
	GraphHash     string    `json:"graph_hash"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        RunStatus `json:"status"`
	PreviousRunID *string   `json:"previous_run_id"`

	Counts Counts       `json:"counts"`
	Tasks  []TaskRecord `json:"tasks"`

	// Failure is set when the run ended with an error of its own rather
	// than task failures.
	Failure *Failure `json:"failure,omitempty"`
}

type Counts struct {
	Succeeded int `json:"succeeded"`
	Cached    int `json:"cached"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	NotRun    int `json:"not_run"`
}

// TaskRecord is one task's line in the manifest. Captured output is kept
// for failed tasks only.
type TaskRecord struct {
	ID          string   `json:"id"`
	State       string   `json:"state"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	DurationMS  int64    `json:"duration_ms,omitempty"`
	Remote      bool     `json:"remote,omitempty"`
	BestEffort  bool     `json:"best_effort,omitempty"`
	Cause       string   `json:"cause,omitempty"`
	Error       string   `json:"error,omitempty"`
	Outputs     []string `json:"outputs,omitempty"`
	Stdout      string   `json:"stdout,omitempty"`
	Stderr      string   `json:"stderr,omitempty"`
	Truncated   bool     `json:"truncated,omitempty"`
}

// Failure is a recorded run termination reason.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	TaskID       *string      `json:"task_id,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
}

func (m Manifest) Validate() error {
	var errs []error
	if strings.TrimSpace(m.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if m.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch m.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusError:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", m.Status))
	}
	if m.PreviousRunID != nil && strings.TrimSpace(*m.PreviousRunID) == "" {
		errs = append(errs, errors.New("previous_run_id must not be empty when provided"))
	}
	for i, t := range m.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			errs = append(errs, fmt.Errorf("tasks[%d].id is required", i))
		}
	}
	if m.Failure != nil {
		if err := m.Failure.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("failure: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassGraph, FailureClassWorkspace, FailureClassExecution, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.TaskID != nil && strings.TrimSpace(*f.TaskID) == "" {
		errs = append(errs, errors.New("task_id must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}

// FromResult builds a manifest from a finished run. res may be nil when the
// run failed before execution; runErr is the error Run returned, if any.
func FromResult(runID string, start, end time.Time, res *dag.GraphResult, runErr error) Manifest {
	m := Manifest{
		RunID:     runID,
		StartTime: start.UTC(),
		EndTime:   end.UTC(),
		Tasks:     []TaskRecord{},
	}

	if res != nil {
		m.GraphHash = string(res.GraphHash)
		m.Counts = Counts{
			Succeeded: res.Succeeded,
			Cached:    res.Cached,
			Failed:    res.Failed,
			Skipped:   res.Skipped,
			NotRun:    res.NotRun,
		}
		for _, id := range sortedIDs(res) {
			m.Tasks = append(m.Tasks, taskRecord(res.Tasks[id]))
		}
	}

	switch {
	case runErr != nil:
		m.Status = StatusError
		f := ClassifyError(runErr)
		m.Failure = &f
		if f.ErrorCode == "Cancelled" {
			m.Status = StatusCancelled
		}
	case res != nil && res.Success:
		m.Status = StatusSucceeded
	default:
		m.Status = StatusFailed
	}
	return m
}

func taskRecord(o *dag.TaskOutcome) TaskRecord {
	rec := TaskRecord{
		ID:         string(o.ID),
		State:      string(o.State),
		BestEffort: o.BestEffort,
		Cause:      string(o.Cause),
	}
	if !o.Fingerprint.IsZero() {
		rec.Fingerprint = o.Fingerprint.String()
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	if r := o.Result; r != nil {
		code := r.ExitCode
		rec.ExitCode = &code
		rec.DurationMS = r.Duration.Milliseconds()
		rec.Remote = r.Remote
		for _, out := range r.Outputs {
			rec.Outputs = append(rec.Outputs, out.Path)
		}
		if o.State == dag.TaskFailed {
			rec.Stdout = string(r.Stdout)
			rec.Stderr = string(r.Stderr)
			rec.Truncated = r.Truncated
		}
	}
	return rec
}

func sortedIDs(res *dag.GraphResult) []dag.TaskID {
	ids := make([]dag.TaskID, 0, len(res.Tasks))
	for id := range res.Tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
