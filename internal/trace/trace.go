// Package trace records task lifecycle events.
//
// The executor reports every state transition to a Sink synchronously from
// its scheduling loop. Sinks are observational only and never affect
// execution.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// EventKind is the stable discriminator for Event.
//
// The string values are part of the trace's canonical bytes; do not rename.
type EventKind string

const (
	EventTaskReady      EventKind = "TaskReady"
	EventTaskDispatched EventKind = "TaskDispatched"
	EventTaskCacheHit   EventKind = "TaskCacheHit"
	EventTaskSucceeded  EventKind = "TaskSucceeded"
	EventTaskFailed     EventKind = "TaskFailed"
	EventTaskSkipped    EventKind = "TaskSkipped"
)

// Stable reason codes.
const (
	ReasonExitCode       = "ExitCode"
	ReasonError          = "Error"
	ReasonUpstreamFailed = "UpstreamFailed"
	ReasonDeduplicated   = "Deduplicated"
)

// Event is a single logical transition.
//
// Events carry no timestamps or error strings, so two runs making the same
// decisions produce the same canonical trace.
type Event struct {
	Kind   EventKind `json:"kind"`
	TaskID string    `json:"taskId"`

	// Reason is a stable reason code (e.g. "UpstreamFailed").
	Reason string `json:"reason,omitempty"`

	// CauseTaskID records the failing upstream task for skips.
	CauseTaskID string `json:"causeTaskId,omitempty"`

	// Fingerprint is the task fingerprint in "hash/size" form, once known.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Outputs lists the output paths the event refers to.
	Outputs []string `json:"outputs,omitempty"`
}

// ExecutionTrace is the canonical record of one graph execution.
type ExecutionTrace struct {
	GraphHash string  `json:"graphHash"`
	Events    []Event `json:"events"`
}

// Validate checks basic invariants.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.TaskID == "" {
			return fmt.Errorf("events[%d].taskId is required for kind %q", i, e.Kind)
		}
		for j, o := range e.Outputs {
			if o == "" {
				return fmt.Errorf("events[%d].outputs[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts the trace into its canonical form.
//
// Ordering is independent of execution timing: events are sorted by
// (taskId, kind order, reason, causeTaskId, fingerprint, outputs).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Outputs) == 0 {
			t.Events[i].Outputs = nil
			continue
		}
		out := make([]string, len(t.Events[i].Outputs))
		copy(out, t.Events[i].Outputs)
		sort.Strings(out)
		t.Events[i].Outputs = out
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if ka, kb := kindOrder(a.Kind), kindOrder(b.Kind); ka != kb {
			return ka < kb
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.CauseTaskID != b.CauseTaskID {
			return a.CauseTaskID < b.CauseTaskID
		}
		if a.Fingerprint != b.Fingerprint {
			return a.Fingerprint < b.Fingerprint
		}
		return compareStringSlices(a.Outputs, b.Outputs)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventTaskReady:
		return 10
	case EventTaskDispatched:
		return 20
	case EventTaskCacheHit:
		return 30
	case EventTaskSucceeded:
		return 40
	case EventTaskFailed:
		return 50
	case EventTaskSkipped:
		return 60
	default:
		return 1000
	}
}

func compareStringSlices(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical JSON encoding of the trace without
// mutating the receiver.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	cp := ExecutionTrace{GraphHash: t.GraphHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	if cp.Events == nil {
		cp.Events = []Event{}
	}
	return json.Marshal(&cp)
}

// Hash returns the sha256 hex of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
