package trace

import (
	"sync"

	"go.uber.org/zap"
)

// Sink receives lifecycle events.
//
// Record must not panic and must not block for long: it is called from the
// executor's scheduling loop.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records an event, swallowing panics from a buggy sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of all recorded events in arrival order.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonical ExecutionTrace from the recorded events.
func (r *Recorder) Trace(graphHash string) ExecutionTrace {
	tr := ExecutionTrace{GraphHash: graphHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}

// LogSink mirrors events to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

// NewLogSink returns a sink logging to logger; a nil logger logs nothing.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Record(e Event) {
	fields := []zap.Field{zap.String("task", e.TaskID)}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.CauseTaskID != "" {
		fields = append(fields, zap.String("cause", e.CauseTaskID))
	}
	if e.Fingerprint != "" {
		fields = append(fields, zap.String("fingerprint", e.Fingerprint))
	}
	if len(e.Outputs) > 0 {
		fields = append(fields, zap.Strings("outputs", e.Outputs))
	}

	switch e.Kind {
	case EventTaskFailed:
		s.Logger.Warn("task failed", fields...)
	case EventTaskSkipped:
		s.Logger.Info("task skipped", fields...)
	case EventTaskCacheHit:
		s.Logger.Info("task cached", fields...)
	case EventTaskSucceeded:
		s.Logger.Info("task succeeded", fields...)
	default:
		s.Logger.Debug(string(e.Kind), fields...)
	}
}

// Multi fans events out to several sinks in order.
type Multi []Sink

func (m Multi) Record(e Event) {
	for _, s := range m {
		SafeRecord(s, e)
	}
}
