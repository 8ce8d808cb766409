package dag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskweave/internal/backend"
	"taskweave/internal/cache"
	"taskweave/internal/core"
	"taskweave/internal/trace"
)

// countingBackend counts Execute calls per task before delegating.
type countingBackend struct {
	inner backend.Backend
	mu    sync.Mutex
	calls map[string]int
}

func newCountingBackend(inner backend.Backend) *countingBackend {
	return &countingBackend{inner: inner, calls: make(map[string]int)}
}

func (b *countingBackend) Execute(ctx context.Context, t core.Task, in []core.ResolvedInput) (*core.ExecutionResult, error) {
	b.mu.Lock()
	b.calls[t.Name]++
	b.mu.Unlock()
	return b.inner.Execute(ctx, t, in)
}

func (b *countingBackend) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

func sh(name, script string, inputs, outputs []string) core.Task {
	return core.Task{Name: name, Command: "sh", Args: []string{"-c", script}, Inputs: inputs, Outputs: outputs}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func runGraph(t *testing.T, root string, store cache.Store, b backend.Backend, sink trace.Sink, tasks ...core.Task) *GraphResult {
	t.Helper()
	g := buildGraph(t, root, tasks...)
	runner, err := NewCacheAwareRunner(root, store, b, nil)
	require.NoError(t, err)
	exec, err := NewExecutor(g, runner, root)
	require.NoError(t, err)
	exec.Concurrency = 4
	if sink != nil {
		exec.Sink = sink
	}
	res, err := exec.Run(context.Background())
	require.NoError(t, err)
	return res
}

func copyCountTasks() []core.Task {
	return []core.Task{
		sh("T1", "cp a.txt b.txt", []string{"a.txt"}, []string{"b.txt"}),
		sh("T2", "wc -c < b.txt | tr -d ' \\n' > c.txt", []string{"b.txt"}, []string{"c.txt"}),
	}
}

func TestExecutor_EndToEnd_CacheHitsAndInvalidation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	store, err := cache.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	b := newCountingBackend(backend.NewLocal(root, nil))

	// First run: both execute.
	res := runGraph(t, root, store, b, nil, copyCountTasks()...)
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, "5", readFile(t, root, "c.txt"))
	assert.Equal(t, 2, b.total())

	// Second run, a.txt unchanged: both hit the cache, backend untouched.
	require.NoError(t, os.Remove(filepath.Join(root, "c.txt")))
	res = runGraph(t, root, store, b, nil, copyCountTasks()...)
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Cached)
	assert.Equal(t, 2, b.total())
	assert.Equal(t, "5", readFile(t, root, "c.txt"), "cached output is materialized")

	// Changing a.txt re-executes T1, and T2 because its input digest changed.
	writeFile(t, root, "a.txt", "hello!")
	res = runGraph(t, root, store, b, nil, copyCountTasks()...)
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 4, b.total())
	assert.Equal(t, "6", readFile(t, root, "c.txt"))
	assert.NotEqual(t, res.Tasks["T2"].Fingerprint, core.Digest{})
}

func TestExecutor_FailurePropagation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src", "x")
	rec := trace.NewRecorder()

	res := runGraph(t, root, cache.NewMemoryStore(), backend.NewLocal(root, nil), rec,
		sh("A", "echo broken >&2; exit 1", []string{"src"}, []string{"a"}),
		sh("B", "cp a b", []string{"a"}, []string{"b"}),
		sh("C", "cp b c", []string{"b"}, []string{"c"}),
		sh("U", "cp src u", []string{"src"}, []string{"u"}),
	)

	assert.False(t, res.Success)
	assert.Equal(t, TaskFailed, res.FinalState["A"])
	assert.Equal(t, TaskSkipped, res.FinalState["B"])
	assert.Equal(t, TaskSkipped, res.FinalState["C"])
	assert.Equal(t, TaskSucceeded, res.FinalState["U"], "unrelated task dispatched in the same round finishes")
	assert.Equal(t, TaskID("A"), res.Tasks["C"].Cause)
	assert.Equal(t, "broken\n", string(res.Tasks["A"].Result.Stderr))
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)

	failures := res.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, TaskID("A"), failures[0].ID)

	var skips []string
	for _, ev := range rec.Snapshot() {
		if ev.Kind == trace.EventTaskSkipped {
			assert.Equal(t, "A", ev.CauseTaskID)
			assert.Equal(t, trace.ReasonUpstreamFailed, ev.Reason)
			skips = append(skips, ev.TaskID)
		}
	}
	assert.ElementsMatch(t, []string{"B", "C"}, skips)
}

func TestExecutor_FailureStopsNewDispatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src", "x")
	tasks := []core.Task{
		sh("A", "exit 1", []string{"src"}, []string{"a"}),
		sh("U1", "cp src u1", []string{"src"}, []string{"u1"}),
		sh("U2", "cp u1 u2", []string{"u1"}, []string{"u2"}),
	}

	g := buildGraph(t, root, tasks...)
	runner, err := NewCacheAwareRunner(root, nil, backend.NewLocal(root, nil), nil)
	require.NoError(t, err)
	exec, err := NewExecutor(g, runner, root)
	require.NoError(t, err)
	exec.Concurrency = 1

	res, err := exec.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, TaskFailed, res.FinalState["A"])
	assert.Equal(t, 1, res.Failed)
	assert.Positive(t, res.NotRun, "independent work is not started after a failure")

	// KeepGoing runs every independent task.
	exec.KeepGoing = true
	res, err = exec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TaskSucceeded, res.FinalState["U1"])
	assert.Equal(t, TaskSucceeded, res.FinalState["U2"])
	assert.Equal(t, 0, res.NotRun)
	assert.False(t, res.Success)
}

func TestExecutor_BestEffortFailureKeepsSuccess(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src", "x")
	flaky := sh("lint", "exit 2", []string{"src"}, nil)
	flaky.BestEffort = true

	res := runGraph(t, root, nil, backend.NewLocal(root, nil), nil,
		flaky,
		sh("build", "cp src out", []string{"src"}, []string{"out"}),
	)
	assert.True(t, res.Success)
	assert.Equal(t, TaskFailed, res.FinalState["lint"])
	assert.Equal(t, TaskSucceeded, res.FinalState["build"])
}

func TestExecutor_BestEffortFailureSkipsDependents(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src", "x")
	gen := sh("gen", "exit 2", []string{"src"}, []string{"gen.txt"})
	gen.BestEffort = true

	res := runGraph(t, root, nil, backend.NewLocal(root, nil), nil,
		gen,
		sh("use", "cp gen.txt used.txt", []string{"gen.txt"}, []string{"used.txt"}),
		sh("build", "cp src out", []string{"src"}, []string{"out"}),
	)
	assert.Equal(t, TaskFailed, res.FinalState["gen"])
	assert.Equal(t, TaskSkipped, res.FinalState["use"])
	assert.Equal(t, TaskSucceeded, res.FinalState["build"])
	assert.False(t, res.Success, "a required task was skipped")

	// A best-effort consumer keeps the run successful.
	use := sh("use", "cp gen.txt used.txt", []string{"gen.txt"}, []string{"used.txt"})
	use.BestEffort = true
	res = runGraph(t, root, nil, backend.NewLocal(root, nil), nil,
		gen,
		use,
		sh("build", "cp src out", []string{"src"}, []string{"out"}),
	)
	assert.Equal(t, TaskSkipped, res.FinalState["use"])
	assert.True(t, res.Success)
}

// orderBackend records when each task starts and ends.
type orderBackend struct {
	inner  backend.Backend
	mu     sync.Mutex
	events []string
}

func (b *orderBackend) record(ev string) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *orderBackend) Execute(ctx context.Context, t core.Task, in []core.ResolvedInput) (*core.ExecutionResult, error) {
	b.record("start:" + t.Name)
	defer b.record("end:" + t.Name)
	return b.inner.Execute(ctx, t, in)
}

func (b *orderBackend) index(ev string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.events {
		if e == ev {
			return i
		}
	}
	return -1
}

func TestExecutor_ConsumerStartsAfterProducerEnds(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "other", "x")
	b := &orderBackend{inner: backend.NewLocal(root, nil)}

	res := runGraph(t, root, nil, b, nil,
		sh("producer", "sleep 0.2; cp a.txt b.txt", []string{"a.txt"}, []string{"b.txt"}),
		sh("consumer", "cp b.txt c.txt", []string{"b.txt"}, []string{"c.txt"}),
		sh("side1", "cp other s1", []string{"other"}, []string{"s1"}),
		sh("side2", "cp other s2", []string{"other"}, []string{"s2"}),
	)
	require.True(t, res.Success)

	end := b.index("end:producer")
	start := b.index("start:consumer")
	require.NotEqual(t, -1, end)
	require.NotEqual(t, -1, start)
	assert.Less(t, end, start, "events: %v", b.events)
}

func TestExecutor_MissingRootInputsFailBeforeExecution(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "present", "x")
	b := newCountingBackend(backend.NewLocal(root, nil))

	g := buildGraph(t, root,
		sh("A", "true", []string{"present", "missing-2"}, []string{"a"}),
		sh("B", "true", []string{"missing-1"}, nil),
	)
	runner, err := NewCacheAwareRunner(root, nil, b, nil)
	require.NoError(t, err)
	exec, err := NewExecutor(g, runner, root)
	require.NoError(t, err)

	_, err = exec.Run(context.Background())
	require.ErrorIs(t, err, ErrMissingInputs)
	var missing *MissingInputsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"missing-1", "missing-2"}, missing.Paths)
	assert.Equal(t, 0, b.total())
}

func TestExecutor_CreatesOutputDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "in", "data")

	res := runGraph(t, root, nil, backend.NewLocal(root, nil), nil,
		sh("gen", "cp in deep/nested/out", []string{"in"}, []string{"deep/nested/out"}),
	)
	require.True(t, res.Success)
	assert.Equal(t, "data", readFile(t, root, "deep/nested/out"))
}

func TestExecutor_TraceEventsInOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	rec := trace.NewRecorder()

	runGraph(t, root, nil, backend.NewLocal(root, nil), rec, copyCountTasks()...)

	var kinds []trace.EventKind
	for _, ev := range rec.Snapshot() {
		if ev.TaskID == "T2" {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []trace.EventKind{trace.EventTaskReady, trace.EventTaskDispatched, trace.EventTaskSucceeded}, kinds)

	tr := rec.Trace(string(buildGraph(t, root, copyCountTasks()...).Hash()))
	require.NoError(t, tr.Validate())
}

// slowBackend blocks every call until release is closed.
type slowBackend struct {
	calls   atomic.Int32
	release chan struct{}
}

func (b *slowBackend) Execute(ctx context.Context, _ core.Task, _ []core.ResolvedInput) (*core.ExecutionResult, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &core.ExecutionResult{ExitCode: 0, Stdout: []byte("shared")}, nil
}

func TestRunner_AtMostOneExecutionPerFingerprint(t *testing.T) {
	b := &slowBackend{release: make(chan struct{})}
	runner, err := NewCacheAwareRunner(t.TempDir(), nil, b, nil)
	require.NoError(t, err)

	node := &TaskNode{ID: "t", Task: core.Task{Name: "t", Command: "gen"}}
	const n = 8
	results := make([]*NodeResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := runner.Run(context.Background(), node, nil)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(b.release)
	wg.Wait()

	assert.Equal(t, int32(1), b.calls.Load())
	deduped := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, "shared", string(r.Result.Stdout))
		assert.Equal(t, results[0].Fingerprint, r.Fingerprint)
		if r.Deduplicated {
			deduped++
		}
	}
	assert.Equal(t, n-1, deduped)

	// A later call reuses the memoized outcome.
	again, err := runner.Run(context.Background(), node, nil)
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestExecutor_DuplicateFingerprintsInOneGraph(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src", "x")
	b := newCountingBackend(backend.NewLocal(root, nil))

	// Same command, inputs and (empty) outputs: one fingerprint.
	res := runGraph(t, root, nil, b, nil,
		sh("check-1", "test -f src", []string{"src"}, nil),
		sh("check-2", "test -f src", []string{"src"}, nil),
	)
	require.True(t, res.Success)
	assert.Equal(t, 1, b.total())
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Cached)
}

func TestExecutor_RequiredCacheFailureIsFatal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "in", "x")
	store := cache.NewTiered(failingStore{}, nil, true, nil)

	g := buildGraph(t, root, sh("gen", "cp in out", []string{"in"}, []string{"out"}))
	runner, err := NewCacheAwareRunner(root, store, backend.NewLocal(root, nil), nil)
	require.NoError(t, err)
	exec, err := NewExecutor(g, runner, root)
	require.NoError(t, err)

	res, err := exec.Run(context.Background())
	require.ErrorIs(t, err, cache.ErrCacheUnusable)
	require.NotNil(t, res)
	assert.Equal(t, TaskFailed, res.FinalState["gen"])
}

// failingStore misses every lookup and fails every write.
type failingStore struct{}

func (failingStore) Lookup(context.Context, core.Digest) (*cache.Entry, error) { return nil, nil }
func (failingStore) Materialize(context.Context, *cache.Entry, string) error {
	return errors.New("read-only")
}
func (failingStore) Store(context.Context, core.Digest, *core.ExecutionResult, string) error {
	return errors.New("read-only file system")
}
