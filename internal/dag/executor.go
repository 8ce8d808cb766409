package dag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskweave/internal/cache"
	"taskweave/internal/core"
	"taskweave/internal/trace"
)

// Executor drives a TaskGraph to completion.
//
// A single scheduling loop owns the execution state and the digests of
// every file handle. Workers only run tasks and report back over a channel,
// so no state is shared between goroutines.
type Executor struct {
	Graph  *TaskGraph
	Runner TaskRunner

	// Root is the workspace root that task paths are relative to.
	Root string

	// Concurrency bounds running tasks and concurrent root digesting.
	// Zero means runtime.NumCPU().
	Concurrency int

	// KeepGoing keeps dispatching independent tasks after a failure.
	// By default a failed task that is not best-effort stops new dispatch
	// and only in-flight tasks finish.
	KeepGoing bool

	Sink   trace.Sink
	Logger *zap.Logger
}

// NewExecutor creates an Executor with default settings.
func NewExecutor(g *TaskGraph, runner TaskRunner, root string) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	return &Executor{
		Graph:  g,
		Runner: runner,
		Root:   root,
		Sink:   trace.NopSink{},
		Logger: zap.NewNop(),
	}, nil
}

func (e *Executor) concurrency() int {
	if e.Concurrency > 0 {
		return e.Concurrency
	}
	return runtime.NumCPU()
}

type workItem struct {
	node   *TaskNode
	inputs []core.ResolvedInput
}

type workResult struct {
	id     TaskID
	result *NodeResult
	err    error
}

// run is the loop-owned state of one Run call.
type run struct {
	e        *Executor
	state    ExecutionState
	digests  map[string]core.Digest
	outcomes map[TaskID]*TaskOutcome
	order    []TaskID
	stopping bool
	fatal    error
}

// Run executes the graph.
//
// Graph-root inputs are digested first; missing ones fail the run with a
// MissingInputsError before anything executes. The returned error is
// non-nil only for such pre-execution failures, an unusable required
// cache, cancellation of ctx, or a broken state invariant. Task failures
// are reported in the GraphResult.
func (e *Executor) Run(ctx context.Context) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.Sink == nil {
		e.Sink = trace.NopSink{}
	}
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}

	digests, err := e.digestRoots(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.prepareOutputDirs(); err != nil {
		return nil, err
	}

	r := &run{
		e:        e,
		state:    NewExecutionState(e.Graph),
		digests:  digests,
		outcomes: make(map[TaskID]*TaskOutcome, e.Graph.Len()),
	}
	for _, n := range e.Graph.nodes {
		r.outcomes[n.ID] = &TaskOutcome{ID: n.ID, BestEffort: n.Task.BestEffort}
	}

	if err := r.loop(ctx); err != nil {
		return nil, err
	}

	res := &GraphResult{
		GraphHash:      e.Graph.Hash(),
		FinalState:     r.state.Clone(),
		ExecutionOrder: r.order,
		Tasks:          r.outcomes,
	}
	for id, o := range res.Tasks {
		o.State = r.state[id]
	}
	res.summarize()

	switch {
	case r.fatal != nil:
		return res, r.fatal
	case ctx.Err() != nil:
		return res, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
	return res, nil
}

func (r *run) loop(ctx context.Context) error {
	e := r.e
	limit := e.concurrency()
	workCh := make(chan workItem, limit)
	doneCh := make(chan workResult, limit)

	var wg sync.WaitGroup
	for i := 0; i < limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				res, err := e.Runner.Run(ctx, w.node, w.inputs)
				doneCh <- workResult{id: w.node.ID, result: res, err: err}
			}
		}()
	}
	defer func() {
		close(workCh)
		wg.Wait()
	}()

	var queue []TaskID
	inFlight := 0
	for {
		if !r.stopping && ctx.Err() == nil {
			for _, id := range GetReadyTasks(e.Graph, r.state) {
				if err := Transition(r.state, id, TaskPending, TaskReady); err != nil {
					return err
				}
				trace.SafeRecord(e.Sink, trace.Event{Kind: trace.EventTaskReady, TaskID: string(id)})
				queue = append(queue, id)
			}
			for inFlight < limit && len(queue) > 0 {
				id := queue[0]
				queue = queue[1:]
				item, err := r.dispatch(id)
				if err != nil {
					return err
				}
				workCh <- item
				inFlight++
			}
		}
		if inFlight == 0 {
			return nil
		}

		res := <-doneCh
		inFlight--
		if err := r.complete(res); err != nil {
			return err
		}
	}
}

func (r *run) dispatch(id TaskID) (workItem, error) {
	node := r.e.Graph.nodesByID[id]
	inputs := make([]core.ResolvedInput, 0, len(node.Inputs))
	for _, p := range node.Inputs {
		d, ok := r.digests[p]
		if !ok {
			return workItem{}, fmt.Errorf("invariant violation: input %s of %q has no digest at dispatch", p, id)
		}
		inputs = append(inputs, core.ResolvedInput{Path: p, Digest: d})
	}
	if err := Transition(r.state, id, TaskReady, TaskRunning); err != nil {
		return workItem{}, err
	}
	r.order = append(r.order, id)
	trace.SafeRecord(r.e.Sink, trace.Event{Kind: trace.EventTaskDispatched, TaskID: string(id)})
	return workItem{node: node, inputs: inputs}, nil
}

func (r *run) complete(w workResult) error {
	node := r.e.Graph.nodesByID[w.id]
	out := r.outcomes[w.id]

	if w.err != nil {
		out.Err = w.err
		if errors.Is(w.err, cache.ErrCacheUnusable) && r.fatal == nil {
			r.fatal = w.err
			r.stopping = true
		}
		return r.fail(node, trace.ReasonError)
	}

	nr := w.result
	if nr == nil || nr.Result == nil {
		return fmt.Errorf("runner returned no result for %q", w.id)
	}
	out.Fingerprint = nr.Fingerprint
	out.Result = nr.Result
	out.Deduplicated = nr.Deduplicated
	fp := nr.Fingerprint.String()

	if !node.Task.Succeeded(nr.Result.ExitCode) {
		return r.fail(node, trace.ReasonExitCode)
	}

	produced := make(map[string]core.Digest, len(nr.Result.Outputs))
	for _, o := range nr.Result.Outputs {
		produced[o.Path] = o.Digest
	}
	for _, p := range node.Outputs {
		d, ok := produced[p]
		if !ok {
			out.Err = fmt.Errorf("result for %q lacks declared output %s", w.id, p)
			return r.fail(node, trace.ReasonError)
		}
		// Each produced handle is written exactly once, by its producer.
		r.digests[p] = d
	}

	if nr.FromCache || nr.Deduplicated {
		if err := Transition(r.state, w.id, TaskRunning, TaskCached); err != nil {
			return err
		}
		ev := trace.Event{Kind: trace.EventTaskCacheHit, TaskID: string(w.id), Fingerprint: fp, Outputs: node.Outputs}
		if nr.Deduplicated {
			ev.Reason = trace.ReasonDeduplicated
		}
		trace.SafeRecord(r.e.Sink, ev)
		return nil
	}

	if err := Transition(r.state, w.id, TaskRunning, TaskSucceeded); err != nil {
		return err
	}
	trace.SafeRecord(r.e.Sink, trace.Event{Kind: trace.EventTaskSucceeded, TaskID: string(w.id), Fingerprint: fp, Outputs: node.Outputs})
	return nil
}

// fail marks node Failed, skips its dependents, and decides whether to
// stop dispatching.
func (r *run) fail(node *TaskNode, reason string) error {
	skipped, err := FailAndPropagate(r.e.Graph, r.state, node.ID)
	if err != nil {
		return err
	}

	ev := trace.Event{Kind: trace.EventTaskFailed, TaskID: string(node.ID), Reason: reason}
	if fp := r.outcomes[node.ID].Fingerprint; !fp.IsZero() {
		ev.Fingerprint = fp.String()
	}
	trace.SafeRecord(r.e.Sink, ev)

	for _, id := range skipped {
		r.outcomes[id].Cause = node.ID
		trace.SafeRecord(r.e.Sink, trace.Event{
			Kind:        trace.EventTaskSkipped,
			TaskID:      string(id),
			Reason:      trace.ReasonUpstreamFailed,
			CauseTaskID: string(node.ID),
		})
	}

	if !node.Task.BestEffort && !r.e.KeepGoing {
		r.stopping = true
	}
	return nil
}

// digestRoots digests every graph-root input concurrently.
func (e *Executor) digestRoots(ctx context.Context) (map[string]core.Digest, error) {
	roots := e.Graph.RootInputs()
	digests := make(map[string]core.Digest, len(roots))

	var (
		mu      sync.Mutex
		missing []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency())
	for _, p := range roots {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := core.DigestFile(filepath.Join(e.Root, filepath.FromSlash(p)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, fs.ErrNotExist):
				missing = append(missing, p)
			case err != nil:
				return fmt.Errorf("digesting input %s: %w", p, err)
			default:
				digests[p] = d
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingInputsError{Paths: missing}
	}
	return digests, nil
}

// prepareOutputDirs creates the parent directory of every declared output.
func (e *Executor) prepareOutputDirs() error {
	seen := make(map[string]struct{})
	for _, out := range e.Graph.Outputs() {
		dir := path.Dir(out)
		if dir == "." {
			continue
		}
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		if err := os.MkdirAll(filepath.Join(e.Root, filepath.FromSlash(dir)), 0o755); err != nil {
			return fmt.Errorf("creating output directory %s: %w", dir, err)
		}
	}
	return nil
}
