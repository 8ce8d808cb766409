package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"taskweave/internal/backend"
	"taskweave/internal/cache"
	"taskweave/internal/core"
)

// TaskRunner satisfies one dispatched task, from cache or by executing it.
//
// A non-nil error means the attempt produced no trustworthy exit code. An
// exit code that does not match the task's expectation is reported in the
// result, not as an error.
type TaskRunner interface {
	Run(ctx context.Context, node *TaskNode, inputs []core.ResolvedInput) (*NodeResult, error)
}

// NodeResult is the outcome of one dispatched task.
type NodeResult struct {
	Fingerprint core.Digest
	Result      *core.ExecutionResult

	// FromCache is set when outputs were materialized from a cache.
	FromCache bool

	// Deduplicated is set when another task with the same fingerprint
	// supplied this result during the run.
	Deduplicated bool
}

type memoEntry struct {
	res *NodeResult
	err error
}

// CacheAwareRunner computes a task's fingerprint, consults the cache, and
// falls back to the backend on a miss.
//
// At most one lookup-or-execute happens per fingerprint for the lifetime of
// the runner: concurrent callers share one attempt through singleflight and
// later callers reuse the memoized outcome.
type CacheAwareRunner struct {
	Hasher  *core.TaskHasher
	Cache   cache.Store
	Backend backend.Backend

	// Root is the workspace root outputs are materialized into.
	Root string

	Logger *zap.Logger

	group singleflight.Group
	mu    sync.Mutex
	memo  map[core.Digest]memoEntry
}

// NewCacheAwareRunner creates a runner. store may be nil to disable caching.
func NewCacheAwareRunner(root string, store cache.Store, b backend.Backend, logger *zap.Logger) (*CacheAwareRunner, error) {
	if b == nil {
		return nil, fmt.Errorf("nil backend")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheAwareRunner{
		Hasher:  core.NewTaskHasher(),
		Cache:   store,
		Backend: b,
		Root:    root,
		Logger:  logger,
		memo:    make(map[core.Digest]memoEntry),
	}, nil
}

func (r *CacheAwareRunner) Run(ctx context.Context, node *TaskNode, inputs []core.ResolvedInput) (*NodeResult, error) {
	if node == nil {
		return nil, fmt.Errorf("nil task node")
	}
	fp := r.Hasher.Fingerprint(&node.Task, inputs)

	originator := false
	v, _, _ := r.group.Do(fp.Hash, func() (any, error) {
		r.mu.Lock()
		m, ok := r.memo[fp]
		r.mu.Unlock()
		if ok {
			return m, nil
		}

		originator = true
		res, err := r.attempt(ctx, node, fp, inputs)
		m = memoEntry{res: res, err: err}
		if ctx.Err() == nil {
			r.mu.Lock()
			r.memo[fp] = m
			r.mu.Unlock()
		}
		return m, nil
	})

	m := v.(memoEntry)
	if m.err != nil {
		return nil, m.err
	}
	if originator {
		return m.res, nil
	}

	r.Logger.Debug("reusing result for identical fingerprint",
		zap.String("task", string(node.ID)),
		zap.Stringer("fingerprint", fp))
	dup := *m.res
	dup.Deduplicated = true
	return &dup, nil
}

func (r *CacheAwareRunner) attempt(ctx context.Context, node *TaskNode, fp core.Digest, inputs []core.ResolvedInput) (*NodeResult, error) {
	t := node.Task
	log := r.Logger.With(zap.String("task", string(node.ID)), zap.Stringer("fingerprint", fp))

	if r.Cache != nil {
		if res, ok := r.fromCache(ctx, log, t, fp); ok {
			return &NodeResult{Fingerprint: fp, Result: res, FromCache: true}, nil
		}
	}

	res, err := r.Backend.Execute(ctx, t, inputs)
	if err != nil {
		return nil, err
	}
	if r.Cache != nil && t.Succeeded(res.ExitCode) {
		if err := r.Cache.Store(ctx, fp, res, r.Root); err != nil {
			if errors.Is(err, cache.ErrCacheUnusable) {
				return nil, err
			}
			log.Warn("cache store failed", zap.Error(err))
		}
	}
	return &NodeResult{Fingerprint: fp, Result: res}, nil
}

// fromCache returns a cached result with outputs in place. Any lookup or
// materialize failure is a miss.
func (r *CacheAwareRunner) fromCache(ctx context.Context, log *zap.Logger, t core.Task, fp core.Digest) (*core.ExecutionResult, bool) {
	entry, err := r.Cache.Lookup(ctx, fp)
	if err != nil {
		log.Warn("cache lookup failed", zap.Error(err))
		return nil, false
	}
	if entry == nil || !t.Succeeded(entry.ExitCode) {
		return nil, false
	}
	if err := r.Cache.Materialize(ctx, entry, r.Root); err != nil {
		log.Warn("cache materialize failed, executing", zap.Error(err))
		return nil, false
	}
	log.Debug("cache hit")
	return entry.Result(), true
}
