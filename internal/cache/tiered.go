package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"taskweave/internal/core"
)

// Stats counts Tiered lookups by outcome.
type Stats struct {
	LocalHits  int64
	RemoteHits int64
	Misses     int64
}

// Tiered consults a local store first, then a remote store.
//
// A local hit short-circuits the remote lookup. Remote lookup errors are
// soft misses. Remote hits are written through to the local tier after
// materializing. A failing local write disables the local tier for the rest
// of the run, or surfaces as ErrCacheUnusable when Required is set. Remote
// writes run in the background; Wait blocks until they finish.
type Tiered struct {
	Local    Store
	Remote   Store
	Required bool
	Logger   *zap.Logger

	localDisabled atomic.Bool
	disableOnce   sync.Once
	pending       sync.WaitGroup

	localHits  atomic.Int64
	remoteHits atomic.Int64
	misses     atomic.Int64
}

// NewTiered composes local and remote; either may be nil.
func NewTiered(local, remote Store, required bool, logger *zap.Logger) *Tiered {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{Local: local, Remote: remote, Required: required, Logger: logger}
}

func (t *Tiered) localUsable() bool {
	return t.Local != nil && !t.localDisabled.Load()
}

// localFailure handles a local write error.
func (t *Tiered) localFailure(op string, err error) error {
	if t.Required {
		return fmt.Errorf("%w: local %s: %w", ErrCacheUnusable, op, err)
	}
	t.disableOnce.Do(func() {
		t.localDisabled.Store(true)
		t.Logger.Warn("local cache disabled for this run", zap.String("op", op), zap.Error(err))
	})
	return nil
}

func (t *Tiered) Lookup(ctx context.Context, fp core.Digest) (*Entry, error) {
	if t.localUsable() {
		e, err := t.Local.Lookup(ctx, fp)
		switch {
		case err != nil:
			t.Logger.Warn("local cache lookup failed", zap.Stringer("fingerprint", fp), zap.Error(err))
		case e != nil:
			e.source = t.Local
			t.localHits.Add(1)
			return e, nil
		}
	}

	if t.Remote != nil {
		e, err := t.Remote.Lookup(ctx, fp)
		switch {
		case err != nil:
			t.Logger.Warn("remote cache lookup failed", zap.Stringer("fingerprint", fp), zap.Error(err))
		case e != nil:
			e.source = t.Remote
			t.remoteHits.Add(1)
			return e, nil
		}
	}

	t.misses.Add(1)
	return nil, nil
}

func (t *Tiered) Materialize(ctx context.Context, e *Entry, root string) error {
	if e == nil {
		return fmt.Errorf("cache entry is nil")
	}
	switch {
	case e.source != nil && e.source == t.Local:
		return t.Local.Materialize(ctx, e, root)
	case e.source != nil && e.source == t.Remote:
		if err := t.Remote.Materialize(ctx, e, root); err != nil {
			return err
		}
		if t.localUsable() {
			if err := t.Local.Store(ctx, e.Fingerprint, e.Result(), root); err != nil {
				return t.localFailure("write-through", err)
			}
		}
		return nil
	}

	if t.localUsable() {
		if err := t.Local.Materialize(ctx, e, root); err == nil {
			return nil
		}
	}
	if t.Remote != nil {
		return t.Remote.Materialize(ctx, e, root)
	}
	return fmt.Errorf("no cache tier can materialize %s", e.Fingerprint)
}

func (t *Tiered) Store(ctx context.Context, fp core.Digest, res *core.ExecutionResult, root string) error {
	if t.localUsable() {
		if err := t.Local.Store(ctx, fp, res, root); err != nil {
			if err := t.localFailure("store", err); err != nil {
				return err
			}
		}
	}

	if t.Remote != nil {
		bg := context.WithoutCancel(ctx)
		t.pending.Add(1)
		go func() {
			defer t.pending.Done()
			if err := t.Remote.Store(bg, fp, res, root); err != nil {
				t.Logger.Warn("remote cache store failed", zap.Stringer("fingerprint", fp), zap.Error(err))
			}
		}()
	}
	return nil
}

// Wait blocks until background remote writes have finished.
func (t *Tiered) Wait() {
	t.pending.Wait()
}

// Stats returns lookup counters.
func (t *Tiered) Stats() Stats {
	return Stats{
		LocalHits:  t.localHits.Load(),
		RemoteHits: t.remoteHits.Load(),
		Misses:     t.misses.Load(),
	}
}
