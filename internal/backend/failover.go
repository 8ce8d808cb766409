package backend

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"taskweave/internal/core"
)

// DefaultRetryBackoff is the pause before retrying an unavailable service.
const DefaultRetryBackoff = 2 * time.Second

// Failover runs tasks on Primary. An ErrRemoteUnavailable failure is retried
// once after Backoff; if the retry fails the same way and Fallback is set,
// the task runs on Fallback instead. Any other outcome from Primary is
// returned as is.
type Failover struct {
	Primary  Backend
	Fallback Backend
	Backoff  time.Duration
	Logger   *zap.Logger
}

// NewFailover creates a Failover with the default backoff. fallback may be nil.
func NewFailover(primary, fallback Backend, logger *zap.Logger) *Failover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Failover{Primary: primary, Fallback: fallback, Backoff: DefaultRetryBackoff, Logger: logger}
}

func (f *Failover) Execute(ctx context.Context, t core.Task, inputs []core.ResolvedInput) (*core.ExecutionResult, error) {
	res, err := f.Primary.Execute(ctx, t, inputs)
	if !errors.Is(err, ErrRemoteUnavailable) {
		return res, err
	}

	f.Logger.Warn("remote execution unavailable, retrying",
		zap.String("task", t.Name),
		zap.Duration("backoff", f.Backoff),
		zap.Error(err))
	if err := sleep(ctx, f.Backoff); err != nil {
		return nil, err
	}

	res, err = f.Primary.Execute(ctx, t, inputs)
	if !errors.Is(err, ErrRemoteUnavailable) || f.Fallback == nil {
		return res, err
	}

	f.Logger.Warn("remote execution unavailable, falling back to local",
		zap.String("task", t.Name),
		zap.Error(err))
	return f.Fallback.Execute(ctx, t, inputs)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
