package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"taskweave/internal/backend"
	"taskweave/internal/cache"
	"taskweave/internal/config"
	"taskweave/internal/dag"
	"taskweave/internal/manifest"
	"taskweave/internal/remote"
	"taskweave/internal/trace"
)

// RunResult is the outcome of one Execute call.
type RunResult struct {
	ExitCode    int
	RunID       string
	GraphResult *dag.GraphResult
	Manifest    manifest.Manifest
	CacheStats  *cache.Stats
}

// Engine wires configuration into a cache, a backend and an executor, and
// records every run under the state directory.
type Engine struct {
	Config config.Config
	Logger *zap.Logger

	// Conn replaces dialing Config.Remote when set.
	Conn grpc.ClientConnInterface

	// S3 replaces the client built from Config.S3 when set.
	S3 cache.S3API

	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Execute loads taskFile, runs the graph and saves the run manifest and
// trace. The returned error is nil only when every task succeeded.
func (e *Engine) Execute(ctx context.Context, taskFile string) (RunResult, error) {
	log := e.Logger
	if log == nil {
		log = zap.NewNop()
	}
	res := RunResult{ExitCode: ExitInternalError}
	start := e.now()

	root, err := e.Config.RootDir()
	if err != nil {
		return res, configError(err)
	}
	stateDir, err := e.Config.StateDir()
	if err != nil {
		return res, configError(err)
	}
	runs, err := manifest.NewStore(stateDir)
	if err != nil {
		return res, configError(err)
	}
	res.RunID = manifest.NewRunID()
	prevID, err := runs.LatestRunID()
	if err != nil {
		log.Warn("listing previous runs failed", zap.Error(err))
	}
	log = log.With(zap.String("run_id", res.RunID))

	record := func(gr *dag.GraphResult, tr *trace.ExecutionTrace, runErr error) {
		m := manifest.FromResult(res.RunID, start, e.now(), gr, runErr)
		if prevID != "" {
			m.PreviousRunID = &prevID
		}
		res.Manifest = m
		if err := runs.SaveManifest(m); err != nil {
			log.Warn("saving run manifest failed", zap.Error(err))
		}
		if tr != nil {
			if err := runs.SaveTrace(res.RunID, *tr); err != nil {
				log.Warn("saving run trace failed", zap.Error(err))
			}
		}
	}

	tasks, err := LoadTaskFile(taskFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = invalidInvocation(err)
		}
		record(nil, nil, err)
		res.ExitCode = ExitCode(err)
		return res, err
	}
	reserved, err := e.Config.ReservedDirs()
	if err != nil {
		err = configError(err)
		record(nil, nil, err)
		res.ExitCode = ExitCode(err)
		return res, err
	}
	g, err := BuildGraph(root, tasks, reserved...)
	if err != nil {
		record(nil, nil, err)
		res.ExitCode = ExitCode(err)
		return res, err
	}
	log.Info("graph loaded", zap.Int("tasks", g.Len()), zap.Stringer("graph_hash", g.Hash()))

	var client *remote.Client
	if e.needsRemote() {
		conn := e.Conn
		if conn == nil {
			cc, err := remote.Dial(e.Config.Remote)
			if err != nil {
				err = configError(fmt.Errorf("dial remote: %w", err))
				record(nil, nil, err)
				res.ExitCode = ExitConfigError
				return res, err
			}
			defer cc.Close()
			conn = cc
		}
		client = remote.NewClient(conn, e.Config.Remote, log.Named("remote"))
	}

	tiered, err := e.buildCache(ctx, client, log)
	if err != nil {
		record(nil, nil, err)
		res.ExitCode = ExitCode(err)
		return res, err
	}
	be, err := e.buildBackend(root, client, log)
	if err != nil {
		record(nil, nil, err)
		res.ExitCode = ExitCode(err)
		return res, err
	}

	var store cache.Store
	if tiered != nil {
		store = tiered
	}
	runner, err := dag.NewCacheAwareRunner(root, store, be, log)
	if err != nil {
		return res, err
	}
	ex, err := dag.NewExecutor(g, runner, root)
	if err != nil {
		return res, err
	}
	recorder := trace.NewRecorder()
	ex.Concurrency = e.Config.Concurrency()
	ex.KeepGoing = e.Config.Execution.KeepGoing
	ex.Sink = trace.Multi{recorder, trace.NewLogSink(log)}
	ex.Logger = log

	gr, runErr := ex.Run(ctx)
	if tiered != nil {
		tiered.Wait()
		stats := tiered.Stats()
		res.CacheStats = &stats
		log.Debug("cache stats",
			zap.Int64("local_hits", stats.LocalHits),
			zap.Int64("remote_hits", stats.RemoteHits),
			zap.Int64("misses", stats.Misses))
	}
	res.GraphResult = gr

	var tr *trace.ExecutionTrace
	if gr != nil {
		t := recorder.Trace(g.Hash().String())
		tr = &t
	}
	record(gr, tr, runErr)

	switch {
	case runErr != nil:
		res.ExitCode = ExitCode(runErr)
		return res, runErr
	case !gr.Success:
		res.ExitCode = ExitGraphFailure
		return res, &ExitError{Code: ExitGraphFailure, Err: fmt.Errorf("%d task(s) failed, %d skipped", gr.Failed, gr.Skipped)}
	}
	log.Info("run succeeded",
		zap.Int("succeeded", gr.Succeeded),
		zap.Int("cached", gr.Cached))
	res.ExitCode = ExitSuccess
	return res, nil
}

func (e *Engine) needsRemote() bool {
	return e.Config.Cache.Shared == "remote" || e.Config.Execution.Backend == "remote"
}

// buildCache composes the configured tiers behind a Tiered store, so a
// failing local tier is disabled rather than failing the run unless the
// cache is required. It returns nil when no tier is usable.
func (e *Engine) buildCache(ctx context.Context, client *remote.Client, log *zap.Logger) (*cache.Tiered, error) {
	cc := e.Config.Cache

	var local cache.Store
	if cc.Disabled {
		local = cache.NewMemoryStore()
	} else {
		dir, err := e.Config.CacheDir()
		if err == nil {
			var ls *cache.LocalStore
			ls, err = cache.NewLocalStore(dir)
			if err == nil {
				local = ls
			}
		}
		if err != nil {
			if cc.Required {
				return nil, fmt.Errorf("%w: %w", cache.ErrCacheUnusable, err)
			}
			log.Warn("local cache unavailable, continuing without it", zap.Error(err))
		}
	}

	var shared cache.Store
	switch cc.Shared {
	case "remote":
		shared = cache.NewRemoteStore(client)
	case "s3":
		api := e.S3
		if api == nil {
			c, err := cache.NewS3Client(ctx, e.Config.S3)
			if err != nil {
				return nil, configError(fmt.Errorf("s3 client: %w", err))
			}
			api = c
		}
		shared = cache.NewS3Store(api, e.Config.S3.Bucket, e.Config.S3.Prefix)
	}

	if local == nil && shared == nil {
		return nil, nil
	}
	return cache.NewTiered(local, shared, cc.Required, log.Named("cache")), nil
}

func (e *Engine) buildBackend(root string, client *remote.Client, log *zap.Logger) (backend.Backend, error) {
	xc := e.Config.Execution

	local := backend.NewLocal(root, log.Named("local"))
	if xc.InheritEnv != nil {
		local.InheritEnv = xc.InheritEnv
	}
	if xc.MaxCaptureBytes > 0 {
		local.MaxCaptureBytes = xc.MaxCaptureBytes
	}
	if xc.Backend != "remote" {
		return local, nil
	}

	codes, err := remote.ParseCodes(xc.RetryableCodes)
	if err != nil {
		return nil, configError(err)
	}
	rb := backend.NewRemote(client, root, log.Named("remote"))
	rb.RetryableCodes = codes
	rb.SkipCacheLookup = xc.SkipCacheLookup
	if xc.MaxCaptureBytes > 0 {
		rb.MaxCaptureBytes = xc.MaxCaptureBytes
	}

	var fallback backend.Backend
	if xc.FallbackLocal {
		fallback = local
	}
	f := backend.NewFailover(rb, fallback, log.Named("failover"))
	f.Backoff = xc.RetryBackoff
	return f, nil
}
