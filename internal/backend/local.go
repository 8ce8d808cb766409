package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"taskweave/internal/core"
)

// DefaultInheritEnv is the host environment passed through to tasks when
// Local.InheritEnv is nil.
var DefaultInheritEnv = []string{"PATH"}

// Local runs tasks as child processes of this one.
//
// The child environment starts empty. Only the variables named in
// InheritEnv are copied from the host, then the task's own overrides are
// applied on top. Each child runs in its own process group so cancellation
// and timeouts kill every process it started.
type Local struct {
	// Root is the workspace root. Task working directories and outputs are
	// relative to it.
	Root string

	// InheritEnv names host variables visible to tasks.
	InheritEnv []string

	// MaxCaptureBytes bounds each of stdout and stderr.
	MaxCaptureBytes int

	Logger *zap.Logger
}

// NewLocal creates a Local backend rooted at root with default settings.
func NewLocal(root string, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		Root:            root,
		InheritEnv:      DefaultInheritEnv,
		MaxCaptureBytes: DefaultMaxCaptureBytes,
		Logger:          logger,
	}
}

func (l *Local) Execute(ctx context.Context, t core.Task, _ []core.ResolvedInput) (*core.ExecutionResult, error) {
	dir := l.Root
	if t.WorkDir != "" {
		wd, err := core.CleanPath(t.WorkDir)
		if err != nil {
			return nil, execErr(ErrSpawn, t.Name, err)
		}
		dir = filepath.Join(l.Root, filepath.FromSlash(wd))
	}

	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	limit := l.MaxCaptureBytes
	if limit <= 0 {
		limit = DefaultMaxCaptureBytes
	}
	stdout := &boundedBuffer{limit: limit}
	stderr := &boundedBuffer{limit: limit}

	cmd := exec.Command(t.Command, t.Args...)
	cmd.Dir = dir
	cmd.Env = l.environ(t.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	l.Logger.Debug("spawning task",
		zap.String("task", t.Name),
		zap.String("command", t.CommandLine()),
		zap.String("dir", dir))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, execErr(ErrSpawn, t.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case <-runCtx.Done():
		// Kill the whole group (negative pid), then reap.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &ExecError{Kind: ErrTimeout, Task: t.Name, Reason: fmt.Sprintf("after %s", t.Timeout)}
		}
		return nil, fmt.Errorf("task %q cancelled: %w", t.Name, ctx.Err())
	case waitErr = <-done:
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, execErr(ErrSpawn, t.Name, waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	res := &core.ExecutionResult{
		ExitCode:  exitCode,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}
	if !t.Succeeded(exitCode) {
		return res, nil
	}

	outputs, err := Harvest(l.Root, t.Name, t.Outputs)
	if err != nil {
		return nil, err
	}
	res.Outputs = outputs
	return res, nil
}

// environ builds the child environment: inherited allowlist, then overrides.
// The result is sorted so children see a stable order.
func (l *Local) environ(overrides map[string]string) []string {
	vars := make(map[string]string, len(l.InheritEnv)+len(overrides))
	for _, name := range l.InheritEnv {
		if v, ok := os.LookupEnv(name); ok {
			vars[name] = v
		}
	}
	for k, v := range overrides {
		vars[k] = v
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
