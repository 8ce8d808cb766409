package backend

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"taskweave/internal/core"
	"taskweave/internal/remote"
)

// Remote runs tasks on a Remote Execution API service.
//
// The Action's input root mirrors the workspace: every resolved input sits
// at its workspace-relative path, the working directory is the task's
// WorkDir, and output paths are relative to it. Outputs are downloaded back
// to their workspace paths.
type Remote struct {
	Client *remote.Client

	// Root is the local workspace root.
	Root string

	// RetryableCodes classify a failed call as ErrRemoteUnavailable. Any
	// other failure is ErrRemoteRejected.
	RetryableCodes []codes.Code

	// SkipCacheLookup forces execution even when the service has a cached
	// result for the Action.
	SkipCacheLookup bool

	MaxCaptureBytes int

	Logger *zap.Logger
}

// NewRemote creates a Remote backend with the default retryable codes.
func NewRemote(client *remote.Client, root string, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{
		Client:          client,
		Root:            root,
		RetryableCodes:  remote.DefaultRetryableCodes,
		MaxCaptureBytes: DefaultMaxCaptureBytes,
		Logger:          logger,
	}
}

func (r *Remote) Execute(ctx context.Context, t core.Task, inputs []core.ResolvedInput) (*core.ExecutionResult, error) {
	start := time.Now()

	workdir := "."
	if t.WorkDir != "" {
		wd, err := core.CleanPath(t.WorkDir)
		if err != nil {
			return nil, r.rejected(t, err.Error())
		}
		workdir = wd
	}

	outputs, err := relativeOutputs(workdir, t.Outputs)
	if err != nil {
		return nil, r.rejected(t, err.Error())
	}

	rootDigest, blobs, err := buildInputRoot(r.Root, workdir, inputs)
	if err != nil {
		return nil, fmt.Errorf("task %q: building input root: %w", t.Name, err)
	}

	cmd := &repb.Command{
		Arguments:            t.Argv(),
		EnvironmentVariables: environment(t.Env),
		OutputPaths:          outputs,
		Platform:             r.Client.Platform(),
	}
	if workdir != "." {
		cmd.WorkingDirectory = workdir
	}
	cmdBytes, cmdDigest, err := remote.MarshalDeterministic(cmd)
	if err != nil {
		return nil, err
	}

	action := &repb.Action{
		CommandDigest:   remote.ToProto(cmdDigest),
		InputRootDigest: remote.ToProto(rootDigest),
		Platform:        r.Client.Platform(),
	}
	if t.Timeout > 0 {
		action.Timeout = durationpb.New(t.Timeout)
	}
	actionBytes, actionDigest, err := remote.MarshalDeterministic(action)
	if err != nil {
		return nil, err
	}
	blobs = append(blobs,
		remote.Blob{Digest: cmdDigest, Data: cmdBytes},
		remote.Blob{Digest: actionDigest, Data: actionBytes})

	if err := r.Client.Upload(ctx, blobs); err != nil {
		return nil, r.classify(ctx, t, err)
	}

	r.Logger.Debug("executing remotely",
		zap.String("task", t.Name),
		zap.Stringer("action", actionDigest))

	resp, err := r.Client.Execute(ctx, actionDigest, r.SkipCacheLookup)
	if err != nil {
		if status.Code(err) == codes.DeadlineExceeded && resp.GetResult() != nil {
			return nil, &ExecError{Kind: ErrTimeout, Task: t.Name, Reason: fmt.Sprintf("after %s", t.Timeout)}
		}
		return nil, r.classify(ctx, t, err)
	}
	ar := resp.GetResult()

	res := &core.ExecutionResult{ExitCode: int(ar.GetExitCode()), Remote: true}
	stdout, outCut, err := r.Client.OutputPrefix(ctx, ar.GetStdoutRaw(), ar.GetStdoutDigest(), r.MaxCaptureBytes)
	if err != nil {
		return nil, r.classify(ctx, t, err)
	}
	stderr, errCut, err := r.Client.OutputPrefix(ctx, ar.GetStderrRaw(), ar.GetStderrDigest(), r.MaxCaptureBytes)
	if err != nil {
		return nil, r.classify(ctx, t, err)
	}
	var outTrunc, errTrunc bool
	res.Stdout, outTrunc = truncate(stdout, r.MaxCaptureBytes)
	res.Stderr, errTrunc = truncate(stderr, r.MaxCaptureBytes)
	outTrunc, errTrunc = outTrunc || outCut, errTrunc || errCut
	res.Truncated = outTrunc || errTrunc

	if t.Succeeded(res.ExitCode) {
		res.Outputs, err = r.download(ctx, t, workdir, ar)
		if err != nil {
			return nil, err
		}
	}
	res.Duration = time.Since(start)
	return res, nil
}

// download fetches every declared output to its workspace path.
func (r *Remote) download(ctx context.Context, t core.Task, workdir string, ar *repb.ActionResult) ([]core.OutputFile, error) {
	produced := make(map[string]*repb.OutputFile, len(ar.GetOutputFiles()))
	for _, f := range ar.GetOutputFiles() {
		produced[path.Clean(f.GetPath())] = f
	}

	files := make([]core.OutputFile, 0, len(t.Outputs))
	for _, out := range t.Outputs {
		ws, err := core.CleanPath(out)
		if err != nil {
			return nil, err
		}
		f, ok := produced[relTo(workdir, ws)]
		if !ok {
			return nil, &ExecError{Kind: ErrOutputMissing, Task: t.Name, Path: ws}
		}
		d := remote.FromProto(f.GetDigest())
		dest := filepath.Join(r.Root, filepath.FromSlash(ws))
		if err := r.Client.DownloadFile(ctx, d, dest, f.GetIsExecutable()); err != nil {
			return nil, r.classify(ctx, t, fmt.Errorf("downloading %s: %w", ws, err))
		}
		files = append(files, core.OutputFile{Path: ws, Digest: d, Executable: f.GetIsExecutable()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// classify maps a failed remote call to ErrRemoteUnavailable or
// ErrRemoteRejected. Cancellation of ctx is passed through unchanged.
func (r *Remote) classify(ctx context.Context, t core.Task, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("task %q cancelled: %w", t.Name, ctx.Err())
	}
	st, ok := status.FromError(err)
	if !ok {
		// Local I/O or decoding errors while talking to the service.
		return execErr(ErrRemoteUnavailable, t.Name, err)
	}
	if slices.Contains(r.RetryableCodes, st.Code()) {
		return execErr(ErrRemoteUnavailable, t.Name, err)
	}
	return &ExecError{Kind: ErrRemoteRejected, Task: t.Name, Reason: st.Code().String() + ": " + st.Message(), Err: err}
}

func (r *Remote) rejected(t core.Task, reason string) error {
	return &ExecError{Kind: ErrRemoteRejected, Task: t.Name, Reason: reason}
}

// relativeOutputs rewrites workspace-relative outputs relative to workdir,
// sorted. Outputs outside workdir cannot be expressed in a Command.
func relativeOutputs(workdir string, outputs []string) ([]string, error) {
	rel := make([]string, 0, len(outputs))
	for _, out := range outputs {
		ws, err := core.CleanPath(out)
		if err != nil {
			return nil, err
		}
		r := relTo(workdir, ws)
		if r == "" {
			return nil, fmt.Errorf("output %s is outside working directory %s", ws, workdir)
		}
		rel = append(rel, r)
	}
	sort.Strings(rel)
	return rel, nil
}

// relTo returns p relative to dir, or "" when p is not below dir.
func relTo(dir, p string) string {
	if dir == "." {
		return p
	}
	if rest, ok := strings.CutPrefix(p, dir+"/"); ok {
		return rest
	}
	return ""
}

func environment(env map[string]string) []*repb.Command_EnvironmentVariable {
	if len(env) == 0 {
		return nil
	}
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	vars := make([]*repb.Command_EnvironmentVariable, 0, len(names))
	for _, k := range names {
		vars = append(vars, &repb.Command_EnvironmentVariable{Name: k, Value: env[k]})
	}
	return vars
}
