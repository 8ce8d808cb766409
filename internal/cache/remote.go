package cache

import (
	"context"
	"fmt"
	"os"
	"sort"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"taskweave/internal/core"
	"taskweave/internal/remote"
)

// RemoteStore keeps entries in a Remote Execution API action cache and
// output blobs in its CAS.
//
// The fingerprint is used as the action cache key, so entries written here
// are not interchangeable with results of remotely executed Actions.
type RemoteStore struct {
	Client *remote.Client
}

// NewRemoteStore creates a store on client.
func NewRemoteStore(client *remote.Client) *RemoteStore {
	return &RemoteStore{Client: client}
}

func (s *RemoteStore) Lookup(ctx context.Context, fp core.Digest) (*Entry, error) {
	ar, err := s.Client.GetActionResult(ctx, fp)
	if err != nil || ar == nil {
		return nil, err
	}

	stdout, err := s.Client.Output(ctx, ar.GetStdoutRaw(), ar.GetStdoutDigest())
	if err != nil {
		return nil, fmt.Errorf("reading cached stdout: %w", err)
	}
	stderr, err := s.Client.Output(ctx, ar.GetStderrRaw(), ar.GetStderrDigest())
	if err != nil {
		return nil, fmt.Errorf("reading cached stderr: %w", err)
	}

	e := &Entry{
		Fingerprint: fp,
		ExitCode:    int(ar.GetExitCode()),
		Stdout:      stdout,
		Stderr:      stderr,
		Outputs:     make([]core.OutputFile, 0, len(ar.GetOutputFiles())),
	}
	for _, f := range ar.GetOutputFiles() {
		e.Outputs = append(e.Outputs, core.OutputFile{
			Path:       f.GetPath(),
			Digest:     remote.FromProto(f.GetDigest()),
			Executable: f.GetIsExecutable(),
		})
	}
	sort.Slice(e.Outputs, func(i, j int) bool { return e.Outputs[i].Path < e.Outputs[j].Path })
	if err := e.validate(); err != nil {
		return nil, fmt.Errorf("remote entry %s: %w", fp.Hash, err)
	}
	return e, nil
}

func (s *RemoteStore) Materialize(ctx context.Context, e *Entry, root string) error {
	if e == nil {
		return fmt.Errorf("cache entry is nil")
	}
	for _, out := range e.Outputs {
		dest, err := outputPath(root, out)
		if err != nil {
			return err
		}
		if have, err := core.DigestFile(dest); err == nil && have == out.Digest {
			if err := os.Chmod(dest, fileMode(out.Executable)); err != nil {
				return err
			}
			continue
		}
		if err := s.Client.DownloadFile(ctx, out.Digest, dest, out.Executable); err != nil {
			return fmt.Errorf("restoring %s: %w", out.Path, err)
		}
	}
	return nil
}

func (s *RemoteStore) Store(ctx context.Context, fp core.Digest, res *core.ExecutionResult, root string) error {
	if res == nil {
		return fmt.Errorf("execution result is nil")
	}

	stdoutDigest := core.DigestBytes(res.Stdout)
	stderrDigest := core.DigestBytes(res.Stderr)
	blobs := []remote.Blob{
		{Digest: stdoutDigest, Data: res.Stdout},
		{Digest: stderrDigest, Data: res.Stderr},
	}
	ar := &repb.ActionResult{
		ExitCode:     int32(res.ExitCode),
		StdoutDigest: remote.ToProto(stdoutDigest),
		StderrDigest: remote.ToProto(stderrDigest),
	}
	for _, out := range res.Outputs {
		p, err := outputPath(root, out)
		if err != nil {
			return err
		}
		blobs = append(blobs, remote.Blob{Digest: out.Digest, Path: p})
		ar.OutputFiles = append(ar.OutputFiles, &repb.OutputFile{
			Path:         out.Path,
			Digest:       remote.ToProto(out.Digest),
			IsExecutable: out.Executable,
		})
	}

	if err := s.Client.Upload(ctx, blobs); err != nil {
		return fmt.Errorf("uploading outputs: %w", err)
	}
	return s.Client.UpdateActionResult(ctx, fp, ar)
}
