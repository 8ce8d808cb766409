package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"taskweave/internal/core"
)

// blobOpener opens the stored content of a digest.
type blobOpener func(ctx context.Context, d core.Digest) (io.ReadCloser, error)

// materializeOutputs restores each output of e under root.
//
// A destination already holding the expected digest is skipped. Otherwise
// the blob is copied into a temp file next to the destination, verified and
// renamed into place, so a reader never observes a partial file.
func materializeOutputs(ctx context.Context, e *Entry, root string, open blobOpener) error {
	if e == nil {
		return fmt.Errorf("cache entry is nil")
	}
	for _, out := range e.Outputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := core.CleanPath(out.Path)
		if err != nil {
			return fmt.Errorf("output %q: %w", out.Path, err)
		}
		dest := filepath.Join(root, filepath.FromSlash(rel))

		if have, err := core.DigestFile(dest); err == nil && have == out.Digest {
			if err := os.Chmod(dest, fileMode(out.Executable)); err != nil {
				return err
			}
			continue
		}

		if err := restoreBlob(ctx, dest, out.Digest, fileMode(out.Executable), open); err != nil {
			return fmt.Errorf("restoring %s: %w", rel, err)
		}
	}
	return nil
}

func restoreBlob(ctx context.Context, dest string, d core.Digest, mode os.FileMode, open blobOpener) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	src, err := open(ctx, d)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	got, err := core.DigestReader(io.TeeReader(src, tmp))
	if err != nil {
		return err
	}
	if got != d {
		return fmt.Errorf("stored blob is corrupt: want %s, got %s", d, got)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}

func fileMode(executable bool) os.FileMode {
	if executable {
		return 0o755
	}
	return 0o644
}

// writeFileAtomic writes data to path through a temp file and rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// outputPath returns the on-disk path of a recorded output.
func outputPath(root string, out core.OutputFile) (string, error) {
	rel, err := core.CleanPath(out.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}
