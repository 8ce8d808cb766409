package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"taskweave/internal/core"
)

// LocalStore is a filesystem cache.
//
// Structure:
//
//	{Dir}/
//	  cas/{hash[0:2]}/{hash}        output blobs, one per digest
//	  ac/{fp[0:2]}/{fp}.json        entries keyed by fingerprint
//
// Every file is written to a temp file and renamed into place, so concurrent
// readers and concurrent writers of distinct keys never see partial data.
type LocalStore struct {
	Dir string
}

// NewLocalStore creates the store layout under dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	for _, sub := range []string{"cas", "ac"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating %s: %w", ErrCacheUnusable, sub, err)
		}
	}
	return &LocalStore{Dir: dir}, nil
}

func (s *LocalStore) blobPath(d core.Digest) string {
	return filepath.Join(s.Dir, "cas", shard(d.Hash), d.Hash)
}

func (s *LocalStore) entryPath(fp core.Digest) string {
	return filepath.Join(s.Dir, "ac", shard(fp.Hash), fp.Hash+".json")
}

// shard uses the first 2 characters of hash as a prefix directory to avoid
// having too many entries in a single directory.
func shard(hash string) string {
	if len(hash) < 2 {
		return "_"
	}
	return hash[:2]
}

func (s *LocalStore) Lookup(_ context.Context, fp core.Digest) (*Entry, error) {
	data, err := os.ReadFile(s.entryPath(fp))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing cache entry %s: %w", fp.Hash, err)
	}
	if e.Fingerprint != fp {
		return nil, fmt.Errorf("cache entry %s records fingerprint %s", fp.Hash, e.Fingerprint)
	}
	if err := e.validate(); err != nil {
		return nil, fmt.Errorf("cache entry %s: %w", fp.Hash, err)
	}
	return &e, nil
}

func (s *LocalStore) Materialize(ctx context.Context, e *Entry, root string) error {
	return materializeOutputs(ctx, e, root, func(_ context.Context, d core.Digest) (io.ReadCloser, error) {
		return os.Open(s.blobPath(d))
	})
}

// Store copies output blobs from root, then commits the entry.
//
// Blobs are written before the entry, so an entry never references a blob
// that is not there. Missing blobs are rewritten even when the entry exists.
// An existing entry is kept while it parses and all of its blobs are
// present; otherwise it is replaced.
func (s *LocalStore) Store(ctx context.Context, fp core.Digest, res *core.ExecutionResult, root string) error {
	if res == nil {
		return fmt.Errorf("execution result is nil")
	}

	for _, out := range res.Outputs {
		if err := s.putBlob(ctx, root, out); err != nil {
			return fmt.Errorf("storing %s: %w", out.Path, err)
		}
	}

	if existing, err := s.Lookup(ctx, fp); err == nil && existing != nil && s.hasBlobs(existing) {
		return nil
	}
	data, err := json.MarshalIndent(NewEntry(fp, res), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}
	if err := writeFileAtomic(s.entryPath(fp), data, 0o644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

func (s *LocalStore) hasBlobs(e *Entry) bool {
	for _, out := range e.Outputs {
		info, err := os.Stat(s.blobPath(out.Digest))
		if err != nil || info.Size() != out.Digest.SizeBytes {
			return false
		}
	}
	return true
}

func (s *LocalStore) putBlob(ctx context.Context, root string, out core.OutputFile) error {
	dest := s.blobPath(out.Digest)
	if info, err := os.Stat(dest); err == nil && info.Size() == out.Digest.SizeBytes {
		return nil
	}
	src, err := outputPath(root, out)
	if err != nil {
		return err
	}
	return restoreBlob(ctx, dest, out.Digest, 0o644, func(context.Context, core.Digest) (io.ReadCloser, error) {
		return os.Open(src)
	})
}

// Clean removes the whole store.
func (s *LocalStore) Clean() error {
	return os.RemoveAll(s.Dir)
}
