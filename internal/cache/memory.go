package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"taskweave/internal/core"
)

// MemoryStore implements Store in process memory.
// Useful for testing and runs without a disk cache.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[core.Digest]*Entry
	blobs   map[core.Digest][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[core.Digest]*Entry),
		blobs:   make(map[core.Digest][]byte),
	}
}

func (s *MemoryStore) Lookup(_ context.Context, fp core.Digest) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fp]
	if !ok {
		return nil, nil
	}
	cp := *e
	cp.Outputs = append([]core.OutputFile(nil), e.Outputs...)
	return &cp, nil
}

func (s *MemoryStore) Materialize(ctx context.Context, e *Entry, root string) error {
	return materializeOutputs(ctx, e, root, func(_ context.Context, d core.Digest) (io.ReadCloser, error) {
		s.mu.RLock()
		data, ok := s.blobs[d]
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("blob %s not in memory store", d)
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

func (s *MemoryStore) Store(_ context.Context, fp core.Digest, res *core.ExecutionResult, root string) error {
	if res == nil {
		return fmt.Errorf("execution result is nil")
	}
	blobs := make(map[core.Digest][]byte, len(res.Outputs))
	for _, out := range res.Outputs {
		p, err := outputPath(root, out)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading output %s: %w", out.Path, err)
		}
		if got := core.DigestBytes(data); got != out.Digest {
			return fmt.Errorf("output %s changed after execution: want %s, got %s", out.Path, out.Digest, got)
		}
		blobs[out.Digest] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[fp]; exists {
		return nil
	}
	for d, data := range blobs {
		s.blobs[d] = data
	}
	s.entries[fp] = NewEntry(fp, res)
	return nil
}

// Len returns the number of entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
