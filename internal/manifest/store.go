package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"taskweave/internal/trace"
)

// Store keeps run records under:
//
//	<dir>/runs/<run-id>/manifest.json
//	<dir>/runs/<run-id>/trace.json
//
// All writes are atomic and durable (file sync + atomic rename + dir sync).
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("dir is required")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) runsRootDir() string {
	return filepath.Join(s.dir, "runs")
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.runsRootDir(), runID)
}

func (s *Store) manifestPath(runID string) string {
	return filepath.Join(s.runDir(runID), "manifest.json")
}

func (s *Store) tracePath(runID string) string {
	return filepath.Join(s.runDir(runID), "trace.json")
}

// ListRunIDs returns all run ids on disk, sorted. Ids from NewRunID sort
// chronologically.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.TrimSpace(e.Name()) == "" {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// LatestRunID returns the most recent run id, or "" when there is none.
func (s *Store) LatestRunID() (string, error) {
	ids, err := s.ListRunIDs()
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[len(ids)-1], nil
}

func (s *Store) SaveManifest(m Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if err := ensureDirDurable(s.runDir(m.RunID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := jsonMarshalStable(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeFileAtomicDurable(s.manifestPath(m.RunID), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (s *Store) LoadManifest(runID string) (Manifest, error) {
	var m Manifest
	if strings.TrimSpace(runID) == "" {
		return Manifest{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.manifestPath(runID), &m); err != nil {
		return Manifest{}, err
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest on disk: %w", err)
	}
	return m, nil
}

// SaveTrace writes the canonical trace bytes of a run.
func (s *Store) SaveTrace(runID string, t trace.ExecutionTrace) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid trace: %w", err)
	}
	data, err := t.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	if err := ensureDirDurable(s.runDir(runID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	if err := writeFileAtomicDurable(s.tracePath(runID), data, 0o644); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}

func (s *Store) LoadTrace(runID string) (trace.ExecutionTrace, error) {
	var t trace.ExecutionTrace
	if err := readJSONStrict(s.tracePath(runID), &t); err != nil {
		return trace.ExecutionTrace{}, err
	}
	return t, nil
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		if err := fsyncDir(parent); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
