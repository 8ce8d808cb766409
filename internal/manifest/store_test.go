package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskweave/internal/trace"
)

func sampleManifest(runID string) Manifest {
	return Manifest{
		RunID:     runID,
		GraphHash: "abc",
		StartTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
		Status:    StatusSucceeded,
		Counts:    Counts{Succeeded: 1},
		Tasks:     []TaskRecord{{ID: "build", State: "SUCCEEDED"}},
	}
}

func TestStore_SaveLoadManifest(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	want := sampleManifest("run-1")
	require.NoError(t, s.SaveManifest(want))

	got, err := s.LoadManifest("run-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_SaveManifestRejectsInvalid(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	m := sampleManifest("run-1")
	m.Status = "bogus"
	err = s.SaveManifest(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status")
}

func TestStore_LoadManifestRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveManifest(sampleManifest("run-1")))

	path := filepath.Join(dir, "runs", "run-1", "manifest.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = append([]byte(`{"extra":1,`), data[1:]...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = s.LoadManifest("run-1")
	require.Error(t, err)
}

func TestStore_LoadManifestRejectsTrailingContent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveManifest(sampleManifest("run-1")))

	path := filepath.Join(dir, "runs", "run-1", "manifest.json")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.LoadManifest("run-1")
	require.ErrorContains(t, err, "trailing content")
}

func TestStore_ListAndLatest(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	latest, err := s.LatestRunID()
	require.NoError(t, err)
	assert.Empty(t, latest)

	first, second := NewRunID(), NewRunID()
	require.NoError(t, s.SaveManifest(sampleManifest(second)))
	require.NoError(t, s.SaveManifest(sampleManifest(first)))

	ids, err := s.ListRunIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, ids)

	latest, err = s.LatestRunID()
	require.NoError(t, err)
	assert.Equal(t, second, latest)
}

func TestStore_SaveTraceWritesCanonicalBytes(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	tr := trace.ExecutionTrace{
		GraphHash: "g",
		Events: []trace.Event{
			{Kind: trace.EventTaskSucceeded, TaskID: "b"},
			{Kind: trace.EventTaskReady, TaskID: "a"},
		},
	}
	require.NoError(t, s.SaveTrace("run-1", tr))

	want, err := tr.CanonicalJSON()
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, "runs", "run-1", "trace.json"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	loaded, err := s.LoadTrace("run-1")
	require.NoError(t, err)
	assert.Equal(t, "a", loaded.Events[0].TaskID)
}

func TestStore_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveManifest(sampleManifest("run-1")))

	entries, err := os.ReadDir(filepath.Join(dir, "runs", "run-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "manifest.json", entries[0].Name())
}

func TestNewStore_RequiresDir(t *testing.T) {
	_, err := NewStore("  ")
	require.Error(t, err)
}
