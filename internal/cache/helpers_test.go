package cache

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"taskweave/internal/core"
)

// writeOutputs creates files under root and returns a result recording them.
func writeOutputs(t *testing.T, root string, files map[string]string) *core.ExecutionResult {
	t.Helper()
	res := &core.ExecutionResult{ExitCode: 0, Stdout: []byte("built\n"), Stderr: []byte("warn\n")}
	for _, p := range slices.Sorted(maps.Keys(files)) {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(files[p]), 0o644))
		res.Outputs = append(res.Outputs, core.OutputFile{Path: p, Digest: core.DigestBytes([]byte(files[p]))})
	}
	return res
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

var testFingerprint = core.DigestBytes([]byte("fingerprint"))
