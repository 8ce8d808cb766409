package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"taskweave/internal/core"
)

// Harvest digests the declared outputs of a finished task.
//
// Only declared paths are read; nothing else in the workspace is looked at.
// Paths are workspace-relative and the result is sorted by path. A missing
// output is reported as ErrOutputMissing.
func Harvest(root, task string, outputs []string) ([]core.OutputFile, error) {
	files := make([]core.OutputFile, 0, len(outputs))
	for _, out := range outputs {
		rel, err := core.CleanPath(out)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", out, err)
		}
		full := filepath.Join(root, filepath.FromSlash(rel))

		info, err := os.Stat(full)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ExecError{Kind: ErrOutputMissing, Task: task, Path: rel}
		}
		if err != nil {
			return nil, fmt.Errorf("stat output %s: %w", rel, err)
		}
		if info.IsDir() {
			return nil, &ExecError{Kind: ErrOutputMissing, Task: task, Path: rel, Reason: "is a directory"}
		}

		d, err := core.DigestFile(full)
		if err != nil {
			return nil, err
		}
		files = append(files, core.OutputFile{
			Path:       rel,
			Digest:     d,
			Executable: info.Mode().Perm()&0o111 != 0,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
