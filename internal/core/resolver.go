package core

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// InputResolver expands declared input patterns to workspace-relative paths.
//
// Literal paths pass through cleaned, whether or not they exist yet: they may
// be produced by another task. Glob patterns (doublestar syntax) match both
// files present under Root and paths declared as outputs by any task, so a
// pattern can consume files that do not exist before the run starts.
//
// Expansion is strictly sorted and free of duplicates, so directory listing
// order never affects fingerprints.
type InputResolver struct {
	// Root is the workspace root directory.
	Root string

	// Exclude lists workspace-relative directories that glob patterns never
	// match, such as the state directory holding the cache and run records.
	// Literal paths are not filtered.
	Exclude []string
}

// NewInputResolver creates a new InputResolver rooted at root. Globs skip
// every file under the exclude directories.
func NewInputResolver(root string, exclude ...string) *InputResolver {
	return &InputResolver{Root: root, Exclude: exclude}
}

// Resolve expands patterns against the workspace and the declared outputs.
func (r *InputResolver) Resolve(patterns []string, declaredOutputs []string) ([]string, error) {
	if len(patterns) == 0 {
		return []string{}, nil
	}

	pathSet := make(map[string]struct{})
	for _, pattern := range patterns {
		expanded, err := r.expandPattern(pattern, declaredOutputs)
		if err != nil {
			return nil, fmt.Errorf("expanding pattern %q: %w", pattern, err)
		}
		for _, p := range expanded {
			pathSet[p] = struct{}{}
		}
	}

	paths := make([]string, 0, len(pathSet))
	for p := range pathSet {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (r *InputResolver) expandPattern(pattern string, declaredOutputs []string) ([]string, error) {
	if !IsPattern(pattern) {
		clean, err := CleanPath(pattern)
		if err != nil {
			return nil, err
		}
		return []string{clean}, nil
	}

	clean, err := CleanPath(pattern)
	if err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(clean) {
		return nil, fmt.Errorf("invalid glob pattern")
	}

	var matches []string
	if r.Root != "" {
		found, err := doublestar.Glob(os.DirFS(r.Root), clean, doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			if !r.excluded(f) {
				matches = append(matches, f)
			}
		}
	}
	for _, out := range declaredOutputs {
		ok, err := doublestar.Match(clean, out)
		if err != nil {
			return nil, err
		}
		if ok && !r.excluded(out) {
			matches = append(matches, out)
		}
	}
	return matches, nil
}

func (r *InputResolver) excluded(p string) bool {
	for _, dir := range r.Exclude {
		if p == dir || strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

// IsPattern reports whether an input declaration contains glob syntax.
func IsPattern(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', ']', '{', '}':
			return true
		}
	}
	return false
}
