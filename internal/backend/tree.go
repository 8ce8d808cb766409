package backend

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"taskweave/internal/core"
	"taskweave/internal/remote"
)

// inputTree is the input root of an Action under construction.
type inputTree struct {
	files map[string]*repb.FileNode
	dirs  map[string]*inputTree
}

func newInputTree() *inputTree {
	return &inputTree{files: make(map[string]*repb.FileNode), dirs: make(map[string]*inputTree)}
}

// dir returns the subtree at rel, creating directories as needed.
func (t *inputTree) dir(rel string) (*inputTree, error) {
	if rel == "" || rel == "." {
		return t, nil
	}
	cur := t
	for _, name := range strings.Split(rel, "/") {
		if _, clash := cur.files[name]; clash {
			return nil, fmt.Errorf("input path %s is both a file and a directory", rel)
		}
		next, ok := cur.dirs[name]
		if !ok {
			next = newInputTree()
			cur.dirs[name] = next
		}
		cur = next
	}
	return cur, nil
}

func (t *inputTree) addFile(rel string, d core.Digest, executable bool) error {
	parent, err := t.dir(path.Dir(rel))
	if err != nil {
		return err
	}
	name := path.Base(rel)
	if _, clash := parent.dirs[name]; clash {
		return fmt.Errorf("input path %s is both a file and a directory", rel)
	}
	parent.files[name] = &repb.FileNode{Name: name, Digest: remote.ToProto(d), IsExecutable: executable}
	return nil
}

// encode serializes the tree bottom-up. Children are sorted by name as the
// protocol requires. Directory blobs are appended to blobs; the root digest
// is returned.
func (t *inputTree) encode(blobs *[]remote.Blob) (core.Digest, error) {
	dir := &repb.Directory{}

	fileNames := make([]string, 0, len(t.files))
	for name := range t.files {
		fileNames = append(fileNames, name)
	}
	sort.Strings(fileNames)
	for _, name := range fileNames {
		dir.Files = append(dir.Files, t.files[name])
	}

	dirNames := make([]string, 0, len(t.dirs))
	for name := range t.dirs {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	for _, name := range dirNames {
		d, err := t.dirs[name].encode(blobs)
		if err != nil {
			return core.Digest{}, err
		}
		dir.Directories = append(dir.Directories, &repb.DirectoryNode{Name: name, Digest: remote.ToProto(d)})
	}

	data, d, err := remote.MarshalDeterministic(dir)
	if err != nil {
		return core.Digest{}, err
	}
	*blobs = append(*blobs, remote.Blob{Digest: d, Data: data})
	return d, nil
}

// buildInputRoot lays out inputs under the workspace root and makes sure
// the working directory exists in the tree. File blobs reference the
// workspace copy so large inputs are streamed, not loaded.
func buildInputRoot(root, workdir string, inputs []core.ResolvedInput) (core.Digest, []remote.Blob, error) {
	tree := newInputTree()
	var blobs []remote.Blob
	for _, in := range core.SortInputs(inputs) {
		full := filepath.Join(root, filepath.FromSlash(in.Path))
		info, err := os.Stat(full)
		if err != nil {
			return core.Digest{}, nil, fmt.Errorf("input %s: %w", in.Path, err)
		}
		if err := tree.addFile(in.Path, in.Digest, info.Mode().Perm()&0o111 != 0); err != nil {
			return core.Digest{}, nil, err
		}
		blobs = append(blobs, remote.Blob{Digest: in.Digest, Path: full})
	}
	if _, err := tree.dir(workdir); err != nil {
		return core.Digest{}, nil, err
	}
	rootDigest, err := tree.encode(&blobs)
	if err != nil {
		return core.Digest{}, nil, err
	}
	return rootDigest, blobs, nil
}
