package core

import (
	"bytes"
	"encoding/binary"
	"path"
	"sort"
)

// fingerprintVersion is mixed into every fingerprint so a change of the
// canonical encoding never collides with entries written by older versions.
const fingerprintVersion = "taskweave/fingerprint/v1"

// TaskHasher computes deterministic task fingerprints.
//
// The fingerprint is designed to be:
//   - Deterministic: identical tasks and input digests always produce identical fingerprints
//   - Content-based: inputs contribute their digest, never their metadata
//   - Ordered: every map and set is sorted before encoding
type TaskHasher struct{}

// NewTaskHasher creates a new TaskHasher.
func NewTaskHasher() *TaskHasher {
	return &TaskHasher{}
}

// Fingerprint computes the cache key of task given the digests of its inputs.
//
// The canonical encoding is, in order:
//  1. Encoding version
//  2. Working directory
//  3. Command and arguments (argument order is significant)
//  4. Environment overrides sorted by key
//  5. Declared outputs, cleaned and sorted
//  6. Resolved inputs sorted by path: path + digest hash + digest size
//
// All components are length-prefixed to prevent ambiguity.
func (h *TaskHasher) Fingerprint(task *Task, inputs []ResolvedInput) Digest {
	return DigestBytes(h.Canonical(task, inputs))
}

// Canonical returns the byte sequence Fingerprint hashes.
func (h *TaskHasher) Canonical(task *Task, inputs []ResolvedInput) []byte {
	var buf bytes.Buffer

	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		buf.Write(length[:])
		buf.Write(data)
	}
	writeCount := func(n int) {
		var count [8]byte
		binary.BigEndian.PutUint64(count[:], uint64(n))
		writeField(count[:])
	}

	writeField([]byte(fingerprintVersion))

	workDir := ""
	if task.WorkDir != "" {
		workDir = path.Clean(task.WorkDir)
	}
	writeField([]byte(workDir))

	argv := task.Argv()
	writeCount(len(argv))
	for _, arg := range argv {
		writeField([]byte(arg))
	}

	envKeys := make([]string, 0, len(task.Env))
	for k := range task.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	writeCount(len(envKeys))
	for _, k := range envKeys {
		writeField([]byte(k))
		writeField([]byte(task.Env[k]))
	}

	outputs := make([]string, 0, len(task.Outputs))
	for _, out := range task.Outputs {
		if clean, err := CleanPath(out); err == nil {
			outputs = append(outputs, clean)
		} else {
			outputs = append(outputs, out)
		}
	}
	sort.Strings(outputs)
	writeCount(len(outputs))
	for _, out := range outputs {
		writeField([]byte(out))
	}

	sorted := SortInputs(inputs)
	writeCount(len(sorted))
	for _, in := range sorted {
		writeField([]byte(in.Path))
		writeField([]byte(in.Digest.Hash))
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(in.Digest.SizeBytes))
		writeField(size[:])
	}

	return buf.Bytes()
}
