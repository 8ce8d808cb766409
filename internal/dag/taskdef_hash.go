package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"

	"taskweave/internal/core"
)

// computeTaskDefHash hashes the declarative definition of a task.
//
// Determinism rules:
//   - Input patterns and outputs are treated as sets and sorted.
//   - Env map is sorted by key.
//   - All fields are length-prefixed to avoid ambiguity.
func computeTaskDefHash(t core.Task, inputs, outputs []string) TaskDefHash {
	h := sha256.New()

	writeStrings(h, t.Argv())
	writeField(h, []byte(t.WorkDir))
	writeStrings(h, sortedCopy(inputs))
	writeStrings(h, sortedCopy(outputs))

	envKeys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	writeCount(h, len(envKeys))
	for _, k := range envKeys {
		writeField(h, []byte(k))
		writeField(h, []byte(t.Env[k]))
	}

	return TaskDefHash(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	h.Write(length[:])
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(n))
	writeField(h, count[:])
}

func writeStrings(h hash.Hash, values []string) {
	writeCount(h, len(values))
	for _, v := range values {
		writeField(h, []byte(v))
	}
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
