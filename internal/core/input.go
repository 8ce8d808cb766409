package core

import "sort"

// ResolvedInput is a task input whose content digest is known.
//
// Path is workspace-relative in slash form. For graph-root inputs the digest
// is read from disk; for produced inputs it is the producer's recorded
// output digest.
type ResolvedInput struct {
	Path   string `json:"path"`
	Digest Digest `json:"digest"`
}

// SortInputs returns a copy of inputs ordered by path with duplicates removed.
func SortInputs(inputs []ResolvedInput) []ResolvedInput {
	out := make([]ResolvedInput, len(inputs))
	copy(out, inputs)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if len(out) < 2 {
		return out
	}
	dedup := out[:1]
	for _, in := range out[1:] {
		if in.Path != dedup[len(dedup)-1].Path {
			dedup = append(dedup, in)
		}
	}
	return dedup
}
