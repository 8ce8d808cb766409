package core

// OutputFile is a declared output produced by a task.
//
// Path is workspace-relative in slash form; Digest is the content digest
// after the task finished.
type OutputFile struct {
	Path       string `json:"path"`
	Digest     Digest `json:"digest"`
	Executable bool   `json:"executable,omitempty"`
}
