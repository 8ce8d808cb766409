package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"taskweave/internal/core"
	"taskweave/internal/dag"
)

type taskFile struct {
	Tasks []core.Task `yaml:"tasks"`
}

// LoadTaskFile reads the task list at path.
//
// The file is YAML; JSON documents parse as well. Unknown fields and
// trailing documents are rejected.
func LoadTaskFile(path string) ([]core.Task, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	return ParseTaskFile(b)
}

func ParseTaskFile(data []byte) ([]core.Task, error) {
	var tf taskFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse task file: %w: no tasks", dag.ErrInvalidGraph)
		}
		return nil, fmt.Errorf("parse task file: %w: %v", dag.ErrInvalidGraph, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse task file: %w: trailing document", dag.ErrInvalidGraph)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("parse task file: %w: no tasks", dag.ErrInvalidGraph)
	}
	return tf.Tasks, nil
}

// BuildGraph adds tasks in file order and derives the graph. Input globs
// never match files under the exclude directories (workspace-relative).
func BuildGraph(root string, tasks []core.Task, exclude ...string) (*dag.TaskGraph, error) {
	b := dag.NewBuilder(root).Exclude(exclude...)
	for i, t := range tasks {
		if _, err := b.AddTask(t); err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
	}
	return b.Build()
}
