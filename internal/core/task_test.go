package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr string
	}{
		{name: "minimal", task: Task{Command: "true"}},
		{name: "empty command", task: Task{Name: "x"}, wantErr: "command is required"},
		{name: "absolute output", task: Task{Command: "cp", Outputs: []string{"/tmp/out"}}, wantErr: "relative to the workspace"},
		{name: "escaping output", task: Task{Command: "cp", Outputs: []string{"../out"}}, wantErr: "escapes the workspace"},
		{name: "duplicate output", task: Task{Command: "cp", Outputs: []string{"a/b", "a/./b"}}, wantErr: "declared twice"},
		{name: "bad env", task: Task{Command: "env", Env: map[string]string{"A=B": "c"}}, wantErr: "invalid env name"},
		{name: "negative timeout", task: Task{Command: "sleep", Timeout: -1}, wantErr: "timeout"},
		{name: "escaping workdir", task: Task{Command: "ls", WorkDir: "../.."}, wantErr: "workdir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTask))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCleanPath(t *testing.T) {
	got, err := CleanPath("a/./b/../c.txt")
	require.NoError(t, err)
	assert.Equal(t, "a/c.txt", got)
}

func TestTaskSucceeded(t *testing.T) {
	task := Task{Command: "grep", ExpectedExitCode: 1}
	assert.True(t, task.Succeeded(1))
	assert.False(t, task.Succeeded(0))
	assert.Equal(t, []string{"grep"}, task.Argv())
}
