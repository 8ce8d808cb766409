package cli

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskweave/internal/dag"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"invalid invocation", invalidInvocation(errors.New("bad flag")), ExitInvalidInvocation},
		{"wrapped invalid invocation", fmt.Errorf("run: %w", invalidInvocation(errors.New("x"))), ExitInvalidInvocation},
		{"config", configError(errors.New("x")), ExitConfigError},
		{"graph", fmt.Errorf("tasks[0]: %w", dag.ErrInvalidGraph), ExitConfigError},
		{"missing inputs", &dag.MissingInputsError{Paths: []string{"a"}}, ExitConfigError},
		{"cancelled", fmt.Errorf("execution cancelled: %w", context.Canceled), ExitGraphFailure},
		{"unknown", errors.New("boom"), ExitInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestArgValidatorsAreInvalidInvocation(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	for name, check := range map[string]error{
		"exact": exactArgs(0)(cmd, []string{"extra"}),
		"min":   minArgs(1)(cmd, nil),
		"max":   maxArgs(1)(cmd, []string{"a", "b"}),
	} {
		require.Error(t, check, name)
		assert.Equal(t, ExitInvalidInvocation, ExitCode(check), name)
	}
	assert.NoError(t, maxArgs(1)(cmd, []string{"a"}))
}
