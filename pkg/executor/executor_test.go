package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		input    string
		expected uint64
		wantErr  bool
	}{
		{"", 0, false},
		{"512m", 512 << 20, false},
		{"1g", 1 << 30, false},
		{"2G", 2 << 30, false},
		{"64k", 64 << 10, false},
		{"1048576", 1048576, false},
		{" 1g ", 1 << 30, false},
		{"abc", 0, true},
		{"1.5g", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseMemoryLimit(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDirectExecutorUnknownWorker(t *testing.T) {
	e, err := NewDirectExecutor(DirectConfig{
		Binary:        "/bin/true",
		DBPath:        "jobs.db",
		WorkspacePath: ".",
	})
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, e.IsWorkerRunning(ctx, "direct-notebook-0-absent00"))
	assert.False(t, e.StopWorker(ctx, "direct-notebook-0-absent00"))
	assert.Nil(t, e.WorkerStats(ctx, "direct-notebook-0-absent00"))
}

func TestDirectExecutorDefaultsToSelf(t *testing.T) {
	e, err := NewDirectExecutor(DirectConfig{DBPath: "jobs.db", WorkspacePath: "."})
	require.NoError(t, err)
	assert.NotEmpty(t, e.binary)
	assert.Equal(t, "info", e.logLevel)
}
