package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursecraft/loom/pkg/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, types.ExecutionModeDirect, cfg.DefaultExecutionMode)
	assert.Equal(t, 1, cfg.DefaultWorkerCount)
	assert.True(t, cfg.AutoStart)
	assert.True(t, cfg.AutoStop)
	assert.True(t, cfg.ReuseWorkers)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.DefaultWorkerCount)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_execution_mode: docker
default_worker_count: 3
auto_start: true
auto_stop: false
reuse_workers: true
types:
  notebook:
    count: 4
    image: notebook-processor:latest
    memory_limit: 2g
    max_job_time: 1200
  plantuml:
    execution_mode: direct
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionModeDocker, cfg.DefaultExecutionMode)
	assert.Equal(t, 3, cfg.DefaultWorkerCount)
	assert.False(t, cfg.AutoStop)

	nb := cfg.WorkerConfigFor(types.JobTypeNotebook)
	assert.Equal(t, 4, nb.Count)
	assert.Equal(t, types.ExecutionModeDocker, nb.Mode)
	assert.Equal(t, "notebook-processor:latest", nb.Image)
	assert.Equal(t, "2g", nb.MemoryLimit)
	assert.Equal(t, 1200, nb.MaxJobTime)

	puml := cfg.WorkerConfigFor(types.JobTypePlantUML)
	assert.Equal(t, 3, puml.Count)
	assert.Equal(t, types.ExecutionModeDirect, puml.Mode)
}

func TestWorkerConfigDefaults(t *testing.T) {
	cfg := Default().WorkerConfigFor(types.JobTypeDrawIO)

	assert.Equal(t, "1g", cfg.MemoryLimit)
	assert.Equal(t, 600, cfg.MaxJobTime)
}

func TestCLIOverrides(t *testing.T) {
	cfg := Default()
	count := 5
	cfg.Apply(Overrides{
		Workers:     types.ExecutionModeDocker,
		WorkerCount: &count,
		NoAutoStop:  true,
	})

	assert.Equal(t, types.ExecutionModeDocker, cfg.DefaultExecutionMode)
	assert.Equal(t, 5, cfg.DefaultWorkerCount)
	assert.True(t, cfg.AutoStart)
	assert.False(t, cfg.AutoStop)
}

func TestConfigShapedOverrides(t *testing.T) {
	cfg := Default()
	count := 2
	autoStart := false
	cfg.Apply(Overrides{
		DefaultExecutionMode: types.ExecutionModeDocker,
		DefaultWorkerCount:   &count,
		AutoStart:            &autoStart,
	})

	assert.Equal(t, types.ExecutionModeDocker, cfg.DefaultExecutionMode)
	assert.Equal(t, 2, cfg.DefaultWorkerCount)
	assert.False(t, cfg.AutoStart)
}

func TestCLIShapedKeysTakePrecedence(t *testing.T) {
	cfg := Default()
	cliCount, configCount := 10, 5
	autoStart := true
	cfg.Apply(Overrides{
		Workers:              types.ExecutionModeDocker,
		DefaultExecutionMode: types.ExecutionModeDirect,
		WorkerCount:          &cliCount,
		DefaultWorkerCount:   &configCount,
		NoAutoStart:          true,
		AutoStart:            &autoStart,
	})

	assert.Equal(t, types.ExecutionModeDocker, cfg.DefaultExecutionMode)
	assert.Equal(t, 10, cfg.DefaultWorkerCount)
	assert.False(t, cfg.AutoStart)
}

func TestFreshWorkersDisablesReuse(t *testing.T) {
	cfg := Default()
	cfg.Apply(Overrides{FreshWorkers: true})
	assert.False(t, cfg.ReuseWorkers)
}

func TestPerTypeCountOverride(t *testing.T) {
	cfg := Default()
	cfg.Apply(Overrides{TypeCounts: map[types.JobType]int{
		types.JobTypeNotebook: 7,
	}})

	assert.Equal(t, 7, cfg.WorkerConfigFor(types.JobTypeNotebook).Count)
	assert.Equal(t, 1, cfg.WorkerConfigFor(types.JobTypePlantUML).Count)
}

func TestAllWorkerConfigs(t *testing.T) {
	configs := Default().AllWorkerConfigs()
	require.Len(t, configs, len(types.AllJobTypes))
	for i, c := range configs {
		assert.Equal(t, types.AllJobTypes[i], c.Type)
	}
}
