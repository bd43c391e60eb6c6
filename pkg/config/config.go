package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coursecraft/loom/pkg/types"
)

// TypeOverrides customizes one worker type beyond the defaults
type TypeOverrides struct {
	Count         *int                `yaml:"count"`
	ExecutionMode types.ExecutionMode `yaml:"execution_mode"`
	Image         string              `yaml:"image"`
	MemoryLimit   string              `yaml:"memory_limit"`
	MaxJobTime    int                 `yaml:"max_job_time"`
}

// WorkersConfig is the worker-management configuration
type WorkersConfig struct {
	DefaultExecutionMode types.ExecutionMode             `yaml:"default_execution_mode"`
	DefaultWorkerCount   int                             `yaml:"default_worker_count"`
	AutoStart            bool                            `yaml:"auto_start"`
	AutoStop             bool                            `yaml:"auto_stop"`
	ReuseWorkers         bool                            `yaml:"reuse_workers"`
	Types                map[types.JobType]TypeOverrides `yaml:"types"`
}

// Default returns the configuration used when no file is present
func Default() *WorkersConfig {
	return &WorkersConfig{
		DefaultExecutionMode: types.ExecutionModeDirect,
		DefaultWorkerCount:   1,
		AutoStart:            true,
		AutoStop:             true,
		ReuseWorkers:         true,
		Types:                make(map[types.JobType]TypeOverrides),
	}
}

// Load reads a YAML configuration file, falling back to defaults when the
// path is empty or the file does not exist
func Load(path string) (*WorkersConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Types == nil {
		cfg.Types = make(map[types.JobType]TypeOverrides)
	}
	return cfg, nil
}

// Overrides carries configuration overrides from the command line.
// CLI-shaped fields (Workers, WorkerCount, NoAutoStart, NoAutoStop,
// FreshWorkers, TypeCounts) take precedence over the config-shaped ones.
type Overrides struct {
	// CLI-shaped keys
	Workers      types.ExecutionMode // overrides DefaultExecutionMode
	WorkerCount  *int                // overrides DefaultWorkerCount
	NoAutoStart  bool
	NoAutoStop   bool
	FreshWorkers bool
	TypeCounts   map[types.JobType]int // <type>_workers flags

	// Config-shaped keys
	DefaultExecutionMode types.ExecutionMode
	DefaultWorkerCount   *int
	AutoStart            *bool
	AutoStop             *bool
	ReuseWorkers         *bool
}

// Apply merges overrides onto the configuration. Config-shaped keys apply
// first so the CLI-shaped ones win.
func (c *WorkersConfig) Apply(o Overrides) {
	if o.DefaultExecutionMode != "" {
		c.DefaultExecutionMode = o.DefaultExecutionMode
	}
	if o.DefaultWorkerCount != nil {
		c.DefaultWorkerCount = *o.DefaultWorkerCount
	}
	if o.AutoStart != nil {
		c.AutoStart = *o.AutoStart
	}
	if o.AutoStop != nil {
		c.AutoStop = *o.AutoStop
	}
	if o.ReuseWorkers != nil {
		c.ReuseWorkers = *o.ReuseWorkers
	}

	if o.Workers != "" {
		c.DefaultExecutionMode = o.Workers
	}
	if o.WorkerCount != nil {
		c.DefaultWorkerCount = *o.WorkerCount
	}
	if o.NoAutoStart {
		c.AutoStart = false
	}
	if o.NoAutoStop {
		c.AutoStop = false
	}
	if o.FreshWorkers {
		c.ReuseWorkers = false
	}
	for jobType, count := range o.TypeCounts {
		ov := c.Types[jobType]
		n := count
		ov.Count = &n
		c.Types[jobType] = ov
	}
}

// WorkerConfigFor resolves the effective configuration for one worker type
func (c *WorkersConfig) WorkerConfigFor(jobType types.JobType) types.WorkerConfig {
	cfg := types.WorkerConfig{
		Type:  jobType,
		Count: c.DefaultWorkerCount,
		Mode:  c.DefaultExecutionMode,
	}

	if ov, ok := c.Types[jobType]; ok {
		if ov.Count != nil {
			cfg.Count = *ov.Count
		}
		if ov.ExecutionMode != "" {
			cfg.Mode = ov.ExecutionMode
		}
		cfg.Image = ov.Image
		cfg.MemoryLimit = ov.MemoryLimit
		cfg.MaxJobTime = ov.MaxJobTime
	}

	return cfg.WithDefaults()
}

// AllWorkerConfigs resolves configurations for every job type
func (c *WorkersConfig) AllWorkerConfigs() []types.WorkerConfig {
	configs := make([]types.WorkerConfig, 0, len(types.AllJobTypes))
	for _, jobType := range types.AllJobTypes {
		configs = append(configs, c.WorkerConfigFor(jobType))
	}
	return configs
}
