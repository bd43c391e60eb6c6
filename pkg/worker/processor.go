package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coursecraft/loom/pkg/types"
)

// Processor executes the domain-specific part of a job: reading the input,
// transforming it, and writing the output file. The substrate is agnostic
// to what the transformation does.
type Processor interface {
	Process(ctx context.Context, job *types.Job, workspace string) error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[types.JobType]Processor)
)

// Register installs a processor for a job type. Later registrations replace
// earlier ones.
func Register(jobType types.JobType, p Processor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[jobType] = p
}

// ProcessorFor returns the registered processor for a job type
func ProcessorFor(jobType types.JobType) (Processor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[jobType]
	return p, ok
}

// ResolvePath makes a payload path absolute relative to the workspace
func ResolvePath(workspace, path string) string {
	if filepath.IsAbs(path) || workspace == "" {
		return path
	}
	return filepath.Join(workspace, path)
}

// WriteOutput writes a job's output, creating parent directories
func WriteOutput(workspace, outputFile string, data []byte) error {
	path := ResolvePath(workspace, outputFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output %s: %w", path, err)
	}
	return nil
}

// PayloadString extracts a string field from a job payload
func PayloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadBytes extracts a bytes field from a job payload. Byte-valued
// payload fields travel as base64 strings in the JSON blob.
func PayloadBytes(payload map[string]any, key string) ([]byte, error) {
	s, ok := payload[key].(string)
	if !ok {
		return nil, fmt.Errorf("payload field %q is not a string", key)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("payload field %q is not valid base64: %w", key, err)
	}
	return data, nil
}

// PassthroughProcessor copies the input file to the output file unchanged.
// It exercises the full claim/process/complete path and stands in for the
// real transformation workers in smoke tests and local development.
type PassthroughProcessor struct{}

// Process copies input to output
func (PassthroughProcessor) Process(ctx context.Context, job *types.Job, workspace string) error {
	data, err := os.ReadFile(ResolvePath(workspace, job.InputFile))
	if err != nil {
		return fmt.Errorf("failed to read input %s: %w", job.InputFile, err)
	}
	return WriteOutput(workspace, job.OutputFile, data)
}
