package types

import (
	"fmt"
	"time"
)

// JobType identifies the kind of transformation a job performs
type JobType string

const (
	JobTypeNotebook JobType = "notebook"
	JobTypePlantUML JobType = "plantuml"
	JobTypeDrawIO   JobType = "drawio"
)

// AllJobTypes lists every job type in a stable order
var AllJobTypes = []JobType{JobTypeNotebook, JobTypePlantUML, JobTypeDrawIO}

// JobStatus represents the state of a job in the queue
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// DefaultMaxAttempts bounds how often a job may be claimed before it is
// considered poisoned
const DefaultMaxAttempts = 3

// Job represents a unit of work in the queue
type Job struct {
	ID            int64
	Type          JobType
	Status        JobStatus
	InputFile     string
	OutputFile    string
	ContentHash   string
	Payload       map[string]any
	Priority      int
	Attempts      int
	MaxAttempts   int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	WorkerID      *int64
	Error         string
	CorrelationID string
}

// ExecutionMode selects how worker processes are launched
type ExecutionMode string

const (
	// ExecutionModeDirect runs workers as child processes of the orchestrator
	ExecutionModeDirect ExecutionMode = "direct"

	// ExecutionModeDocker runs workers in containers
	ExecutionModeDocker ExecutionMode = "docker"
)

// WorkerStatus represents the state of a worker row
type WorkerStatus string

const (
	WorkerStatusIdle WorkerStatus = "idle"
	WorkerStatusBusy WorkerStatus = "busy"
	WorkerStatusHung WorkerStatus = "hung"
	WorkerStatusDead WorkerStatus = "dead"
)

// DirectExecutorIDPrefix marks executor ids of subprocess workers. Container
// workers carry the container id instead; the prefix is the only part of an
// executor id any component is allowed to interpret.
const DirectExecutorIDPrefix = "direct-"

// Worker represents a registered worker as stored in the workers table.
// Rows are inserted by the worker process itself on first heartbeat and
// removed on graceful shutdown.
type Worker struct {
	ID            int64
	Type          JobType
	ExecutorID    string
	Status        WorkerStatus
	LastHeartbeat time.Time
	JobsProcessed int
	JobsFailed    int
	StartedAt     time.Time
}

// DiscoveredWorker is a worker row annotated with liveness information
type DiscoveredWorker struct {
	Worker
	IsDocker  bool
	IsHealthy bool
}

// WorkerConfig configures one worker pool
type WorkerConfig struct {
	Type        JobType       `yaml:"type"`
	Count       int           `yaml:"count"`
	Mode        ExecutionMode `yaml:"execution_mode"`
	Image       string        `yaml:"image"`
	MemoryLimit string        `yaml:"memory_limit"`
	MaxJobTime  int           `yaml:"max_job_time"`
}

// Validate checks that the configuration is internally consistent
func (c *WorkerConfig) Validate() error {
	switch c.Mode {
	case ExecutionModeDirect, ExecutionModeDocker:
	default:
		return fmt.Errorf("invalid execution_mode: %s", c.Mode)
	}
	if c.Mode == ExecutionModeDocker && c.Image == "" {
		return fmt.Errorf("docker execution mode requires an image for worker type %s", c.Type)
	}
	if c.Count < 0 {
		return fmt.Errorf("worker count must not be negative for worker type %s", c.Type)
	}
	return nil
}

// WithDefaults fills zero-valued optional fields
func (c WorkerConfig) WithDefaults() WorkerConfig {
	if c.MemoryLimit == "" {
		c.MemoryLimit = "1g"
	}
	if c.MaxJobTime == 0 {
		c.MaxJobTime = 600
	}
	return c
}

// ResourceStats holds best-effort resource usage for a running worker
type ResourceStats struct {
	CPUPercent float64
	MemoryMB   float64
	Alive      bool
	PID        int32
}

// QueueStats holds job counts by status
type QueueStats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// ProcessingJob describes one in-flight job for status reporting
type ProcessingJob struct {
	JobID          int64
	Type           JobType
	InputFile      string
	WorkerID       *int64
	ElapsedSeconds float64
}

// QueueStatistics extends QueueStats with per-type counts and in-flight
// job detail
type QueueStatistics struct {
	QueueStats
	ByType         map[JobType]int
	ProcessingJobs []ProcessingJob
}

// WorkerSummary aggregates worker health per type
type WorkerSummary struct {
	Total     int
	Healthy   int
	Unhealthy int
}
