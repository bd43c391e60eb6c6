package report

import (
	"encoding/json"
	"fmt"
)

// ErrorType classifies who can fix an error
type ErrorType string

const (
	// ErrorTypeUser marks faults attributable to inputs: notebook
	// compilation errors, missing modules, diagram syntax errors
	ErrorTypeUser ErrorType = "user"

	// ErrorTypeConfiguration marks missing tools, templates, or
	// environment variables
	ErrorTypeConfiguration ErrorType = "configuration"

	// ErrorTypeInfrastructure marks worker timeouts, missing workers,
	// and I/O failures
	ErrorTypeInfrastructure ErrorType = "infrastructure"
)

// Severity grades an issue
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"

	// SeverityFatal aborts the session (e.g. no workers available)
	SeverityFatal Severity = "fatal"
)

// BuildError is a categorized build failure with actionable guidance
type BuildError struct {
	ErrorType          ErrorType      `json:"error_type"`
	Category           string         `json:"category"`
	Severity           Severity       `json:"severity"`
	FilePath           string         `json:"file_path"`
	Message            string         `json:"message"`
	ActionableGuidance string         `json:"actionable_guidance"`
	JobID              int64          `json:"job_id,omitempty"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	FromCache          bool           `json:"from_cache,omitempty"`
	Details            map[string]any `json:"details,omitempty"`
}

// ToJSON serializes the error for storage in the issue log
func (e *BuildError) ToJSON() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to serialize build error: %w", err)
	}
	return string(data), nil
}

// BuildErrorFromJSON deserializes a stored issue-log entry
func BuildErrorFromJSON(data string) (*BuildError, error) {
	var e BuildError
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to deserialize build error: %w", err)
	}
	return &e, nil
}

// BuildWarning is a non-fatal issue surfaced in the session summary
type BuildWarning struct {
	Category      string `json:"category"`
	FilePath      string `json:"file_path"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	FromCache     bool   `json:"from_cache,omitempty"`
}

// ToJSON serializes the warning for storage in the issue log
func (w *BuildWarning) ToJSON() (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("failed to serialize build warning: %w", err)
	}
	return string(data), nil
}

// BuildWarningFromJSON deserializes a stored issue-log entry
func BuildWarningFromJSON(data string) (*BuildWarning, error) {
	var w BuildWarning
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("failed to deserialize build warning: %w", err)
	}
	return &w, nil
}

// Reporter receives categorized issues during a build. Implementations
// accumulate them and render a summary at session end; the exit code
// reflects the worst severity observed.
type Reporter interface {
	ReportError(err *BuildError)
	ReportWarning(warning *BuildWarning)
}
