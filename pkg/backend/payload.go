package backend

import (
	"encoding/json"
	"fmt"

	"github.com/coursecraft/loom/pkg/types"
)

// Operation is a driver-level work unit. The service name selects which
// worker fleet handles it.
type Operation struct {
	ServiceName string
}

// serviceToJobType maps driver service names onto queue job types
var serviceToJobType = map[string]types.JobType{
	"notebook-processor": types.JobTypeNotebook,
	"plantuml-converter": types.JobTypePlantUML,
	"drawio-converter":   types.JobTypeDrawIO,
}

// JobTypeForService resolves a service name, or ErrUnknownService
func JobTypeForService(serviceName string) (types.JobType, error) {
	jobType, ok := serviceToJobType[serviceName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownService, serviceName)
	}
	return jobType, nil
}

// Payload is the parameter bundle for one operation. The core consumes the
// addressing fields; everything in Extra passes through opaquely to the
// worker. Byte-valued Extra fields are encoded as base64 strings in the
// serialized JSON (encoding/json does this for []byte).
type Payload struct {
	InputFile     string
	OutputFile    string
	ContentHash   string
	CorrelationID string

	// OutputMetadata discriminates output variants of the same input in
	// cache keys (e.g. a language/format/kind tuple).
	OutputMetadata string

	// Priority orders jobs within a type; higher runs first
	Priority int

	Extra map[string]any
}

// Fields flattens the payload into the map stored in the job row
func (p *Payload) Fields() map[string]any {
	fields := make(map[string]any, len(p.Extra)+4)
	for k, v := range p.Extra {
		fields[k] = v
	}
	fields["input_file"] = p.InputFile
	fields["output_file"] = p.OutputFile
	fields["content_hash"] = p.ContentHash
	if p.CorrelationID != "" {
		fields["correlation_id"] = p.CorrelationID
	}
	return fields
}

// MarshalJSON serializes the flattened payload
func (p *Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Fields())
}
