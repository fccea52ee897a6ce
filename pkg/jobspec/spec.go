// Package jobspec defines the versioned parameter payload carried by a job
// record between submission and worker execution.
package jobspec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CurrentVersion is stamped on every newly submitted spec. The schema is
// designed for backward-compatible extension (additive fields).
const CurrentVersion = 1

// Spec is the opaque payload stored on a job record.
type Spec struct {
	Version  int               `json:"version"`
	JobType  string            `json:"job_type"`
	Params   map[string]any    `json:"params,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// New builds a current-version spec.
func New(jobType string, params map[string]any, metadata map[string]string) Spec {
	return Spec{Version: CurrentVersion, JobType: jobType, Params: params, Metadata: metadata}
}

// Encode renders the spec as its stored JSON form.
func (s Spec) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode job spec: %w", err)
	}
	return b, nil
}

// Decode parses a stored spec payload, validating the envelope.
func Decode(raw json.RawMessage) (Spec, error) {
	var s Spec
	if len(raw) == 0 {
		return s, fmt.Errorf("job spec is empty")
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("parse job spec: %w", err)
	}
	if s.Version <= 0 {
		return s, fmt.Errorf("job spec version %d is invalid", s.Version)
	}
	if s.Version > CurrentVersion {
		return s, fmt.Errorf("job spec version %d is newer than supported %d", s.Version, CurrentVersion)
	}
	if strings.TrimSpace(s.JobType) == "" {
		return s, fmt.Errorf("job spec missing job_type")
	}
	return s, nil
}
