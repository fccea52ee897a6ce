// Package handler defines the job handler contract and the closed dispatch
// table mapping job types to handlers.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// JobContext is the per-execution surface a handler sees beyond its
// parameters: progress reporting and cooperative abort polling.
type JobContext struct {
	JobID string

	// Report publishes a progress fraction and a phase label; both surface
	// as operator-facing liveness hints on the job record.
	Report func(progress float64, phase string)

	// Aborted reports whether an abort has been requested for this job.
	// Long-running handler bodies should poll it at convenient points.
	Aborted func() bool
}

// Handler executes one job type. Validate runs at admission time and again
// in the worker before execution; Run is the handler body.
type Handler interface {
	Type() string
	Validate(params map[string]any) error
	Run(ctx context.Context, jc *JobContext, params map[string]any) (json.RawMessage, error)
}

// Registry is an immutable job_type -> handler dispatch table, constructed
// once at process start and passed to the components that need it.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from the given handlers. Duplicate types are
// a programming error.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	m := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		t := h.Type()
		if t == "" {
			return nil, fmt.Errorf("handler with empty type")
		}
		if _, dup := m[t]; dup {
			return nil, fmt.Errorf("duplicate handler type %q", t)
		}
		m[t] = h
	}
	return &Registry{handlers: m}, nil
}

// MustNewRegistry is NewRegistry for static handler sets wired in main.
func MustNewRegistry(handlers ...Handler) *Registry {
	r, err := NewRegistry(handlers...)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the handler for a job type.
func (r *Registry) Resolve(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Default returns the registry of built-in handlers.
func Default() *Registry {
	return MustNewRegistry(&Echo{}, &Sleep{})
}
