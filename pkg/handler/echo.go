package handler

import (
	"context"
	"encoding/json"
)

// Echo returns its parameters unchanged as the job result. It accepts any
// parameter shape and exists as the canonical smoke-test job type.
type Echo struct{}

func (e *Echo) Type() string { return "ECHO" }

func (e *Echo) Validate(params map[string]any) error {
	return nil
}

func (e *Echo) Run(ctx context.Context, jc *JobContext, params map[string]any) (json.RawMessage, error) {
	jc.Report(1.0, "echo")
	if params == nil {
		params = map[string]any{}
	}
	return json.Marshal(params)
}
