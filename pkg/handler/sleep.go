package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxSleepMs caps the SLEEP handler's duration; submissions above the cap
// are rejected at admission by the handler's own range check.
const MaxSleepMs = 10 * 60 * 1000

// Sleep waits for duration_ms in short slices, polling for abort between
// slices. It exists to exercise heartbeats, aborts, and staleness in tests
// and smoke deployments.
type Sleep struct{}

func (s *Sleep) Type() string { return "SLEEP" }

func (s *Sleep) Validate(params map[string]any) error {
	ms, err := durationMsParam(params)
	if err != nil {
		return err
	}
	if ms <= 0 {
		return errors.New("duration_ms must be > 0")
	}
	if ms > MaxSleepMs {
		return fmt.Errorf("duration_ms %d exceeds maximum %d", ms, MaxSleepMs)
	}
	return nil
}

func (s *Sleep) Run(ctx context.Context, jc *JobContext, params map[string]any) (json.RawMessage, error) {
	ms, err := durationMsParam(params)
	if err != nil {
		return nil, err
	}

	total := time.Duration(ms) * time.Millisecond
	const slice = 100 * time.Millisecond
	deadline := time.Now().Add(total)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if jc.Aborted() {
			return nil, errors.New("abort requested")
		}
		wait := slice
		if remaining < wait {
			wait = remaining
		}
		jc.Report(1-float64(remaining)/float64(total), "sleeping")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return json.Marshal(map[string]any{"slept_ms": ms})
}

func durationMsParam(params map[string]any) (int64, error) {
	raw, ok := params["duration_ms"]
	if !ok {
		return 0, errors.New("duration_ms is required")
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("duration_ms has unsupported type %T", raw)
	}
}
